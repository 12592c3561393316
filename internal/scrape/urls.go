package scrape

import (
	"net/url"
	"strconv"

	"github.com/rbaeza/agil-tracker/internal/config"
)

// listingQuery assembles the shared query parameters for listing requests.
// status=2 selects open opportunities on this portal.
func listingQuery(page int, filters Filters) url.Values {
	q := url.Values{}
	q.Set("status", "2")
	q.Set("order_by", "recent")
	q.Set("page_number", strconv.Itoa(page))
	for k, v := range filters {
		q.Set(k, v)
	}
	return q
}

func listingURLAt(base string, page int, filters Filters) string {
	return base + "/compra-agil?" + listingQuery(page, filters).Encode()
}

func detailURLAt(base, code string) string {
	q := url.Values{}
	q.Set("action", "ficha")
	q.Set("code", code)
	return base + "/compra-agil?" + q.Encode()
}

// ListingURL builds the API listing URL for a given page.
func ListingURL(page int, filters Filters) string {
	return listingURLAt(config.APIBaseURL, page, filters)
}

// WebListingURL builds the browser-visible listing URL. Unlike the API
// variant it forces region=all; the API rejects that combined with date
// filters, the website expects it.
func WebListingURL(page int, filters Filters) string {
	q := listingQuery(page, filters)
	q.Set("region", "all")
	return config.WebBaseURL + "/compra-agil?" + q.Encode()
}

// DetailURL builds the API detail endpoint URL for one opportunity code.
func DetailURL(code string) string {
	return detailURLAt(config.APIBaseURL, code)
}

// WebDetailURL is the public link an operator can open for an opportunity.
func WebDetailURL(code string) string {
	q := url.Values{}
	q.Set("code", code)
	return config.WebBaseURL + "/ficha?" + q.Encode()
}
