package scrape

import (
	"context"
	"time"
)

// Credentials are the session headers captured from a live browser visit.
// They live for the process lifetime at most; an empty value means "must
// acquire before talking to the API".
type Credentials struct {
	Authorization string
	APIKey        string
	UserAgent     string
}

func (c Credentials) Empty() bool {
	return c.Authorization == ""
}

// CredentialSource produces portal session credentials. The production
// implementation drives a real browser; tests substitute a fake.
type CredentialSource interface {
	Acquire(ctx context.Context, progress func(string)) (Credentials, error)
}

// Filters is the opaque query bag forwarded verbatim to the listing
// endpoint. Keys beyond date_from/date_to are passed through untouched.
type Filters map[string]string

// DateRangeFilters builds the minimal filter set for a listing sweep.
func DateRangeFilters(from, to time.Time) Filters {
	return Filters{
		"date_from": from.Format("2006-01-02"),
		"date_to":   to.Format("2006-01-02"),
	}
}

// ListingItem is one row of the listing endpoint, typed at the parse
// boundary so the rest of the pipeline never touches raw JSON maps.
type ListingItem struct {
	Code             string
	Title            string
	Status           string
	Organization     string
	Amount           float64
	PublishedOn      *time.Time
	ClosesAt         *time.Time
	BidderCount      int
	ConvocationState int
}

// ListingPage is a parsed page of listing results plus the pagination
// counters the server reports alongside them.
type ListingPage struct {
	Items       []ListingItem
	ResultCount int
	PageCount   int
}

// LineItem is a requested product/service line inside a detail record.
type LineItem struct {
	Name        string  `json:"nombre"`
	Description string  `json:"descripcion"`
	Quantity    float64 `json:"cantidad"`
}

// Detail is the validated per-opportunity detail record (enrichment stage).
type Detail struct {
	Description      string
	DeliveryAddress  string
	FirstCallClose   *time.Time
	SecondCallClose  *time.Time
	LineItems        []LineItem
	Status           string
	BidderCount      int
	ConvocationState *int
	DeliveryTermDays *int
	Organization     string
	Amount           float64
	PublishedOn      *time.Time
}
