package scrape

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/rbaeza/agil-tracker/internal/config"
)

// PortalClient talks to the portal's JSON API using credentials captured
// from a live browser session. Credentials are shared mutable state: only
// EnsureSession writes them, and an empty value triggers lazy re-acquisition
// on the next fetch.
type PortalClient struct {
	http    *resty.Client
	source  CredentialSource
	limiter *rate.Limiter

	apiBase string

	mu    sync.Mutex
	creds Credentials
}

func NewPortalClient(source CredentialSource) *PortalClient {
	client := resty.New()
	client.SetTimeout(config.RequestTimeoutSeconds * time.Second)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", config.UserAgent)
	client.SetHeader("accept", "application/json")
	client.SetHeader("referer", config.WebBaseURL+"/")

	return &PortalClient{
		http:    client,
		source:  source,
		limiter: rate.NewLimiter(rate.Every(config.PageDelayMillis*time.Millisecond), 1),
		apiBase: config.APIBaseURL,
	}
}

// EnsureSession refreshes credentials if none are held. Safe to call before
// every long batch; cheap when a session already exists.
func (c *PortalClient) EnsureSession(ctx context.Context, progress func(string)) error {
	c.mu.Lock()
	empty := c.creds.Empty()
	c.mu.Unlock()
	if !empty {
		return nil
	}

	creds, err := c.source.Acquire(ctx, progress)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

// InvalidateSession drops the held credentials so the next fetch acquires a
// fresh session.
func (c *PortalClient) InvalidateSession() {
	c.mu.Lock()
	c.creds = Credentials{}
	c.mu.Unlock()
}

func (c *PortalClient) sessionHeaders() map[string]string {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	headers := map[string]string{}
	if creds.Authorization != "" {
		headers["authorization"] = creds.Authorization
	}
	if creds.APIKey != "" {
		headers["x-api-key"] = creds.APIKey
	} else if key := config.PortalAPIKey(); key != "" {
		headers["x-api-key"] = key
	}
	return headers
}

// FetchListing pages through the listing endpoint until exhaustion, the
// caller's page cap, or the hard safety cap, and returns the items
// deduplicated by code (last seen wins).
//
// Any non-200 page aborts the sweep and returns whatever was collected so
// far; there is deliberately no token re-acquisition mid-sweep.
func (c *PortalClient) FetchListing(ctx context.Context, filters Filters, maxPages int, progress func(string)) ([]ListingItem, error) {
	log.Printf("[listing] Starting sweep, filters=%v maxPages=%d", filters, maxPages)

	if err := c.EnsureSession(ctx, progress); err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	var collected []ListingItem
	page := 1
	totalPages := 1

	for {
		if maxPages > 0 && page > maxPages {
			break
		}
		if totalPages > 0 && page > totalPages {
			break
		}
		if page > config.PageSafetyCap {
			log.Printf("[listing] Safety cap of %d pages hit, stopping", config.PageSafetyCap)
			break
		}

		if progress != nil {
			progress(fmt.Sprintf("Descargando página %d...", page))
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return dedupeByCode(collected), err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.sessionHeaders()).
			Get(listingURLAt(c.apiBase, page, filters))
		if err != nil {
			log.Printf("[listing] Request for page %d failed: %v", page, err)
			break
		}
		if resp.StatusCode() != http.StatusOK {
			// 401/403 here usually means the token expired. The sweep
			// aborts rather than re-acquiring; the next run starts fresh.
			log.Printf("[listing] HTTP %d on page %d, aborting sweep", resp.StatusCode(), page)
			break
		}

		parsed, err := ParseListing(resp.Body())
		if err != nil {
			log.Printf("[listing] Page %d unparsable: %v", page, err)
			break
		}

		if page == 1 {
			totalPages = parsed.PageCount
			if totalPages == 0 {
				break
			}
		}

		if len(parsed.Items) == 0 {
			break
		}

		collected = append(collected, parsed.Items...)
		page++
	}

	result := dedupeByCode(collected)
	log.Printf("[listing] Sweep finished: %d pages read, %d unique items", page-1, len(result))
	return result, nil
}

// dedupeByCode keeps the first position and the last value seen for each
// code, mirroring fetch order for determinism.
func dedupeByCode(items []ListingItem) []ListingItem {
	out := make([]ListingItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if pos, seen := index[item.Code]; seen {
			out[pos] = item
			continue
		}
		index[item.Code] = len(out)
		out = append(out, item)
	}
	return out
}

// FetchDetail retrieves and validates one opportunity's detail record.
// "Not found" conditions (non-200, malformed payload) return (nil, nil) so
// batch callers can skip and continue; auth-class failures return an error
// so callers can tell a dead session from a missing record.
func (c *PortalClient) FetchDetail(ctx context.Context, code string) (*Detail, error) {
	reqCtx, cancel := context.WithTimeout(ctx, config.DetailTimeoutSeconds*time.Second)
	defer cancel()

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetHeaders(c.sessionHeaders()).
		Get(detailURLAt(c.apiBase, code))
	if err != nil {
		return nil, fmt.Errorf("detail request for %s: %w", code, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("detail request for %s rejected: HTTP %d", code, resp.StatusCode())
	default:
		return nil, nil
	}

	detail, err := ParseDetail(resp.Body())
	if err != nil {
		return nil, nil
	}
	return detail, nil
}
