package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/rbaeza/agil-tracker/internal/config"
)

// ErrUnhealthy marks a failed session/connectivity check.
var ErrUnhealthy = errors.New("portal session unhealthy")

// CheckHealth verifies connectivity and session validity before a long
// batch: first that the public search page still serves the expected app
// shell, then that the API accepts the current (or freshly acquired)
// credentials for a one-page probe. Callers that want to fail fast run this
// instead of waiting for the first sweep to die.
func (c *PortalClient) CheckHealth(ctx context.Context, progress func(string)) error {
	if progress != nil {
		progress("Verificando conectividad con el portal...")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("accept", "text/html").
		Get(config.WebBaseURL + "/compra-agil")
	if err != nil {
		return fmt.Errorf("%w: portal unreachable: %v", ErrUnhealthy, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: portal returned HTTP %d", ErrUnhealthy, resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return fmt.Errorf("%w: search page unparsable: %v", ErrUnhealthy, err)
	}
	if doc.Find("script").Length() == 0 {
		// A bot-detection interstitial serves static HTML with no app
		// bundle; treat that as a dead session environment.
		return fmt.Errorf("%w: search page is not serving the application shell", ErrUnhealthy)
	}

	if err := c.EnsureSession(ctx, progress); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}

	today := time.Now()
	probe, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.sessionHeaders()).
		Get(listingURLAt(c.apiBase, 1, DateRangeFilters(today.AddDate(0, 0, -1), today)))
	if err != nil {
		return fmt.Errorf("%w: API probe failed: %v", ErrUnhealthy, err)
	}
	if probe.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: API probe returned HTTP %d", ErrUnhealthy, probe.StatusCode())
	}
	if _, err := ParseListing(probe.Body()); err != nil {
		return fmt.Errorf("%w: API probe unparsable: %v", ErrUnhealthy, err)
	}

	return nil
}
