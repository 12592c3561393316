package scrape

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/rbaeza/agil-tracker/internal/config"
)

// ErrNoToken means the portal never issued an authorized API request while
// the capture browser was watching.
var ErrNoToken = errors.New("no authorization token observed")

const (
	acquireTimeout   = 90 * time.Second
	tokenPollTicks   = 15
	tokenPollTick    = time.Second
	interactionWait  = 3 * time.Second
	searchButtonWait = 2 * time.Second
)

// BrowserAcquirer captures session credentials by driving a real browser to
// the portal search page and sniffing the XHR traffic it generates. The
// portal only hands out API tokens to its own frontend, so this is the one
// place the system touches a browser.
type BrowserAcquirer struct {
	Headless bool
}

func NewBrowserAcquirer() *BrowserAcquirer {
	return &BrowserAcquirer{Headless: config.Headless()}
}

func (a *BrowserAcquirer) Acquire(ctx context.Context, progress func(string)) (Credentials, error) {
	log.Printf("[session] Starting credential capture (headless=%v)", a.Headless)
	if progress != nil {
		progress("Obteniendo token de acceso seguro...")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(config.UserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// cancelBrowser tears the browser down on every exit path.
	defer cancelBrowser()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, acquireTimeout)
	defer cancelTimeout()

	var mu sync.Mutex
	captured := Credentials{UserAgent: config.UserAgent}

	haveToken := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured.Authorization != ""
	}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		if !strings.Contains(req.Request.URL, config.APIHostFragment) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for name, value := range req.Request.Headers {
			s, ok := value.(string)
			if !ok {
				continue
			}
			switch strings.ToLower(name) {
			case "authorization":
				captured.Authorization = s
			case "x-api-key":
				captured.APIKey = s
			}
		}
	})

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(config.WebBaseURL+"/compra-agil"),
	); err != nil && !haveToken() {
		return Credentials{}, fmt.Errorf("navigating to portal: %w", err)
	}

	for i := 0; i < tokenPollTicks && !haveToken(); i++ {
		select {
		case <-browserCtx.Done():
			return Credentials{}, fmt.Errorf("credential capture: %w", browserCtx.Err())
		case <-time.After(tokenPollTick):
		}
	}

	if !haveToken() {
		// The SPA sometimes waits for user input before its first API
		// call. Poke the search button once, then give it a moment.
		clickCtx, cancelClick := context.WithTimeout(browserCtx, searchButtonWait)
		_ = chromedp.Run(clickCtx, chromedp.Click(`button[type="submit"]`, chromedp.ByQuery))
		cancelClick()

		select {
		case <-browserCtx.Done():
		case <-time.After(interactionWait):
		}
	}

	if !haveToken() {
		return Credentials{}, fmt.Errorf("credential capture failed: %w", ErrNoToken)
	}

	mu.Lock()
	creds := captured
	mu.Unlock()

	log.Printf("[session] Credentials captured (api key present=%v)", creds.APIKey != "")
	return creds, nil
}
