package headless

import (
	"context"
	"errors"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Noop implements scraper.Fetcher but always returns an error to indicate
// that headless browsing is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(context.Context, string, scraper.FetchOptions) (scraper.FetchResult, error) {
	return scraper.FetchResult{}, errors.New("headless fetcher not configured")
}
