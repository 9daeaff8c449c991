// Package memory provides an in-process fetcher serving scripted pages for
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Fetcher serves pages from a map keyed by URL.
type Fetcher struct {
	mu    sync.Mutex
	pages map[string]scraper.FetchResult
	errs  map[string]error
	calls []string
	opts  map[string]scraper.FetchOptions
}

// New builds a Fetcher over the given pages.
func New(pages map[string]scraper.FetchResult) *Fetcher {
	if pages == nil {
		pages = make(map[string]scraper.FetchResult)
	}
	return &Fetcher{
		pages: pages,
		errs:  make(map[string]error),
		opts:  make(map[string]scraper.FetchOptions),
	}
}

// FailWith makes Fetch return err for the given URL.
func (f *Fetcher) FailWith(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

// Fetch returns the scripted page for url.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts scraper.FetchOptions) (scraper.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return scraper.FetchResult{}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.opts[url] = opts
	err := f.errs[url]
	page, ok := f.pages[url]
	f.mu.Unlock()

	if err != nil {
		return scraper.FetchResult{}, err
	}
	if !ok {
		return scraper.FetchResult{}, fmt.Errorf("no scripted page for %s", url)
	}
	if page.URL == "" {
		page.URL = url
	}
	if page.FinalURL == "" {
		page.FinalURL = url
	}
	return page, nil
}

// Calls returns the fetched URLs in order.
func (f *Fetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Options returns the fetch options last used for url.
func (f *Fetcher) Options(url string) scraper.FetchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[url]
}
