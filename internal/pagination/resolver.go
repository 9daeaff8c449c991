// Package pagination decides the next page URL for a crawl, or why the crawl
// stops. Termination reasons are observability data, not errors.
package pagination

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Termination names why pagination ended.
type Termination string

// Termination reasons reported by Next.
const (
	TerminationNone      Termination = ""
	TerminationNoNext    Termination = "no_next_link"
	TerminationCycle     Termination = "pagination_cycle"
	TerminationPageLimit Termination = "page_limit_reached"
)

// DefaultMaxPages bounds jobs that do not set a page cap.
const DefaultMaxPages = 10

// DefaultNextSelector covers the common "next" anchors when a job does not
// configure its own.
const DefaultNextSelector = "a[rel='next'], a.next, li.next a, a.pagination-next, .next-page a"

// Cursor is the per-run pagination state, owned by exactly one pipeline run.
type Cursor struct {
	CurrentURL   string
	PagesVisited int
	visited      map[string]struct{}
}

// NewCursor starts a cursor at startURL. The start URL counts as visited for
// cycle detection.
func NewCursor(startURL string) *Cursor {
	return &Cursor{
		CurrentURL: startURL,
		visited:    map[string]struct{}{startURL: {}},
	}
}

// Advance moves the cursor onto url after a page was processed.
func (c *Cursor) Advance(u string) {
	c.CurrentURL = u
	c.visited[u] = struct{}{}
}

func (c *Cursor) seen(u string) bool {
	_, ok := c.visited[u]
	return ok
}

// Resolver implements the configured pagination strategy.
type Resolver struct {
	strategy scraper.PaginationStrategy
	selector string
	maxPages int
	logger   *zap.Logger
}

// NewResolver builds a Resolver from the job's pagination config.
func NewResolver(cfg scraper.PaginationConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	selector := cfg.NextSelector
	if selector == "" {
		selector = DefaultNextSelector
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Resolver{
		strategy: cfg.Strategy,
		selector: selector,
		maxPages: maxPages,
		logger:   logger,
	}
}

// Next returns the URL of the next page, or "" plus the termination reason.
// PagesVisited on the cursor must already include the page passed in.
func (r *Resolver) Next(cur *Cursor, page scraper.FetchResult) (string, Termination) {
	if cur.PagesVisited >= r.maxPages {
		return "", TerminationPageLimit
	}

	var next string
	switch r.strategy {
	case scraper.PaginationFetcherHint:
		next = page.NextURLHint
	case scraper.PaginationPageLimit:
		// Single-page strategy: nothing to follow.
	default:
		next = r.nextFromHTML(cur.CurrentURL, page)
	}

	if next == "" {
		return "", TerminationNoNext
	}
	if cur.seen(next) {
		r.logger.Info("pagination cycle detected",
			zap.String("url", next),
			zap.Int("pages_visited", cur.PagesVisited),
		)
		return "", TerminationCycle
	}
	return next, TerminationNone
}

// nextFromHTML finds the next anchor via the CSS selector and resolves its
// href against the page URL.
func (r *Resolver) nextFromHTML(currentURL string, page scraper.FetchResult) string {
	if page.HTML == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		r.logger.Warn("parse page html", zap.Error(err))
		return ""
	}
	href, ok := doc.Find(r.selector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}

	base := page.FinalURL
	if base == "" {
		base = currentURL
	}
	return resolveRef(base, strings.TrimSpace(href))
}

func resolveRef(base, href string) string {
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return bu.ResolveReference(hu).String()
}
