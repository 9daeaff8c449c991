// Package collyfetcher implements page fetching over plain HTTP using
// gocolly. It is the default fetcher for sites that render server-side.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/nguyentrungtung/universal-scraper-web/internal/fetcher/content"
	"github.com/nguyentrungtung/universal-scraper-web/internal/fetcher/ratelimit"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PerDomainRPS caps the request rate per target domain across all jobs.
	// Zero means unlimited.
	PerDomainRPS float64
}

// Fetcher implements scraper.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport(nil))

	return &Fetcher{
		cfg:           cfg,
		limiter:       ratelimit.New(ratelimit.Config{DefaultRPS: cfg.PerDomainRPS}),
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the page as both raw markup
// and extracted text.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, opts scraper.FetchOptions) (scraper.FetchResult, error) {
	if err := f.limiter.Wait(ctx, pageURL); err != nil {
		return scraper.FetchResult{}, err
	}

	var (
		result   scraper.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(opts, start, &result, &fetchErr)
	if err != nil {
		return scraper.FetchResult{}, err
	}

	if err := f.runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return scraper.FetchResult{}, err
	}

	result.URL = pageURL
	text, err := content.ToText(result.HTML)
	if err != nil {
		return scraper.FetchResult{}, fmt.Errorf("extract text: %w", err)
	}
	result.Content = text
	return result, nil
}

func (f *Fetcher) buildCollector(
	opts scraper.FetchOptions,
	start time.Time,
	result *scraper.FetchResult,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	if opts.Proxy != nil {
		proxyURL, err := proxyURLFor(*opts.Proxy)
		if err != nil {
			return nil, err
		}
		collector.WithTransport(newHTTPTransport(http.ProxyURL(proxyURL)))
	}

	f.configureCollectorHooks(collector, opts, start, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	opts scraper.FetchOptions,
	start time.Time,
	result *scraper.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(opts, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = scraper.FetchResult{
			FinalURL:   r.Request.URL.String(),
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(opts scraper.FetchOptions, r *colly.Request) {
	if opts.Headers == nil {
		return
	}
	for key, values := range opts.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func proxyURLFor(p scraper.ProxyConfig) (*url.URL, error) {
	u, err := url.Parse(p.Server)
	if err != nil {
		return nil, fmt.Errorf("parse proxy server %q: %w", p.Server, err)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
