package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

func TestFetchReturnsTextAndHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><script>var x = 1;</script></head>` +
			`<body><h1>Deals</h1><p>Widget for $5</p><a href="/page/2">Next</a></body></html>`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent", Timeout: 2 * time.Second})
	got, err := f.Fetch(context.Background(), srv.URL, scraper.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", got.StatusCode)
	}
	if got.URL != srv.URL {
		t.Fatalf("url = %q", got.URL)
	}
	if !strings.Contains(got.HTML, "<h1>Deals</h1>") {
		t.Fatalf("html missing markup: %q", got.HTML)
	}
	if strings.Contains(got.Content, "var x") {
		t.Fatalf("script leaked into text: %q", got.Content)
	}
	if !strings.Contains(got.Content, "Widget for $5") {
		t.Fatalf("text missing body content: %q", got.Content)
	}
	if !strings.Contains(got.Content, "[Next](/page/2)") {
		t.Fatalf("link not preserved: %q", got.Content)
	}
}

func TestFetchSendsHeaders(t *testing.T) {
	t.Parallel()

	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Trace")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), srv.URL, scraper.FetchOptions{
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotTrace != "yes" {
		t.Fatalf("header not propagated, got %q", gotTrace)
	}
}

func TestFetchReportsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{})
	if _, err := f.Fetch(context.Background(), srv.URL, scraper.FetchOptions{}); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	f := New(Config{Timeout: 10 * time.Second})
	_, err := f.Fetch(ctx, srv.URL, scraper.FetchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	opts := scraper.FetchOptions{Headers: http.Header{"X-Trace": {"yes"}}}
	start := time.Unix(0, 0)
	var result scraper.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, opts, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("<html></html>"),
		Headers:    &http.Header{},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	if result.StatusCode != http.StatusCreated || result.FinalURL != "https://example.com/final" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestProxyURLForIncludesCredentials(t *testing.T) {
	t.Parallel()

	u, err := proxyURLFor(scraper.ProxyConfig{
		Server:   "http://proxy.example:8080",
		Username: "user",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("proxyURLFor: %v", err)
	}
	if u.User == nil || u.User.Username() != "user" {
		t.Fatalf("credentials missing: %v", u)
	}
	if pw, _ := u.User.Password(); pw != "secret" {
		t.Fatalf("password missing: %v", u)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
