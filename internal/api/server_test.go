package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nguyentrungtung/universal-scraper-web/internal/config"
	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	repomem "github.com/nguyentrungtung/universal-scraper-web/internal/repository/memory"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

func init() {
	metrics.Init()
}

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(time.Second)
	return c.at
}

type seqID struct {
	mu sync.Mutex
	n  int
}

func (g *seqID) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *repomem.Repository) {
	t.Helper()
	repo := repomem.New(&seqID{}, &stepClock{at: time.Unix(1700000000, 0).UTC()})
	return NewServer(repo, cfg, nil), repo
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()
	srv, repo := newTestServer(t, config.Config{})

	rec := postJSON(t, srv.Handler(), "/v1/jobs", scraper.JobConfig{
		URL: "https://example.com/catalog",
		AI: &scraper.AIConfig{
			Instruction: "extract products",
			Model:       "gpt-4o-mini",
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["job_id"] == "" || resp["status"] != string(scraper.JobStatusPending) {
		t.Fatalf("unexpected response: %v", resp)
	}

	job, err := repo.Get(context.Background(), resp["job_id"])
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Config.URL != "https://example.com/catalog" {
		t.Fatalf("config not persisted: %+v", job.Config)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	tests := []struct {
		name string
		cfg  scraper.JobConfig
		want string
	}{
		{"missing url", scraper.JobConfig{}, "url is required"},
		{"bad scheme", scraper.JobConfig{URL: "ftp://example.com"}, "http(s)"},
		{
			"ai without instruction",
			scraper.JobConfig{URL: "https://e.com", AI: &scraper.AIConfig{Model: "m"}},
			"ai.instruction",
		},
		{
			"bad schema",
			scraper.JobConfig{URL: "https://e.com", AI: &scraper.AIConfig{
				Instruction:    "x",
				ResponseSchema: json.RawMessage("{not json"),
			}},
			"response_schema",
		},
		{
			"unknown pagination strategy",
			scraper.JobConfig{URL: "https://e.com", Pagination: scraper.PaginationConfig{Strategy: "guess"}},
			"pagination strategy",
		},
		{
			"bad threshold",
			scraper.JobConfig{URL: "https://e.com", FailureRateThreshold: 1.5},
			"failure_rate_threshold",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := postJSON(t, srv.Handler(), "/v1/jobs", tt.cfg)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("body %q missing %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()
	srv, repo := newTestServer(t, config.Config{})
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	for i := 0; i < 3; i++ {
		if _, err := repo.Enqueue(ctx, scraper.JobConfig{URL: "https://e.com"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	leased, err := repo.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=running", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Jobs []scraper.JobRecord `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != leased.ID {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs?status=bogus", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status accepted: %d", rec.Code)
	}
}

func TestGetJobRecordsReadsStream(t *testing.T) {
	t.Parallel()
	srv, repo := newTestServer(t, config.Config{})
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	job, err := repo.Enqueue(ctx, scraper.JobConfig{URL: "https://e.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := repo.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v", err)
	}

	dir := t.TempDir()
	recordsPath := filepath.Join(dir, "records.json")
	if err := os.WriteFile(recordsPath, []byte("[\n  {\"name\":\"a\"},\n  {\"name\":\"b\"}\n]"), 0o600); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if err := repo.MarkCompleted(ctx, job.ID, scraper.ResultLocations{RecordsPath: recordsPath}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/records", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Records []scraper.Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 2 || resp.Records[0]["name"] != "a" {
		t.Fatalf("unexpected records: %+v", resp.Records)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "sekret"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}
