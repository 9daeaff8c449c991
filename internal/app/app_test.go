package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nguyentrungtung/universal-scraper-web/internal/config"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Database.Driver = "memory"
	cfg.Database.DSN = ""
	cfg.Storage.OutputDir = t.TempDir()
	cfg.Logging.Development = false
	return cfg
}

func TestNewWiresMemoryStack(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Repository() == nil || a.Logger() == nil {
		t.Fatal("core services missing")
	}

	// The wired HTTP handler serves a full submit/fetch round trip.
	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()

	job, err := a.Repository().Enqueue(context.Background(), scraper.JobConfig{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	resp, err := http.Get(srv.URL + "/v1/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
