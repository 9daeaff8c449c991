// Package memory provides an in-process AI provider for tests and local dry
// runs.
package memory

import (
	"context"
	"sync"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// ExtractFunc is the scripted behavior for one Extract call.
type ExtractFunc func(ctx context.Context, block string, spec scraper.ExtractSpec) ([]scraper.Record, string, error)

// Provider answers Extract calls with a scripted function and counts calls
// per block.
type Provider struct {
	mu    sync.Mutex
	calls map[string]int
	fn    ExtractFunc
}

// New builds a Provider. A nil fn answers every call with zero records.
func New(fn ExtractFunc) *Provider {
	if fn == nil {
		fn = func(context.Context, string, scraper.ExtractSpec) ([]scraper.Record, string, error) {
			return nil, "[]", nil
		}
	}
	return &Provider{calls: make(map[string]int), fn: fn}
}

// Extract runs the scripted function.
func (p *Provider) Extract(ctx context.Context, block string, spec scraper.ExtractSpec) ([]scraper.Record, string, error) {
	p.mu.Lock()
	p.calls[block]++
	p.mu.Unlock()
	return p.fn(ctx, block, spec)
}

// Calls reports how many times the given block was submitted.
func (p *Provider) Calls(block string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[block]
}
