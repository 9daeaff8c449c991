// Package memory provides an in-process archiver for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archiver records archive calls without moving any bytes.
type Archiver struct {
	mu       sync.Mutex
	archived map[string][]string
}

// New returns an empty Archiver.
func New() *Archiver {
	return &Archiver{archived: make(map[string][]string)}
}

// Archive records the call and returns mem:// URIs.
func (a *Archiver) Archive(_ context.Context, jobID string, paths []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived[jobID] = append(a.archived[jobID], paths...)

	uris := make([]string, 0, len(paths))
	for _, p := range paths {
		uris = append(uris, fmt.Sprintf("mem://%s/%s", jobID, p))
	}
	return uris, nil
}

// Archived returns the paths recorded for jobID.
func (a *Archiver) Archived(jobID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.archived[jobID]))
	copy(out, a.archived[jobID])
	return out
}
