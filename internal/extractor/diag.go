package extractor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// FileSink appends one JSON line per extraction attempt. Model responses are
// non-deterministic, so the full exchange is kept for post-hoc audit.
type FileSink struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileSink creates the sink file's directory and returns the sink.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &FileSink{path: path, logger: logger}, nil
}

// Record appends the attempt. Sink failures are logged, never propagated: a
// broken audit trail must not fail extraction.
func (s *FileSink) Record(attempt scraper.AttemptRecord) {
	line, err := json.Marshal(attempt)
	if err != nil {
		s.logger.Error("marshal attempt record", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.logger.Error("open diagnostic log", zap.String("path", s.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Error("append diagnostic log", zap.String("path", s.path), zap.Error(err))
	}
}

// MemorySink stores attempts for inspection in tests.
type MemorySink struct {
	mu       sync.RWMutex
	attempts []scraper.AttemptRecord
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record stores the attempt.
func (s *MemorySink) Record(attempt scraper.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
}

// Attempts returns a copy of the recorded attempts.
func (s *MemorySink) Attempts() []scraper.AttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scraper.AttemptRecord, len(s.attempts))
	copy(out, s.attempts)
	return out
}
