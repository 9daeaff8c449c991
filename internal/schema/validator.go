// Package schema validates extracted records against job-supplied JSON
// schemas.
package schema

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Validator compiles job schemas on first use and caches them. Jobs reuse the
// same schema across every block and page, so the cache is hit constantly.
type Validator struct {
	mu     sync.Mutex
	cache  map[[32]byte]*jsonschema.Schema
	logger *zap.Logger
}

// NewValidator returns an empty Validator.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		cache:  make(map[[32]byte]*jsonschema.Schema),
		logger: logger,
	}
}

func (v *Validator) compile(raw []byte) (*jsonschema.Schema, error) {
	key := sha256.Sum256(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job-schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("job-schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = s
	return s, nil
}

// Filter returns the records that conform to the schema. Nonconforming
// records are dropped and logged; only an uncompilable schema is an error.
func (v *Validator) Filter(raw []byte, records []scraper.Record) ([]scraper.Record, error) {
	s, err := v.compile(raw)
	if err != nil {
		return nil, err
	}

	valid := records[:0:0]
	for i, r := range records {
		if verr := s.Validate(map[string]any(r)); verr != nil {
			v.logger.Warn("record rejected by schema",
				zap.Int("index", i),
				zap.Error(verr),
			)
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}
