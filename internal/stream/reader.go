package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// ReadRecords loads the records written so far, whether or not the container
// was finalized. Missing files yield no records, which is what a fresh job
// resume expects.
func ReadRecords(path string) ([]scraper.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read records file %s: %w", path, err)
	}

	content := strings.TrimSpace(string(raw))
	if content == "" || content == "[" {
		return nil, nil
	}
	// Unfinalized container: strip the dangling separator and close it.
	if !strings.HasSuffix(content, "]") {
		content = strings.TrimSuffix(content, ",")
		content += "\n]"
	}

	var records []scraper.Record
	if err := json.Unmarshal([]byte(content), &records); err != nil {
		return nil, fmt.Errorf("decode records file %s: %w", path, err)
	}
	return records, nil
}

// SeedDedup rebuilds the dedup key set from already-written output so a
// resumed job never re-emits committed records.
func SeedDedup(path string, dedupFields []string) (map[string]struct{}, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[scraper.DedupKey(r, dedupFields)] = struct{}{}
	}
	return seen, nil
}
