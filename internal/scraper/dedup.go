package scraper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DedupKey derives the deduplication key for a record. With fields
// configured, the key is built from those field values only; otherwise the
// whole record is compared via its canonical JSON form (json.Marshal emits
// map keys in sorted order).
func DedupKey(r Record, fields []string) string {
	if len(fields) == 0 {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f, r[f]))
	}
	return strings.Join(parts, "\x1f")
}
