package openai

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	trailingComma   = regexp.MustCompile(`,\s*\]`)
	trailingCommaOb = regexp.MustCompile(`,\s*\}`)
)

// parseJSONContent pulls a JSON value out of free-form model output. Models
// wrap JSON in markdown fences or prose despite being told not to, so plain
// unmarshal is only the second resort.
func parseJSONContent(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty model output")
	}

	// A fenced code block wins outright; a broken fence is not worth
	// second-guessing.
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		var v any
		if err := json.Unmarshal([]byte(m[1]), &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}

	candidate := outermostJSON(text)
	if candidate == "" {
		return nil, errors.New("no json structure in model output")
	}
	candidate = trailingComma.ReplaceAllString(candidate, "]")
	candidate = trailingCommaOb.ReplaceAllString(candidate, "}")
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// outermostJSON returns the widest [...] or {...} span, preferring whichever
// container encloses the other.
func outermostJSON(text string) string {
	startList := strings.Index(text, "[")
	endList := strings.LastIndex(text, "]")
	startObj := strings.Index(text, "{")
	endObj := strings.LastIndex(text, "}")

	hasList := startList != -1 && endList > startList
	hasObj := startObj != -1 && endObj > startObj

	switch {
	case hasList && hasObj:
		if startObj < startList {
			return text[startObj : endObj+1]
		}
		return text[startList : endList+1]
	case hasList:
		return text[startList : endList+1]
	case hasObj:
		return text[startObj : endObj+1]
	}
	return ""
}

// normalizeRecords coerces a parsed JSON value into a flat record list. A bare
// object is one record, unless it merely wraps the real list under some key.
func normalizeRecords(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		for _, value := range t {
			if list, ok := value.([]any); ok && len(list) > 0 {
				if _, ok := list[0].(map[string]any); ok {
					return normalizeRecords(list)
				}
			}
		}
		return []map[string]any{t}
	}
	return nil
}
