package mcp

import (
	"encoding/json"
	"sort"
	"strings"
)

// idKeys is the priority order for remote request ids.
var idKeys = []string{
	"request_id", "requestId",
	"session_id", "sessionId",
	"id",
	"job_id", "jobId",
}

// statusKeys is the priority order for job status fields.
var statusKeys = []string{"status", "state"}

// DefaultCompletedStatuses are the remote statuses treated as success.
func DefaultCompletedStatuses() []string {
	return []string{"completed", "done", "success", "finished", "ready"}
}

// DefaultFailedStatuses are the remote statuses treated as failure.
func DefaultFailedStatuses() []string {
	return []string{"failed", "error", "cancelled", "timeout"}
}

// StatusSets holds the lowercased status vocabulary used to classify remote
// job states.
type StatusSets struct {
	completed map[string]bool
	failed    map[string]bool
}

// NewStatusSets builds a vocabulary; empty slices fall back to the defaults.
func NewStatusSets(completed, failed []string) StatusSets {
	if len(completed) == 0 {
		completed = DefaultCompletedStatuses()
	}
	if len(failed) == 0 {
		failed = DefaultFailedStatuses()
	}
	return StatusSets{
		completed: toSet(completed),
		failed:    toSet(failed),
	}
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = true
	}
	return m
}

// IsCompleted reports whether status means the remote job succeeded.
func (s StatusSets) IsCompleted(status string) bool {
	return s.completed[strings.ToLower(status)]
}

// IsFailed reports whether status means the remote job failed.
func (s StatusSets) IsFailed(status string) bool {
	return s.failed[strings.ToLower(status)]
}

// ExtractRemoteID pulls the remote request id out of a tool result. Keys
// are tried in priority order at the top level, then inside any JSON
// objects embedded as text in a "content" array.
func ExtractRemoteID(result map[string]any) string {
	if result == nil {
		return ""
	}
	if id := firstString(result, idKeys); id != "" {
		return id
	}
	for _, embedded := range contentObjects(result) {
		if id := firstString(embedded, idKeys); id != "" {
			return id
		}
	}
	return ""
}

// ParseStatus pulls the remote job status out of a tool result, lowercased.
// Like ExtractRemoteID it falls back to JSON embedded in content text.
func ParseStatus(result map[string]any) string {
	if result == nil {
		return ""
	}
	if s := firstString(result, statusKeys); s != "" {
		return strings.ToLower(s)
	}
	for _, embedded := range contentObjects(result) {
		if s := firstString(embedded, statusKeys); s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case json.Number:
				return s.String()
			case float64:
				// Numeric ids survive as their decimal text.
				b, _ := json.Marshal(s)
				return string(b)
			}
		}
	}
	return ""
}

// contentObjects collects JSON objects parsed from content[*].text entries,
// the standard MCP tool-result shape.
func contentObjects(result map[string]any) []map[string]any {
	content, ok := result["content"].([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range content {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, ok := obj["text"].(string)
		if !ok || text == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}

// ExtractURLs walks a tool result recursively (maps, slices, and JSON
// embedded in strings) and collects every http(s) URL in encounter order,
// deduplicated.
func ExtractURLs(v any) []string {
	var urls []string
	seen := make(map[string]bool)
	walkURLs(v, func(u string) {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	})
	return urls
}

func walkURLs(v any, emit func(string)) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "http://") || strings.HasPrefix(val, "https://") {
			emit(val)
			return
		}
		// Strings may themselves be JSON payloads (content text).
		trimmed := strings.TrimSpace(val)
		if len(trimmed) > 1 && (trimmed[0] == '{' || trimmed[0] == '[') {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				walkURLs(parsed, emit)
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			walkURLs(val[k], emit)
		}
	case []any:
		for _, item := range val {
			walkURLs(item, emit)
		}
	}
}

// sortedKeys keeps URL extraction deterministic across map iterations.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
