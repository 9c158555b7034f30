package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports a reasoning response that did not contain the expected
// JSON object. Callers fall through to their heuristic path on it.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("parsing reasoning response %q: %v", raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON decodes the first JSON object in content into out. Markdown
// code fences around the object are tolerated.
func ExtractJSON(content string, out any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return &ParseError{Raw: content, Err: fmt.Errorf("no JSON object found")}
	}

	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return &ParseError{Raw: content, Err: err}
	}
	return nil
}
