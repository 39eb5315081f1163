package worker

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the structured analysis out of a model completion. The
// model is asked for JSON but sometimes wraps it in a markdown fence or
// surrounds it with prose; both forms are accepted. Returns nil when no
// valid JSON object is present.
func ExtractJSON(text string) []byte {
	trimmed := strings.TrimSpace(text)

	if data := validObject(trimmed); data != nil {
		return data
	}

	// ```json ... ``` fenced block.
	for _, fence := range []string{"```json", "```"} {
		i := strings.Index(trimmed, fence)
		if i < 0 {
			continue
		}
		rest := trimmed[i+len(fence):]
		j := strings.Index(rest, "```")
		if j < 0 {
			continue
		}
		if data := validObject(strings.TrimSpace(rest[:j])); data != nil {
			return data
		}
	}

	// Last resort: the outermost brace pair.
	if i, j := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); i >= 0 && j > i {
		return validObject(trimmed[i : j+1])
	}
	return nil
}

func validObject(s string) []byte {
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil
	}
	return []byte(s)
}
