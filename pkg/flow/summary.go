package flow

import (
	"encoding/json"
	"fmt"
)

// MaxArgValueRunes bounds content-bearing argument fields kept in the flow
// document. Anything longer is replaced by a size marker plus a short preview
// so the persisted timeline never carries full file payloads.
const MaxArgValueRunes = 100

// SummarizeArgs produces the bounded projection of a tool call's arguments
// that is safe to persist and broadcast. Oversized string fields become
// {"size": n, "preview": "..."} records; maps and slices are walked
// recursively. The raw payload is never stored.
func SummarizeArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(summarizeValue(args))
	if err != nil {
		// Arguments came out of a JSON decode, so this should not happen;
		// fall back to an empty summary rather than poisoning the document.
		return json.RawMessage("{}")
	}
	return data
}

func summarizeValue(v any) any {
	switch val := v.(type) {
	case string:
		runes := []rune(val)
		if len(runes) <= MaxArgValueRunes {
			return val
		}
		return map[string]any{
			"size":    len(val),
			"preview": string(runes[:MaxArgValueRunes]),
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = summarizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = summarizeValue(inner)
		}
		return out
	case nil, bool, float64, int, int64, json.Number:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// TruncateError bounds error messages carried on a ToolState.
func TruncateError(msg string, max int) string {
	if max <= 0 {
		max = 500
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max]) + "…"
}
