package mpesa

import (
	"encoding/json"

	"mpesa-reconciler/internal/logging"
)

// redactBody renders a request body for logging with credential fields masked.
func redactBody(body any) any {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return redactJSON(raw)
}

// redactJSON decodes raw and masks credential fields at any depth. Non-JSON
// input is returned as a string.
func redactJSON(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return redactValue(v)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if logging.IsSensitive(k) {
				t[k] = logging.Redacted
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}
