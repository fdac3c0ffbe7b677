package builtin

import (
	"context"
	"time"

	"toolgate/internal/gateway"
	"toolgate/internal/registry"
)

// Echo repeats a message count times. It exists to exercise the full
// approval round trip without side effects.
func Echo(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
	message, ok := input["message"].(string)
	if !ok {
		return nil, gateway.NewToolError(gateway.CodeValidationError,
			"message must be a string", map[string]any{"message": input["message"]})
	}

	count := 1
	if c, present := input["count"]; present {
		n, ok := asInt(c)
		if !ok {
			return nil, gateway.NewToolError(gateway.CodeValidationError,
				"count must be an integer", map[string]any{"count": c})
		}
		count = n
	}

	echo := make([]any, 0, count)
	for i := 0; i < count; i++ {
		echo = append(echo, message)
	}

	return map[string]any{
		"echo": echo,
		"meta": map[string]any{
			"source":     "noop",
			"applied_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
