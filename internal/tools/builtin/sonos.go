package builtin

import (
	"context"
	"time"

	"toolgate/internal/registry"
)

// Play queues a playlist in a room. Stub until the Sonos client lands;
// rooms are allowlisted by policy before the handler runs.
func Play(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
	room, _ := input["room"].(string)
	playlist, _ := input["playlist"].(string)

	return map[string]any{
		"status":   "queued",
		"room":     room,
		"playlist": playlist,
		"meta":     sonosMeta(),
	}, nil
}

// SetVolume sets a room's volume. The value has already been capped by
// policy when it exceeded the configured maximum.
func SetVolume(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
	room, _ := input["room"].(string)
	volume, _ := asInt(input["volume"])

	return map[string]any{
		"status": "set",
		"room":   room,
		"volume": volume,
		"meta":   sonosMeta(),
	}, nil
}

func sonosMeta() map[string]any {
	return map[string]any{
		"source":     "sonos",
		"applied_at": time.Now().UTC().Format(time.RFC3339),
	}
}
