package builtin

import (
	"context"

	"toolgate/internal/registry"
)

// GetAgenda returns the agenda for a date. Stub until the Google Calendar
// client lands; the shape matches the output schema so downstream consumers
// can build against it.
func GetAgenda(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
	return map[string]any{
		"events": []any{},
		"warnings": []any{
			map[string]any{
				"type":      "other",
				"message":   "Stub: calendar tool not implemented yet",
				"event_ids": []any{},
			},
		},
		"meta": map[string]any{
			"source":     "google_calendar",
			"fetched_at": "1970-01-01T00:00:00Z",
		},
	}, nil
}
