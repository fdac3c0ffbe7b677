package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the gateway.
const (
	EventToolCalled        = "tool_called"
	EventToolSucceeded     = "tool_succeeded"
	EventToolFailed        = "tool_failed"
	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalDenied    = "approval_denied"
	EventPolicyViolation   = "policy_violation"
)

// Event is one append-only audit record. PrevHash and EventHash are assigned
// by the store when the enclosing transaction commits.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	EventType string         `json:"event_type"`
	ProfileID string         `json:"profile_id"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	EventHash string         `json:"event_hash,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType, profileID, sessionID string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		EventID:   "evt_" + uuid.New().String()[:8],
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		ProfileID: profileID,
		SessionID: sessionID,
		Payload:   payload,
	}
}

// ListEventsOpts filters ListEvents.
type ListEventsOpts struct {
	EventType string
	ProfileID string
	SessionID string
	Limit     int
}

// ListEvents returns events in insertion order, oldest first.
func (s *Store) ListEvents(ctx context.Context, opts ListEventsOpts) ([]*Event, error) {
	q := `
		SELECT event_id, ts, event_type, profile_id, session_id, payload_json, prev_hash, event_hash
		FROM events WHERE 1=1
	`
	var args []interface{}
	if opts.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.ProfileID != "" {
		q += " AND profile_id = ?"
		args = append(args, opts.ProfileID)
	}
	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	q += " ORDER BY id ASC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, q), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var ts, payloadJSON string
	var prevHash, eventHash *string

	if err := row.Scan(&e.EventID, &ts, &e.EventType, &e.ProfileID, &e.SessionID, &payloadJSON, &prevHash, &eventHash); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	e.Timestamp = t

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("parse event payload: %w", err)
	}
	if prevHash != nil {
		e.PrevHash = *prevHash
	}
	if eventHash != nil {
		e.EventHash = *eventHash
	}
	return &e, nil
}
