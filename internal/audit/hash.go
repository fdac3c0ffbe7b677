package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashAlgorithm identifies the hashing algorithm used for the event chain.
const HashAlgorithm = "sha256"

// GenesisHash is the prev_hash of the first event in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeEventHash computes the hash of an event over its canonical JSON
// form, excluding the EventHash field itself.
func ComputeEventHash(event *Event) string {
	hashInput := struct {
		EventID   string         `json:"event_id"`
		Timestamp string         `json:"ts"`
		EventType string         `json:"event_type"`
		ProfileID string         `json:"profile_id"`
		SessionID string         `json:"session_id"`
		Payload   map[string]any `json:"payload,omitempty"`
		PrevHash  string         `json:"prev_hash,omitempty"`
	}{
		EventID:   event.EventID,
		Timestamp: event.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"),
		EventType: event.EventType,
		ProfileID: event.ProfileID,
		SessionID: event.SessionID,
		Payload:   event.Payload,
		PrevHash:  event.PrevHash,
	}

	data, err := json.Marshal(hashInput)
	if err != nil {
		// Fallback to event ID if marshaling fails
		data = []byte(event.EventID)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyEventHash verifies that an event's stored hash matches its content.
func VerifyEventHash(event *Event) bool {
	if event.EventHash == "" {
		return true
	}
	return ComputeEventHash(event) == event.EventHash
}

// VerifyChain verifies the integrity of a chain of events in insertion
// order. Returns the index of the first broken link, or -1 if the chain is
// valid.
func VerifyChain(events []*Event) (int, error) {
	for i, event := range events {
		if !VerifyEventHash(event) {
			return i, fmt.Errorf("event %s has invalid hash", event.EventID)
		}

		if i == 0 {
			if event.PrevHash != "" && event.PrevHash != GenesisHash {
				return i, fmt.Errorf("first event %s has invalid prev_hash (expected genesis)", event.EventID)
			}
			continue
		}

		expected := events[i-1].EventHash
		if expected == "" {
			expected = ComputeEventHash(events[i-1])
		}
		if event.PrevHash != expected {
			return i, fmt.Errorf("event %s has broken chain link: prev_hash=%s, expected=%s",
				event.EventID, short(event.PrevHash), short(expected))
		}
	}
	return -1, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// ChainStatus summarizes an integrity check of the event chain.
type ChainStatus struct {
	Valid        bool   `json:"valid"`
	TotalEvents  int    `json:"total_events"`
	BrokenAt     int    `json:"broken_at,omitempty"`
	Error        string `json:"error,omitempty"`
	FirstEventID string `json:"first_event_id,omitempty"`
	LastEventID  string `json:"last_event_id,omitempty"`
	LastHash     string `json:"last_hash,omitempty"`
}

// VerifyChainStatus loads every event and runs a full chain verification.
func (s *Store) VerifyChainStatus(ctx context.Context) (ChainStatus, error) {
	events, err := s.ListEvents(ctx, ListEventsOpts{})
	if err != nil {
		return ChainStatus{}, fmt.Errorf("load events: %w", err)
	}

	status := ChainStatus{TotalEvents: len(events), BrokenAt: -1}
	if len(events) == 0 {
		status.Valid = true
		return status, nil
	}

	status.FirstEventID = events[0].EventID
	status.LastEventID = events[len(events)-1].EventID
	status.LastHash = events[len(events)-1].EventHash

	brokenAt, err := VerifyChain(events)
	if err != nil {
		status.Valid = false
		status.BrokenAt = brokenAt
		status.Error = err.Error()
	} else {
		status.Valid = true
	}
	return status, nil
}
