package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tx is one atomic write against the store. Row writes execute immediately
// inside the transaction; events are buffered and chained onto the event log
// at Commit so a rollback never advances the hash chain.
type Tx struct {
	store  *Store
	tx     *sql.Tx
	events []*Event
	done   bool
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// LogEvent queues an event for the commit. Chain hashes are assigned then.
func (t *Tx) LogEvent(e *Event) {
	t.events = append(t.events, e)
}

// Commit flushes queued events with their chain hashes, then commits.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	if len(t.events) == 0 {
		if err := t.tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}

	// The chain lock is held across the insert and the commit so that
	// concurrent transactions see a consistent lastHash.
	t.store.hashMu.Lock()
	defer t.store.hashMu.Unlock()

	prev := t.store.lastHash
	for _, e := range t.events {
		e.PrevHash = prev
		e.EventHash = ComputeEventHash(e)
		if err := insertEvent(ctx, t.tx, t.store.isPostgres, e); err != nil {
			t.tx.Rollback()
			return err
		}
		prev = e.EventHash
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.store.lastHash = prev
	return nil
}

// Rollback discards the transaction and its queued events.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.events = nil
	return t.tx.Rollback()
}

func insertEvent(ctx context.Context, tx *sql.Tx, isPostgres bool, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	q := `
		INSERT INTO events (event_id, ts, event_type, profile_id, session_id, payload_json, prev_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, rebind(isPostgres, q),
		e.EventID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.EventType,
		e.ProfileID,
		e.SessionID,
		string(payload),
		e.PrevHash,
		e.EventHash,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CreateToolRun inserts a tool run, assigning an id and timestamp when unset.
func (t *Tx) CreateToolRun(ctx context.Context, run *ToolRun) error {
	if run.ToolRunID == "" {
		run.ToolRunID = "run_" + uuid.New().String()[:8]
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}

	inputJSON, err := marshalMap(run.Input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	outputJSON, err := marshalMap(run.Output)
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}
	errorJSON, err := marshalMap(run.Error)
	if err != nil {
		return fmt.Errorf("marshal run error: %w", err)
	}

	q := `
		INSERT INTO tool_runs (tool_run_id, request_id, profile_id, session_id, tool_name, status, input_json, output_json, error_json, latency_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = t.tx.ExecContext(ctx, rebind(t.store.isPostgres, q),
		run.ToolRunID,
		run.RequestID,
		run.ProfileID,
		run.SessionID,
		run.ToolName,
		run.Status,
		inputJSON,
		outputJSON,
		errorJSON,
		run.LatencyMS,
		run.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert tool run: %w", err)
	}
	return nil
}

// FinalizeToolRun sets the terminal status, output or error, and latency of
// a run.
func (t *Tx) FinalizeToolRun(ctx context.Context, toolRunID, status string, output, errDetail map[string]any, latencyMS int64) error {
	outputJSON, err := marshalMap(output)
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}
	errorJSON, err := marshalMap(errDetail)
	if err != nil {
		return fmt.Errorf("marshal run error: %w", err)
	}

	q := `
		UPDATE tool_runs
		SET status = ?, output_json = ?, error_json = ?, latency_ms = ?
		WHERE tool_run_id = ?
	`
	res, err := t.tx.ExecContext(ctx, rebind(t.store.isPostgres, q),
		status, outputJSON, errorJSON, latencyMS, toolRunID)
	if err != nil {
		return fmt.Errorf("finalize tool run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize tool run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tool run %s: %w", toolRunID, ErrNotFound)
	}
	return nil
}

// CreateApproval inserts a pending approval, assigning an id and timestamp
// when unset.
func (t *Tx) CreateApproval(ctx context.Context, ap *Approval) error {
	if ap.ApprovalID == "" {
		ap.ApprovalID = "apr_" + uuid.New().String()[:8]
	}
	if ap.Status == "" {
		ap.Status = ApprovalPending
	}
	if ap.RequestedAt.IsZero() {
		ap.RequestedAt = time.Now().UTC()
	}

	contextJSON, err := marshalMap(ap.Context)
	if err != nil {
		return fmt.Errorf("marshal approval context: %w", err)
	}

	q := `
		INSERT INTO approvals (approval_id, tool_run_id, profile_id, status, ts_requested, ts_resolved, approval_context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = t.tx.ExecContext(ctx, rebind(t.store.isPostgres, q),
		ap.ApprovalID,
		ap.ToolRunID,
		ap.ProfileID,
		ap.Status,
		ap.RequestedAt.Format(time.RFC3339Nano),
		formatTimeOrNull(ap.ResolvedAt),
		contextJSON,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ResolveApproval transitions an approval from pending to the given status.
// The conditional update makes concurrent resolutions single-flight: exactly
// one caller wins, the rest get ErrNotPending.
func (t *Tx) ResolveApproval(ctx context.Context, approvalID, status string) error {
	q := `
		UPDATE approvals
		SET status = ?, ts_resolved = ?
		WHERE approval_id = ? AND status = 'pending'
	`
	res, err := t.tx.ExecContext(ctx, rebind(t.store.isPostgres, q),
		status, time.Now().UTC().Format(time.RFC3339Nano), approvalID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
