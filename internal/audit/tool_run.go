package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Tool run statuses.
const (
	RunStarted          = "started"
	RunOK               = "ok"
	RunError            = "error"
	RunTimeout          = "timeout"
	RunApprovalRequired = "approval_required"
)

// ToolRun is the durable record of one tool invocation.
type ToolRun struct {
	ToolRunID string         `json:"tool_run_id"`
	RequestID string         `json:"request_id"`
	ProfileID string         `json:"profile_id"`
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Status    string         `json:"status"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
	Timestamp time.Time      `json:"ts"`
}

const toolRunColumns = `tool_run_id, request_id, profile_id, session_id, tool_name, status, input_json, output_json, error_json, latency_ms, ts`

// GetToolRun fetches a run by id.
func (s *Store) GetToolRun(ctx context.Context, toolRunID string) (*ToolRun, error) {
	q := `SELECT ` + toolRunColumns + ` FROM tool_runs WHERE tool_run_id = ?`
	return s.queryToolRun(ctx, q, toolRunID)
}

// GetToolRunByRequestID fetches a run by its caller-supplied request id.
func (s *Store) GetToolRunByRequestID(ctx context.Context, requestID string) (*ToolRun, error) {
	q := `SELECT ` + toolRunColumns + ` FROM tool_runs WHERE request_id = ?`
	return s.queryToolRun(ctx, q, requestID)
}

func (s *Store) queryToolRun(ctx context.Context, q string, arg interface{}) (*ToolRun, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, q), arg)
	run, err := scanToolRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tool run %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListToolRuns returns runs for a tool name, newest first. An empty name
// lists all runs.
func (s *Store) ListToolRuns(ctx context.Context, toolName string, limit int) ([]*ToolRun, error) {
	q := `SELECT ` + toolRunColumns + ` FROM tool_runs WHERE 1=1`
	var args []interface{}
	if toolName != "" {
		q += " AND tool_name = ?"
		args = append(args, toolName)
	}
	q += " ORDER BY ts DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, q), args...)
	if err != nil {
		return nil, fmt.Errorf("query tool runs: %w", err)
	}
	defer rows.Close()

	var runs []*ToolRun
	for rows.Next() {
		run, err := scanToolRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanToolRun(row rowScanner) (*ToolRun, error) {
	var run ToolRun
	var inputJSON, outputJSON, errorJSON, ts string

	err := row.Scan(&run.ToolRunID, &run.RequestID, &run.ProfileID, &run.SessionID,
		&run.ToolName, &run.Status, &inputJSON, &outputJSON, &errorJSON, &run.LatencyMS, &ts)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse run timestamp: %w", err)
	}
	run.Timestamp = t

	if err := json.Unmarshal([]byte(inputJSON), &run.Input); err != nil {
		return nil, fmt.Errorf("parse run input: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &run.Output); err != nil {
		return nil, fmt.Errorf("parse run output: %w", err)
	}
	if err := json.Unmarshal([]byte(errorJSON), &run.Error); err != nil {
		return nil, fmt.Errorf("parse run error: %w", err)
	}
	return &run, nil
}
