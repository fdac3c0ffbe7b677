package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Approval is a pending or resolved human decision gating one tool run.
type Approval struct {
	ApprovalID  string         `json:"approval_id"`
	ToolRunID   string         `json:"tool_run_id"`
	ProfileID   string         `json:"profile_id"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"ts_requested"`
	ResolvedAt  time.Time      `json:"ts_resolved,omitempty"`
	Context     map[string]any `json:"approval_context,omitempty"`
}

const approvalColumns = `approval_id, tool_run_id, profile_id, status, ts_requested, ts_resolved, approval_context_json`

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals WHERE approval_id = ?`
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, q), approvalID)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ap, nil
}

// ListApprovals returns approvals filtered by status, oldest-requested
// first. An empty status lists all.
func (s *Store) ListApprovals(ctx context.Context, status string, limit int) ([]*Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	var args []interface{}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY ts_requested ASC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, q), args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*Approval, error) {
	var ap Approval
	var requested, contextJSON string
	var resolved *string

	err := row.Scan(&ap.ApprovalID, &ap.ToolRunID, &ap.ProfileID, &ap.Status,
		&requested, &resolved, &contextJSON)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, requested)
	if err != nil {
		return nil, fmt.Errorf("parse approval timestamp: %w", err)
	}
	ap.RequestedAt = t

	if resolved != nil && *resolved != "" {
		rt, err := time.Parse(time.RFC3339Nano, *resolved)
		if err != nil {
			return nil, fmt.Errorf("parse approval resolution timestamp: %w", err)
		}
		ap.ResolvedAt = rt
	}

	if err := json.Unmarshal([]byte(contextJSON), &ap.Context); err != nil {
		return nil, fmt.Errorf("parse approval context: %w", err)
	}
	return &ap, nil
}
