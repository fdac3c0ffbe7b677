// Package gateway is the single choke point for running tools safely. Every
// call is looked up in the registry, validated against the tool's input
// schema, evaluated by policy, executed with a timeout, optionally validated
// against the output schema, and recorded in the audit store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"toolgate/internal/audit"
	"toolgate/internal/policy"
	"toolgate/internal/registry"
)

// Gateway mediates all tool execution.
type Gateway struct {
	registry         *registry.Registry
	policy           *policy.Engine
	store            *audit.Store
	defaultTimeoutMS int64
	toolVersion      string
}

// Options tunes gateway defaults. Zero values fall back to 10000ms and
// "v0.1".
type Options struct {
	DefaultTimeoutMS int64
	ToolVersion      string
}

// RunOptions adjusts a single call.
type RunOptions struct {
	// TimeoutMS overrides the gateway default when positive.
	TimeoutMS int64
	// SkipOutputValidation disables output-schema checking for this call.
	SkipOutputValidation bool
}

// Request describes one tool invocation.
type Request struct {
	ToolName string
	Input    map[string]any
	Call     registry.CallContext
	RunOptions
}

// New creates a gateway over the given registry, policy engine, and store.
func New(reg *registry.Registry, pol *policy.Engine, store *audit.Store, opts Options) *Gateway {
	if opts.DefaultTimeoutMS <= 0 {
		opts.DefaultTimeoutMS = 10000
	}
	if opts.ToolVersion == "" {
		opts.ToolVersion = "v0.1"
	}
	return &Gateway{
		registry:         reg,
		policy:           pol,
		store:            store,
		defaultTimeoutMS: opts.DefaultTimeoutMS,
		toolVersion:      opts.ToolVersion,
	}
}

// RunTool executes a tool call end to end. The returned error is non-nil
// only when the initial audit write fails; every later failure is reported
// inside the envelope so the caller always has a request id to correlate.
func (g *Gateway) RunTool(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.New().String()
	start := time.Now()
	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = g.defaultTimeoutMS
	}

	profileID := orUnknown(req.Call.ProfileID)
	sessionID := orUnknown(req.Call.SessionID)

	// The call and its run row are durable before anything else happens, so
	// validation and policy failures still leave an audit trail.
	run := &audit.ToolRun{
		RequestID: requestID,
		ProfileID: profileID,
		SessionID: sessionID,
		ToolName:  req.ToolName,
		Status:    audit.RunStarted,
		Input:     req.Input,
	}
	err := g.store.WithTx(ctx, func(tx *audit.Tx) error {
		tx.LogEvent(audit.NewEvent(audit.EventToolCalled, profileID, sessionID,
			map[string]any{"tool_name": req.ToolName, "request_id": requestID}))
		return tx.CreateToolRun(ctx, run)
	})
	if err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}

	failPayload := map[string]any{"tool_name": req.ToolName, "request_id": requestID}

	tool, err := g.registry.Get(req.ToolName)
	if err != nil {
		res := g.errResult(req.ToolName, requestID, CodeNotFound,
			fmt.Sprintf("Unknown tool '%s'", req.ToolName),
			map[string]any{"error": err.Error()}, msSince(start), StatusError)
		g.finalize(ctx, run.ToolRunID, res, audit.EventToolFailed, profileID, sessionID, failPayload)
		return res, nil
	}

	if res := g.validateInput(req.ToolName, requestID, req.Input, start, ""); res != nil {
		g.finalize(ctx, run.ToolRunID, res, audit.EventToolFailed, profileID, sessionID, failPayload)
		return res, nil
	}

	decision := g.policy.Evaluate(tool.Spec, req.Input, req.Call)

	if decision.IsDenied() {
		res := g.errResult(req.ToolName, requestID, CodePolicyViolation,
			reasonOr(decision.Reason, "Policy denied tool execution"),
			decision.Details, msSince(start), StatusError)
		g.finalize(ctx, run.ToolRunID, res, audit.EventPolicyViolation, profileID, sessionID,
			map[string]any{"tool_name": req.ToolName, "request_id": requestID, "details": decision.Details})
		return res, nil
	}

	if decision.NeedsApproval() {
		return g.parkForApproval(ctx, run, tool.Spec, decision, requestID, timeoutMS, start, profileID, sessionID)
	}

	return g.execute(ctx, tool, decision.SanitizedInput, req.Call, executeParams{
		toolRunID:  run.ToolRunID,
		requestID:  requestID,
		timeoutMS:  timeoutMS,
		start:      start,
		skipOutput: req.SkipOutputValidation,
		profileID:  profileID,
		sessionID:  sessionID,
		payload:    map[string]any{"tool_name": req.ToolName, "request_id": requestID},
		suffix:     "",
	}), nil
}

// parkForApproval records a pending approval and returns the
// approval_required envelope. Approval row, run finalization, and event
// commit atomically.
func (g *Gateway) parkForApproval(ctx context.Context, run *audit.ToolRun, spec registry.ToolSpec, decision policy.Decision, requestID string, timeoutMS int64, start time.Time, profileID, sessionID string) (*Result, error) {
	approvalPayload := map[string]any{
		"tool_name":      spec.Name,
		"mode":           string(spec.Mode),
		"reason":         reasonOr(decision.Reason, "Approval required"),
		"proposed_input": decision.SanitizedInput,
	}

	ap := &audit.Approval{
		ToolRunID: run.ToolRunID,
		ProfileID: profileID,
		Context:   approvalPayload,
	}

	var res *Result
	err := g.store.WithTx(ctx, func(tx *audit.Tx) error {
		if err := tx.CreateApproval(ctx, ap); err != nil {
			return err
		}
		res = &Result{
			Status:      StatusApprovalRequired,
			ToolName:    spec.Name,
			ToolVersion: g.toolVersion,
			RequestID:   requestID,
			Data:        map[string]any{"approval_request": approvalPayload, "approval_id": ap.ApprovalID},
			Meta:        Meta{LatencyMS: msSince(start), TimeoutMS: timeoutMS, Source: Source},
		}
		if err := tx.FinalizeToolRun(ctx, run.ToolRunID, audit.RunApprovalRequired, res.Data, nil, res.Meta.LatencyMS); err != nil {
			return err
		}
		tx.LogEvent(audit.NewEvent(audit.EventApprovalRequested, profileID, sessionID,
			map[string]any{"tool_name": spec.Name, "request_id": requestID, "approval_id": ap.ApprovalID}))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record approval request: %w", err)
	}

	slog.Info("approval requested", "tool", spec.Name, "approval_id", ap.ApprovalID, "request_id", requestID)
	return res, nil
}

// RunApproved resumes a previously parked call. The pending-to-approved
// transition commits before the handler runs, so of any number of
// concurrent resumptions exactly one executes; the rest see a
// POLICY_VIOLATION envelope.
func (g *Gateway) RunApproved(ctx context.Context, approvalID string, call registry.CallContext, opts RunOptions) (*Result, error) {
	requestID := uuid.New().String()
	start := time.Now()
	timeoutMS := opts.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = g.defaultTimeoutMS
	}

	profileID := orUnknown(call.ProfileID)
	sessionID := orUnknown(call.SessionID)

	ap, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return g.errResult("approval.resolve", requestID, CodeNotFound,
				"Approval not found", map[string]any{"approval_id": approvalID},
				msSince(start), StatusError), nil
		}
		return nil, fmt.Errorf("load approval: %w", err)
	}

	if ap.Status != audit.ApprovalPending {
		return g.errResult("approval.resolve", requestID, CodePolicyViolation,
			"Approval is not pending",
			map[string]any{"approval_id": approvalID, "status": ap.Status},
			msSince(start), StatusError), nil
	}

	run, err := g.store.GetToolRun(ctx, ap.ToolRunID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return g.errResult("approval.resolve", requestID, CodeNotFound,
				"Tool run for approval not found",
				map[string]any{"approval_id": approvalID, "tool_run_id": ap.ToolRunID},
				msSince(start), StatusError), nil
		}
		return nil, fmt.Errorf("load tool run: %w", err)
	}

	toolName, _ := ap.Context["tool_name"].(string)
	if toolName == "" {
		return g.errResult("approval.resolve", requestID, CodeInternalError,
			"Malformed approval context (missing tool_name)",
			map[string]any{"approval_id": approvalID},
			msSince(start), StatusError), nil
	}
	proposed, _ := ap.Context["proposed_input"].(map[string]any)
	if proposed == nil {
		proposed = map[string]any{}
	}

	// Claim the approval. The conditional update linearizes racing callers:
	// the loser's transaction changes no rows and ErrNotPending surfaces
	// here as a policy violation.
	err = g.store.WithTx(ctx, func(tx *audit.Tx) error {
		if err := tx.ResolveApproval(ctx, approvalID, audit.ApprovalApproved); err != nil {
			return err
		}
		tx.LogEvent(audit.NewEvent(audit.EventApprovalGranted, profileID, sessionID,
			map[string]any{"approval_id": approvalID, "tool_name": toolName}))
		return nil
	})
	if err != nil {
		if errors.Is(err, audit.ErrNotPending) {
			return g.errResult("approval.resolve", requestID, CodePolicyViolation,
				"Approval is not pending",
				map[string]any{"approval_id": approvalID},
				msSince(start), StatusError), nil
		}
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	failPayload := map[string]any{"tool_name": toolName, "approval_id": approvalID}

	tool, err := g.registry.Get(toolName)
	if err != nil {
		res := g.errResult(toolName, requestID, CodeNotFound,
			fmt.Sprintf("Unknown tool '%s'", toolName),
			map[string]any{"error": err.Error()}, msSince(start), StatusError)
		g.finalize(ctx, run.ToolRunID, res, audit.EventToolFailed, profileID, sessionID, failPayload)
		return res, nil
	}

	if res := g.validateInput(toolName, requestID, proposed, start, " (approved run)"); res != nil {
		g.finalize(ctx, run.ToolRunID, res, audit.EventToolFailed, profileID, sessionID, failPayload)
		return res, nil
	}

	// Re-run policy so allowlists and caps still bind; only the
	// require_approval effect is spent by the grant.
	decision := g.policy.Evaluate(tool.Spec, proposed, call)
	if decision.IsDenied() {
		res := g.errResult(toolName, requestID, CodePolicyViolation,
			reasonOr(decision.Reason, "Policy denied approved execution"),
			decision.Details, msSince(start), StatusError)
		g.finalize(ctx, run.ToolRunID, res, audit.EventPolicyViolation, profileID, sessionID,
			map[string]any{"tool_name": toolName, "approval_id": approvalID, "details": decision.Details})
		return res, nil
	}

	return g.execute(ctx, tool, decision.SanitizedInput, call, executeParams{
		toolRunID:  run.ToolRunID,
		requestID:  requestID,
		timeoutMS:  timeoutMS,
		start:      start,
		skipOutput: opts.SkipOutputValidation,
		profileID:  profileID,
		sessionID:  sessionID,
		payload:    failPayload,
		suffix:     " (approved run)",
	}), nil
}

// DenyApproval resolves a pending approval as denied. A missing or already
// resolved approval is a no-op, not an error.
func (g *Gateway) DenyApproval(ctx context.Context, approvalID string, call registry.CallContext) error {
	profileID := orUnknown(call.ProfileID)
	sessionID := orUnknown(call.SessionID)

	err := g.store.WithTx(ctx, func(tx *audit.Tx) error {
		if err := tx.ResolveApproval(ctx, approvalID, audit.ApprovalDenied); err != nil {
			return err
		}
		tx.LogEvent(audit.NewEvent(audit.EventApprovalDenied, profileID, sessionID,
			map[string]any{"approval_id": approvalID}))
		return nil
	})
	if errors.Is(err, audit.ErrNotPending) {
		return nil
	}
	return err
}

type executeParams struct {
	toolRunID  string
	requestID  string
	timeoutMS  int64
	start      time.Time
	skipOutput bool
	profileID  string
	sessionID  string
	payload    map[string]any
	suffix     string
}

// execute runs the handler, applies the timeout verdict, validates output,
// and finalizes the run.
func (g *Gateway) execute(ctx context.Context, tool registry.Tool, input map[string]any, call registry.CallContext, p executeParams) *Result {
	toolName := tool.Spec.Name

	cctx, cancel := context.WithTimeout(ctx, time.Duration(p.timeoutMS)*time.Millisecond)
	out, err := tool.Fn(cctx, input, call)
	ctxErr := cctx.Err()
	cancel()
	if err != nil {
		// A handler that honored the deadline was cancelled, not broken:
		// that is a timeout verdict, same as a slow success below.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
			elapsed := msSince(p.start)
			res := g.errResult(toolName, p.requestID, CodeTimeout,
				fmt.Sprintf("Tool exceeded timeout (%dms)", p.timeoutMS),
				map[string]any{"elapsed_ms": elapsed}, elapsed, StatusTimeout)
			g.finalize(ctx, p.toolRunID, res, audit.EventToolFailed, p.profileID, p.sessionID, p.payload)
			return res
		}
		var te *ToolError
		var res *Result
		if errors.As(err, &te) {
			res = g.errResult(toolName, p.requestID, te.Code, te.Message, te.Details, msSince(p.start), StatusError)
		} else {
			res = g.errResult(toolName, p.requestID, CodeInternalError,
				"Tool execution failed"+p.suffix,
				map[string]any{"error": err.Error()}, msSince(p.start), StatusError)
		}
		g.finalize(ctx, p.toolRunID, res, audit.EventToolFailed, p.profileID, p.sessionID, p.payload)
		return res
	}

	// The timeout is a verdict on elapsed time, not a kill switch: a slow
	// success is demoted to a timeout even though the handler completed.
	elapsed := msSince(p.start)
	if elapsed > p.timeoutMS {
		res := g.errResult(toolName, p.requestID, CodeTimeout,
			fmt.Sprintf("Tool exceeded timeout (%dms)", p.timeoutMS),
			map[string]any{"elapsed_ms": elapsed}, elapsed, StatusTimeout)
		g.finalize(ctx, p.toolRunID, res, audit.EventToolFailed, p.profileID, p.sessionID, p.payload)
		return res
	}

	if !p.skipOutput {
		if sch, _, schErr := g.registry.OutputSchema(toolName); schErr == nil && sch != nil {
			if verr := sch.Validate(normalize(out)); verr != nil {
				res := g.errResult(toolName, p.requestID, CodeValidationError,
					"Output validation failed"+p.suffix,
					validationDetails(verr), elapsed, StatusError)
				g.finalize(ctx, p.toolRunID, res, audit.EventToolFailed, p.profileID, p.sessionID, p.payload)
				return res
			}
		} else if schErr != nil {
			res := g.errResult(toolName, p.requestID, CodeInternalError,
				"Failed to load/validate output schema",
				map[string]any{"error": schErr.Error()}, elapsed, StatusError)
			g.finalize(ctx, p.toolRunID, res, audit.EventToolFailed, p.profileID, p.sessionID, p.payload)
			return res
		}
	}

	res := &Result{
		Status:      StatusOK,
		ToolName:    toolName,
		ToolVersion: g.toolVersion,
		RequestID:   p.requestID,
		Data:        out,
		Meta:        Meta{LatencyMS: elapsed, TimeoutMS: p.timeoutMS, Source: Source},
	}
	g.finalize(ctx, p.toolRunID, res, audit.EventToolSucceeded, p.profileID, p.sessionID, p.payload)
	return res
}

// validateInput checks input against the tool's input schema, returning an
// error envelope or nil.
func (g *Gateway) validateInput(toolName, requestID string, input map[string]any, start time.Time, suffix string) *Result {
	sch, raw, err := g.registry.InputSchema(toolName)
	if err != nil {
		return g.errResult(toolName, requestID, CodeInternalError,
			"Failed to load/validate input schema",
			map[string]any{"error": err.Error()}, msSince(start), StatusError)
	}
	if verr := sch.Validate(normalize(input)); verr != nil {
		details := validationDetails(verr)
		details["schema_id"] = raw["$id"]
		return g.errResult(toolName, requestID, CodeValidationError,
			"Input validation failed"+suffix, details, msSince(start), StatusError)
	}
	return nil
}

// finalize records the terminal state of a run in one transaction. Failures
// here are logged, not surfaced: the caller already holds the envelope.
func (g *Gateway) finalize(ctx context.Context, toolRunID string, res *Result, eventType, profileID, sessionID string, payload map[string]any) {
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	if res.Error != nil {
		p["error"] = errorMap(res.Error)
	}

	err := g.store.WithTx(ctx, func(tx *audit.Tx) error {
		if err := tx.FinalizeToolRun(ctx, toolRunID, res.Status, res.Data, errorMap(res.Error), res.Meta.LatencyMS); err != nil {
			return err
		}
		tx.LogEvent(audit.NewEvent(eventType, profileID, sessionID, p))
		return nil
	})
	if err != nil {
		slog.Error("finalize tool run failed", "tool_run_id", toolRunID, "status", res.Status, "error", err)
	}
}

func (g *Gateway) errResult(toolName, requestID, code, message string, details map[string]any, latencyMS int64, status string) *Result {
	if details == nil {
		details = map[string]any{}
	}
	return &Result{
		Status:      status,
		ToolName:    toolName,
		ToolVersion: g.toolVersion,
		RequestID:   requestID,
		Data:        map[string]any{},
		Error:       &ErrorDetail{Code: code, Message: message, Details: details},
		Meta:        Meta{LatencyMS: latencyMS, Source: Source},
	}
}

// validationDetails extracts the leaf-most cause of a schema violation.
func validationDetails(err error) map[string]any {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return map[string]any{"error": err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return map[string]any{"error": ve.Message, "path": ve.InstanceLocation}
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
