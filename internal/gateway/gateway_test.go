package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"toolgate/internal/audit"
	"toolgate/internal/policy"
	"toolgate/internal/registry"
)

const inputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string"},
    "count": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`

const volumeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["room", "volume"],
  "properties": {
    "room": {"type": "string"},
    "volume": {"type": "integer", "minimum": 0, "maximum": 100}
  },
  "additionalProperties": false
}`

const outputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["echo"],
  "properties": {"echo": {"type": "array", "items": {"type": "string"}}},
  "additionalProperties": false
}`

type fixture struct {
	gw    *Gateway
	store *audit.Store
	reg   *registry.Registry
	root  string
	call  registry.CallContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	writeTool(t, root, "echo", `{
  "package": "test",
  "tools": [
    {"name": "test.read", "mode": "read_only", "handler": "t.echo",
     "schemas": {"input": "schemas/input.json", "output": "schemas/output.json"}},
    {"name": "noop.echo", "mode": "execute_gated", "handler": "t.echo",
     "schemas": {"input": "schemas/input.json", "output": "schemas/output.json"}},
    {"name": "test.fail", "mode": "read_only", "handler": "t.fail",
     "schemas": {"input": "schemas/input.json"}},
    {"name": "test.slow", "mode": "read_only", "handler": "t.slow",
     "schemas": {"input": "schemas/input.json"}},
    {"name": "test.block", "mode": "read_only", "handler": "t.block",
     "schemas": {"input": "schemas/input.json"}},
    {"name": "test.badout", "mode": "read_only", "handler": "t.badout",
     "schemas": {"input": "schemas/input.json", "output": "schemas/output.json"}}
  ]
}`, map[string]string{
		"schemas/input.json":  inputSchema,
		"schemas/output.json": outputSchema,
	})
	writeTool(t, root, "sonos", `{
  "package": "sonos",
  "tools": [
    {"name": "sonos.set_volume", "mode": "execute_gated", "handler": "t.volume",
     "schemas": {"input": "schemas/volume.json"}}
  ]
}`, map[string]string{"schemas/volume.json": volumeSchema})

	handlers := map[string]registry.HandlerFunc{
		"t.echo": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			msg, _ := input["message"].(string)
			return map[string]any{"echo": []any{msg}}, nil
		},
		"t.fail": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			return nil, errors.New("backend unreachable")
		},
		"t.slow": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			time.Sleep(30 * time.Millisecond)
			return map[string]any{"done": true}, nil
		},
		"t.block": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"t.badout": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			return map[string]any{"unexpected": true}, nil
		},
		"t.volume": func(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
			return map[string]any{"volume": input["volume"]}, nil
		},
	}

	reg := registry.New(root, handlers)
	if err := reg.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	store, err := audit.NewStore(audit.StoreConfig{DSN: filepath.Join(t.TempDir(), "gw.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &policy.Config{
		Timezone:  "America/Chicago",
		Execution: policy.ExecutionPolicy{DefaultMode: "read_only", ApprovalsRequiredFor: []string{"execute_gated"}},
		Sonos:     &policy.SonosPolicy{AllowedRooms: []string{"Kitchen"}, MaxVolume: 40},
	}

	gw := New(reg, policy.NewEngine(cfg), store, Options{})
	return &fixture{
		gw:    gw,
		store: store,
		reg:   reg,
		root:  root,
		call:  registry.CallContext{ProfileID: "p1", SessionID: "s1", Channel: "test"},
	}
}

func writeTool(t *testing.T, root, dir, manifest string, schemas map[string]string) {
	t.Helper()
	toolDir := filepath.Join(root, dir)
	if err := os.MkdirAll(filepath.Join(toolDir, "schemas"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(toolDir, "manifest.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	for name, content := range schemas {
		if err := os.WriteFile(filepath.Join(toolDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), audit.ListEventsOpts{})
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func TestRunToolSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.RunTool(ctx, Request{
		ToolName: "test.read",
		Input:    map[string]any{"message": "hi"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}

	if res.Status != StatusOK {
		t.Fatalf("status = %s, error = %+v", res.Status, res.Error)
	}
	if res.ToolName != "test.read" || res.RequestID == "" {
		t.Errorf("envelope: %+v", res)
	}
	if res.Meta.Source != "gateway" || res.Meta.TimeoutMS != 10000 {
		t.Errorf("meta: %+v", res.Meta)
	}

	run, err := f.store.GetToolRunByRequestID(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != audit.RunOK {
		t.Errorf("run status = %s", run.Status)
	}

	types := f.eventTypes(t)
	want := []string{audit.EventToolCalled, audit.EventToolSucceeded}
	if len(types) != 2 || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestRunToolUnknownTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{ToolName: "nope", Call: f.call})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusError || res.Error.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND error, got %+v", res)
	}
	if res.Error.Message != "Unknown tool 'nope'" {
		t.Errorf("message = %q", res.Error.Message)
	}

	// Run is still recorded and finalized.
	run, err := f.store.GetToolRunByRequestID(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != audit.RunError {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestRunToolInvalidInput(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName: "test.read",
		Input:    map[string]any{"count": float64(3)},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusError || res.Error.Code != CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", res)
	}
	if res.Error.Message != "Input validation failed" {
		t.Errorf("message = %q", res.Error.Message)
	}

	types := f.eventTypes(t)
	if len(types) != 2 || types[1] != audit.EventToolFailed {
		t.Errorf("events = %v", types)
	}
}

func TestRunToolPolicyDeny(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName: "sonos.set_volume",
		Input:    map[string]any{"room": "Garage", "volume": float64(10)},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusError || res.Error.Code != CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %+v", res)
	}
	if res.Error.Message != "Room not allowlisted" {
		t.Errorf("message = %q", res.Error.Message)
	}

	types := f.eventTypes(t)
	if len(types) != 2 || types[1] != audit.EventPolicyViolation {
		t.Errorf("events = %v", types)
	}
}

func TestRunToolHandlerError(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName: "test.fail",
		Input:    map[string]any{"message": "x"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusError || res.Error.Code != CodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %+v", res)
	}
	if res.Error.Details["error"] != "backend unreachable" {
		t.Errorf("details = %v", res.Error.Details)
	}
}

func TestRunToolTimeout(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName:   "test.slow",
		Input:      map[string]any{"message": "x"},
		Call:       f.call,
		RunOptions: RunOptions{TimeoutMS: 1},
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusTimeout || res.Error.Code != CodeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}

	run, _ := f.store.GetToolRunByRequestID(context.Background(), res.RequestID)
	if run.Status != audit.RunTimeout {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestRunToolCancelledHandlerIsTimeout(t *testing.T) {
	f := newFixture(t)

	// The handler honors the deadline and returns ctx.Err(); that is a
	// timeout verdict, not an internal error.
	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName:   "test.block",
		Input:      map[string]any{"message": "x"},
		Call:       f.call,
		RunOptions: RunOptions{TimeoutMS: 20},
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s (%+v)", res.Status, res.Error)
	}
	if res.Error.Code != CodeTimeout {
		t.Errorf("code = %s", res.Error.Code)
	}
	if res.Error.Message != "Tool exceeded timeout (20ms)" {
		t.Errorf("message = %q", res.Error.Message)
	}

	run, _ := f.store.GetToolRunByRequestID(context.Background(), res.RequestID)
	if run.Status != audit.RunTimeout {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestRunToolOutputValidation(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunTool(context.Background(), Request{
		ToolName: "test.badout",
		Input:    map[string]any{"message": "x"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusError || res.Error.Code != CodeValidationError {
		t.Fatalf("expected output VALIDATION_ERROR, got %+v", res)
	}

	// Skipping output validation lets the same call through.
	res, err = f.gw.RunTool(context.Background(), Request{
		ToolName:   "test.badout",
		Input:      map[string]any{"message": "x"},
		Call:       f.call,
		RunOptions: RunOptions{SkipOutputValidation: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK {
		t.Fatalf("skip validation: status = %s (%+v)", res.Status, res.Error)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.RunTool(ctx, Request{
		ToolName: "sonos.set_volume",
		Input:    map[string]any{"room": "Kitchen", "volume": float64(80)},
		Call:     f.call,
	})
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	if res.Status != StatusApprovalRequired {
		t.Fatalf("status = %s (%+v)", res.Status, res.Error)
	}

	approvalID, _ := res.Data["approval_id"].(string)
	if approvalID == "" {
		t.Fatalf("no approval id in data: %v", res.Data)
	}
	req, _ := res.Data["approval_request"].(map[string]any)
	if req["tool_name"] != "sonos.set_volume" {
		t.Errorf("approval_request = %v", req)
	}
	proposed, _ := req["proposed_input"].(map[string]any)
	if proposed["volume"] != 40 {
		t.Errorf("proposed input not capped: %v", proposed)
	}

	ap, err := f.store.GetApproval(ctx, approvalID)
	if err != nil {
		t.Fatalf("approval not persisted: %v", err)
	}
	if ap.Status != audit.ApprovalPending {
		t.Errorf("approval status = %s", ap.Status)
	}

	run, _ := f.store.GetToolRunByRequestID(ctx, res.RequestID)
	if run.Status != audit.RunApprovalRequired {
		t.Errorf("run status = %s", run.Status)
	}

	// Approve and execute; the capped value flows to the handler.
	final, err := f.gw.RunApproved(ctx, approvalID, f.call, RunOptions{})
	if err != nil {
		t.Fatalf("RunApproved: %v", err)
	}
	if final.Status != StatusOK {
		t.Fatalf("approved run status = %s (%+v)", final.Status, final.Error)
	}
	if final.Data["volume"] != float64(40) {
		t.Errorf("handler did not receive capped volume: %v", final.Data)
	}

	ap, _ = f.store.GetApproval(ctx, approvalID)
	if ap.Status != audit.ApprovalApproved {
		t.Errorf("approval status after run = %s", ap.Status)
	}

	run, _ = f.store.GetToolRun(ctx, ap.ToolRunID)
	if run.Status != audit.RunOK {
		t.Errorf("run status after approved execution = %s", run.Status)
	}

	types := f.eventTypes(t)
	want := []string{audit.EventToolCalled, audit.EventApprovalRequested, audit.EventApprovalGranted, audit.EventToolSucceeded}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDenyApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.RunTool(ctx, Request{
		ToolName: "noop.echo",
		Input:    map[string]any{"message": "hi"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatal(err)
	}
	approvalID := res.Data["approval_id"].(string)

	if err := f.gw.DenyApproval(ctx, approvalID, f.call); err != nil {
		t.Fatalf("DenyApproval: %v", err)
	}

	ap, _ := f.store.GetApproval(ctx, approvalID)
	if ap.Status != audit.ApprovalDenied {
		t.Errorf("approval status = %s", ap.Status)
	}

	// Approving after denial is a policy violation.
	out, err := f.gw.RunApproved(ctx, approvalID, f.call, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError || out.Error.Code != CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %+v", out)
	}
	if out.Error.Message != "Approval is not pending" {
		t.Errorf("message = %q", out.Error.Message)
	}

	// Denying again is a no-op, and so is denying an unknown id.
	if err := f.gw.DenyApproval(ctx, approvalID, f.call); err != nil {
		t.Errorf("second deny: %v", err)
	}
	if err := f.gw.DenyApproval(ctx, "apr_nope", f.call); err != nil {
		t.Errorf("deny unknown: %v", err)
	}

	denied, err := f.store.ListEvents(ctx, audit.ListEventsOpts{EventType: audit.EventApprovalDenied})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 1 {
		t.Errorf("approval_denied events = %d, want 1 (no-ops must not emit)", len(denied))
	}
}

func TestApprovedRunRevalidatesAgainstCurrentSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.RunTool(ctx, Request{
		ToolName: "noop.echo",
		Input:    map[string]any{"message": "hi"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusApprovalRequired {
		t.Fatalf("status = %s", res.Status)
	}
	approvalID := res.Data["approval_id"].(string)

	// The schema tightens while the approval is parked; the stored input no
	// longer passes.
	stricter := `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {"message": {"type": "string", "minLength": 10}},
  "additionalProperties": false
}`
	if err := os.WriteFile(filepath.Join(f.root, "echo", "schemas", "input.json"), []byte(stricter), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Discover(); err != nil {
		t.Fatalf("rediscover: %v", err)
	}

	out, err := f.gw.RunApproved(ctx, approvalID, f.call, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError || out.Error.Code != CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", out)
	}
	if out.Error.Message != "Input validation failed (approved run)" {
		t.Errorf("message = %q", out.Error.Message)
	}
	if _, ok := out.Error.Details["schema_id"]; !ok {
		t.Errorf("details missing schema_id: %v", out.Error.Details)
	}

	// The grant is spent, not reverted, and the run ends as an error.
	ap, _ := f.store.GetApproval(ctx, approvalID)
	if ap.Status != audit.ApprovalApproved {
		t.Errorf("approval status = %s", ap.Status)
	}
	run, _ := f.store.GetToolRun(ctx, ap.ToolRunID)
	if run.Status != audit.RunError {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestRunApprovedUnknownApproval(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.RunApproved(context.Background(), "apr_nope", f.call, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError || res.Error.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", res)
	}
	if res.ToolName != "approval.resolve" {
		t.Errorf("tool_name = %q", res.ToolName)
	}
}

func TestRunApprovedSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.RunTool(ctx, Request{
		ToolName: "noop.echo",
		Input:    map[string]any{"message": "race"},
		Call:     f.call,
	})
	if err != nil {
		t.Fatal(err)
	}
	approvalID := res.Data["approval_id"].(string)

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.gw.RunApproved(ctx, approvalID, f.call, RunOptions{})
			if err != nil {
				t.Errorf("RunApproved %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, r := range results {
		if r == nil {
			continue
		}
		switch {
		case r.Status == StatusOK:
			ok++
		case r.Status == StatusError && r.Error.Code == CodePolicyViolation:
			rejected++
		default:
			t.Errorf("unexpected result: %+v", r)
		}
	}
	if ok != 1 {
		t.Errorf("winners = %d, want exactly 1", ok)
	}
	if ok+rejected != n {
		t.Errorf("ok=%d rejected=%d, want total %d", ok, rejected, n)
	}

	granted, err := f.store.ListEvents(ctx, audit.ListEventsOpts{EventType: audit.EventApprovalGranted})
	if err != nil {
		t.Fatal(err)
	}
	if len(granted) != 1 {
		t.Errorf("approval_granted events = %d, want 1", len(granted))
	}
}

func TestAuditChainStaysValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gw.RunTool(ctx, Request{ToolName: "test.read", Input: map[string]any{"message": "a"}, Call: f.call})
	f.gw.RunTool(ctx, Request{ToolName: "nope", Call: f.call})
	res, _ := f.gw.RunTool(ctx, Request{ToolName: "noop.echo", Input: map[string]any{"message": "b"}, Call: f.call})
	f.gw.DenyApproval(ctx, res.Data["approval_id"].(string), f.call)

	status, err := f.store.VerifyChainStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Valid {
		t.Fatalf("chain invalid after mixed traffic: %+v", status)
	}
	if status.TotalEvents == 0 {
		t.Error("no events recorded")
	}
}
