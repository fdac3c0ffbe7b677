// Package main implements the toolgate CLI. It runs tools through the
// gateway, resolves pending approvals, and inspects the audit trail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"toolgate/internal/audit"
	"toolgate/internal/gateway"
	"toolgate/internal/logging"
	"toolgate/internal/policy"
	"toolgate/internal/registry"
	"toolgate/internal/tools/builtin"
)

func main() {
	// Initialize logging first (strips --log-level from args)
	args := logging.Init(os.Args[1:])

	dbDSN := os.Getenv("DATABASE_URL")
	toolsRoot := envOr("TOOLGATE_TOOLS_ROOT", "tools")
	policyPath := os.Getenv("TOOLGATE_POLICY")
	profileID := envOr("TOOLGATE_PROFILE", "dev_user")
	sessionID := envOr("TOOLGATE_SESSION", "dev_session")

	fs := flag.NewFlagSet("toolgate", flag.ExitOnError)
	fs.StringVar(&dbDSN, "db", dbDSN, "Database DSN: SQLite path or postgres:// URL (or set DATABASE_URL)")
	fs.StringVar(&toolsRoot, "tools", toolsRoot, "Root directory scanned for tool manifests")
	fs.StringVar(&policyPath, "policy", policyPath, "Policy YAML file (or set TOOLGATE_POLICY)")
	fs.StringVar(&profileID, "profile", profileID, "Acting profile id")
	fs.StringVar(&sessionID, "session", sessionID, "Session id")
	outputJSON := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: toolgate [options] <command> [arguments]

Commands:
  run <tool> --input '{...}'        Run a tool through the gateway
  approve <approval_id>             Approve and execute a parked call
  deny <approval_id>                Deny a pending approval
  approvals [--status=pending]      List approval requests
  runs [--tool=name]                List tool runs
  tools                             List discovered tools
  verify                            Verify the audit event chain

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Environment Variables:
  DATABASE_URL          Database DSN (SQLite path or postgres:// URL)
  TOOLGATE_TOOLS_ROOT   Tool manifest root (default: tools)
  TOOLGATE_POLICY       Policy YAML file
  TOOLGATE_PROFILE      Acting profile id (default: dev_user)
  TOOLGATE_SESSION      Session id (default: dev_session)
  TOOLGATE_LOG_LEVEL    debug|info|warn|error (default: info)

Examples:
  toolgate run calendar.google.get_agenda --input '{"date":"2026-08-24"}'
  toolgate run sonos.set_volume --input '{"room":"Kitchen","volume":80}'
  toolgate approvals --status=pending
  toolgate approve apr_1a2b3c4d
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	app, err := newApp(dbDSN, toolsRoot, policyPath, profileID, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.store.Close()

	ctx := context.Background()
	command := remaining[0]
	cmdArgs := remaining[1:]

	switch command {
	case "run":
		err = app.cmdRun(ctx, cmdArgs)
	case "approve":
		err = app.cmdApprove(ctx, cmdArgs)
	case "deny":
		err = app.cmdDeny(ctx, cmdArgs)
	case "approvals":
		err = app.cmdApprovals(ctx, cmdArgs, *outputJSON)
	case "runs":
		err = app.cmdRuns(ctx, cmdArgs, *outputJSON)
	case "tools":
		err = app.cmdTools(*outputJSON)
	case "verify":
		err = app.cmdVerify(ctx, *outputJSON)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	store *audit.Store
	gw    *gateway.Gateway
	reg   *registry.Registry
	call  registry.CallContext
}

func newApp(dbDSN, toolsRoot, policyPath, profileID, sessionID string) (*app, error) {
	store, err := audit.NewStore(audit.StoreConfig{DSN: dbDSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(toolsRoot, builtin.Handlers())
	if err := reg.Discover(); err != nil {
		store.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	var cfg *policy.Config
	if policyPath != "" {
		cfg, err = policy.LoadFile(policyPath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load policy: %w", err)
		}
	}

	call := registry.CallContext{ProfileID: profileID, SessionID: sessionID, Channel: "cli"}

	ctx := context.Background()
	if err := store.EnsureProfile(ctx, profileID, profileID, "admin", "America/Chicago"); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	if err := store.EnsureSession(ctx, sessionID, profileID, call.Channel); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	gw := gateway.New(reg, policy.NewEngine(cfg), store, gateway.Options{})
	return &app{store: store, gw: gw, reg: reg, call: call}, nil
}

func (a *app) cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "{}", "Tool input as a JSON object")
	timeoutMS := fs.Int64("timeout-ms", 0, "Per-call timeout in milliseconds (0 = gateway default)")
	skipOutput := fs.Bool("no-validate-output", false, "Skip output schema validation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("tool name required")
	}
	toolName := fs.Args()[0]

	var inputJSON map[string]any
	if err := json.Unmarshal([]byte(*input), &inputJSON); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	res, err := a.gw.RunTool(ctx, gateway.Request{
		ToolName: toolName,
		Input:    inputJSON,
		Call:     a.call,
		RunOptions: gateway.RunOptions{
			TimeoutMS:            *timeoutMS,
			SkipOutputValidation: *skipOutput,
		},
	})
	if err != nil {
		return err
	}
	return printResult(res)
}

func (a *app) cmdApprove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	timeoutMS := fs.Int64("timeout-ms", 0, "Per-call timeout in milliseconds (0 = gateway default)")
	skipOutput := fs.Bool("no-validate-output", false, "Skip output schema validation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("approval ID required")
	}

	res, err := a.gw.RunApproved(ctx, fs.Args()[0], a.call, gateway.RunOptions{
		TimeoutMS:            *timeoutMS,
		SkipOutputValidation: *skipOutput,
	})
	if err != nil {
		return err
	}
	return printResult(res)
}

func (a *app) cmdDeny(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("approval ID required")
	}
	approvalID := args[0]

	if err := a.gw.DenyApproval(ctx, approvalID, a.call); err != nil {
		return fmt.Errorf("deny: %w", err)
	}
	fmt.Printf("Denied: %s\n", approvalID)
	return nil
}

func (a *app) cmdApprovals(ctx context.Context, args []string, outputJSON bool) error {
	fs := flag.NewFlagSet("approvals", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending, approved, denied)")
	limit := fs.Int("limit", 20, "Maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	approvals, err := a.store.ListApprovals(ctx, *status, *limit)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(approvals)
	}

	if len(approvals) == 0 {
		fmt.Println("No approvals found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTOOL\tREASON\tREQUESTED\tRESOLVED")
	for _, ap := range approvals {
		toolName, _ := ap.Context["tool_name"].(string)
		reason, _ := ap.Context["reason"].(string)
		resolved := ""
		if !ap.ResolvedAt.IsZero() {
			resolved = ap.ResolvedAt.Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ap.ApprovalID,
			statusIcon(ap.Status)+" "+ap.Status,
			truncate(toolName, 24),
			truncate(reason, 40),
			ap.RequestedAt.Format("15:04:05"),
			resolved,
		)
	}
	return w.Flush()
}

func (a *app) cmdRuns(ctx context.Context, args []string, outputJSON bool) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	toolName := fs.String("tool", "", "Filter by tool name")
	limit := fs.Int("limit", 20, "Maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runs, err := a.store.ListToolRuns(ctx, *toolName, *limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No tool runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTOOL\tSTATUS\tLATENCY\tWHEN")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n",
			r.ToolRunID,
			truncate(r.ToolName, 28),
			r.Status,
			r.LatencyMS,
			r.Timestamp.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func (a *app) cmdTools(outputJSON bool) error {
	specs := a.reg.List()

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}

	if len(specs) == 0 {
		fmt.Println("No tools discovered.")
		return nil
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tOUTPUT SCHEMA\tDESCRIPTION")
	for _, name := range names {
		s := specs[name]
		out := "-"
		if s.HasOutputSchema {
			out = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Mode, out, truncate(s.Description, 60))
	}
	return w.Flush()
}

func (a *app) cmdVerify(ctx context.Context, outputJSON bool) error {
	status, err := a.store.VerifyChainStatus(ctx)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else if status.Valid {
		fmt.Printf("Chain OK: %d events\n", status.TotalEvents)
		if status.LastHash != "" {
			fmt.Printf("  Last hash: %s\n", truncate(status.LastHash, 19))
		}
	} else {
		fmt.Printf("Chain BROKEN at event %d: %s\n", status.BrokenAt, status.Error)
	}

	if !status.Valid {
		os.Exit(1)
	}
	return nil
}

// printResult writes the envelope to stdout and maps terminal failures to
// exit code 1. approval_required exits 0: parking a call is not an error.
func printResult(res *gateway.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status == gateway.StatusError || res.Status == gateway.StatusTimeout {
		os.Exit(1)
	}
	return nil
}

// Helper functions

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "[?]"
	case "approved":
		return "[+]"
	case "denied":
		return "[-]"
	default:
		return "[.]"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
