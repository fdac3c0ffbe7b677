// Package policy reduces a tool call to an allow/deny/require_approval
// decision with a sanitized copy of the input. It is the single choke point
// for safety decisions; evaluation is deterministic and does no I/O.
package policy

// Effect is the outcome of a policy evaluation.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Config is the frozen policy configuration consumed by the engine.
type Config struct {
	// Timezone is an IANA zone string, e.g. "America/Chicago".
	Timezone string

	Execution ExecutionPolicy

	// GitHub and Sonos are nil when their sections are omitted from the
	// config file; the per-tool rules deny in that case.
	GitHub *GitHubPolicy
	Sonos  *SonosPolicy
}

// ExecutionPolicy holds the mode-level execution defaults.
type ExecutionPolicy struct {
	DefaultMode          string
	ApprovalsRequiredFor []string
}

// GitHubPolicy constrains github.pr.* tools.
type GitHubPolicy struct {
	AllowedRepos    []string
	DraftOnly       bool
	AllowMerge      bool
	AllowPushToMain bool
}

// SonosPolicy constrains sonos.* tools.
type SonosPolicy struct {
	AllowedRooms      []string
	MaxVolume         int
	QuietHoursEnabled bool
}

// Decision is the result of evaluating one tool call.
type Decision struct {
	// Effect is allow, deny, or require_approval.
	Effect Effect

	// SanitizedInput is always set. It is a shallow copy of the input with
	// policy-driven clamping applied (volume capped, draft forced); when the
	// effect is deny it is diagnostic only.
	SanitizedInput map[string]any

	// Reason is a human-readable explanation; set whenever the effect is not
	// allow, and on allow when the input was modified.
	Reason string

	// Details is machine-readable context for audit and error envelopes.
	Details map[string]any
}

// IsAllowed reports whether the decision permits immediate execution.
func (d *Decision) IsAllowed() bool { return d.Effect == EffectAllow }

// IsDenied reports whether the decision blocks execution outright.
func (d *Decision) IsDenied() bool { return d.Effect == EffectDeny }

// NeedsApproval reports whether execution is gated on a human approval.
func (d *Decision) NeedsApproval() bool { return d.Effect == EffectRequireApproval }
