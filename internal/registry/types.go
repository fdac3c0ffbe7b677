// Package registry discovers tool manifests and resolves them to executable
// tools with pre-compiled input/output schemas.
package registry

import "context"

// Mode is the risk tier of a tool.
type Mode string

const (
	// ModeReadOnly tools have no side effects and are always safe to run.
	ModeReadOnly Mode = "read_only"

	// ModeDraft tools produce reversible artifacts (e.g. a draft PR).
	ModeDraft Mode = "draft"

	// ModeExecuteGated tools have real side effects and are gated behind
	// human approval.
	ModeExecuteGated Mode = "execute_gated"
)

// Valid reports whether m is one of the known mode literals.
func (m Mode) Valid() bool {
	switch m {
	case ModeReadOnly, ModeDraft, ModeExecuteGated:
		return true
	}
	return false
}

// CallContext identifies the actor on whose behalf a tool runs.
type CallContext struct {
	ProfileID string
	SessionID string
	Channel   string
}

// HandlerFunc is the standard signature for tool handlers. The input map has
// already been validated against the tool's input schema and sanitized by
// policy before a handler sees it.
type HandlerFunc func(ctx context.Context, input map[string]any, call CallContext) (map[string]any, error)

// ToolSpec is the static metadata for a discovered tool.
type ToolSpec struct {
	// Name is the dotted tool identifier, e.g. "calendar.google.get_agenda".
	// Unique within a registry.
	Name string

	// Mode is the tool's risk tier.
	Mode Mode

	// Handler is the registration key the manifest names; it is resolved
	// against the handler table at discovery time.
	Handler string

	// Description is free text from the manifest.
	Description string

	// HasOutputSchema reports whether the manifest declared an output schema.
	HasOutputSchema bool
}

// Tool is a resolved ToolSpec paired with its live handler.
type Tool struct {
	Spec ToolSpec
	Fn   HandlerFunc
}
