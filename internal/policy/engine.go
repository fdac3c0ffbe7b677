package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"strings"

	"toolgate/internal/registry"
)

// Engine evaluates tool calls against an immutable Config. Evaluate never
// mutates its input and yields equal decisions for equal arguments.
type Engine struct {
	config *Config
}

// NewEngine creates a policy engine. A nil config behaves like
// DefaultConfig.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{config: cfg}
}

// Evaluate reduces (spec, input, call) to a Decision. Dispatch is by mode
// first, then by tool-name prefix; the first matching rule wins.
func (e *Engine) Evaluate(spec registry.ToolSpec, input map[string]any, call registry.CallContext) Decision {
	d := e.evaluate(spec, input)
	logDecision(spec, call, d)
	return d
}

func (e *Engine) evaluate(spec registry.ToolSpec, input map[string]any) Decision {
	switch spec.Mode {
	case registry.ModeReadOnly:
		return allow(cloneInput(input), "")

	case registry.ModeDraft:
		if strings.HasPrefix(spec.Name, "github.pr.") {
			return e.evalGitHubPR(input)
		}
		return allow(cloneInput(input), "")

	case registry.ModeExecuteGated:
		if strings.HasPrefix(spec.Name, "sonos.") {
			return e.evalSonos(input)
		}
		return requireApproval(cloneInput(input), "execute_gated tool requires approval", nil)
	}

	return deny(cloneInput(input), fmt.Sprintf("Unknown tool mode '%s'", spec.Mode),
		map[string]any{"tool": spec.Name, "mode": string(spec.Mode)})
}

func (e *Engine) evalGitHubPR(input map[string]any) Decision {
	gh := e.config.GitHub
	if gh == nil {
		return deny(cloneInput(input), "GitHub policy not configured", nil)
	}

	repo, _ := input["repo"].(string)
	if !contains(gh.AllowedRepos, repo) {
		return deny(cloneInput(input), "Repo not allowlisted",
			map[string]any{"repo": repo, "allowed_repos": gh.AllowedRepos})
	}

	// Draft-only is enforced regardless of what the caller asked for.
	if gh.DraftOnly {
		if draft, ok := input["draft"].(bool); !ok || !draft {
			sanitized := cloneInput(input)
			sanitized["draft"] = true
			d := allow(sanitized, "Enforced draft-only PR creation")
			d.Details = map[string]any{"repo": repo}
			return d
		}
	}

	return allow(cloneInput(input), "")
}

func (e *Engine) evalSonos(input map[string]any) Decision {
	s := e.config.Sonos
	if s == nil {
		return deny(cloneInput(input), "Sonos policy not configured", nil)
	}

	sanitized := cloneInput(input)

	if room, present := sanitized["room"]; present && room != nil {
		name, _ := room.(string)
		if !contains(s.AllowedRooms, name) {
			return deny(sanitized, "Room not allowlisted",
				map[string]any{"room": room, "allowed_rooms": s.AllowedRooms})
		}
	}

	if vol, present := sanitized["volume"]; present && vol != nil {
		v, ok := coerceInt(vol)
		if !ok {
			return deny(sanitized, "Invalid volume type", map[string]any{"volume": vol})
		}
		if v > s.MaxVolume {
			sanitized["volume"] = s.MaxVolume
			return requireApproval(sanitized,
				"Requested volume exceeds cap; capped and requires approval",
				map[string]any{"requested": v, "capped_to": s.MaxVolume})
		}
	}

	return requireApproval(sanitized, "Sonos actions require approval", nil)
}

func allow(sanitized map[string]any, reason string) Decision {
	return Decision{Effect: EffectAllow, SanitizedInput: sanitized, Reason: reason, Details: map[string]any{}}
}

func deny(sanitized map[string]any, reason string, details map[string]any) Decision {
	if details == nil {
		details = map[string]any{}
	}
	return Decision{Effect: EffectDeny, SanitizedInput: sanitized, Reason: reason, Details: details}
}

func requireApproval(sanitized map[string]any, reason string, details map[string]any) Decision {
	if details == nil {
		details = map[string]any{}
	}
	return Decision{Effect: EffectRequireApproval, SanitizedInput: sanitized, Reason: reason, Details: details}
}

// cloneInput makes the shallow copy that sanitization mutates. The caller's
// map is never written to.
func cloneInput(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return maps.Clone(input)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// coerceInt accepts the integer encodings a JSON payload can carry: Go ints,
// whole-valued floats, json.Number, and numeric strings.
func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func logDecision(spec registry.ToolSpec, call registry.CallContext, d Decision) {
	attrs := []any{
		"tool", spec.Name,
		"mode", string(spec.Mode),
		"effect", string(d.Effect),
	}
	if call.ProfileID != "" {
		attrs = append(attrs, "profile", call.ProfileID)
	}
	if d.Reason != "" {
		attrs = append(attrs, "reason", d.Reason)
	}

	switch d.Effect {
	case EffectDeny:
		slog.Warn("policy decision: DENY", attrs...)
	case EffectRequireApproval:
		slog.Info("policy decision: REQUIRE_APPROVAL", attrs...)
	default:
		slog.Debug("policy decision: ALLOW", attrs...)
	}
}
