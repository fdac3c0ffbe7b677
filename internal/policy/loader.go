package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// rawConfig mirrors the policy file shape. Omitted tool sections yield nil
// policies, which the engine turns into deny decisions for those tools.
type rawConfig struct {
	Timezone  string       `yaml:"timezone"`
	Execution rawExecution `yaml:"execution"`
	Tools     rawTools     `yaml:"tools"`
}

type rawExecution struct {
	DefaultMode          string   `yaml:"default_mode"`
	ApprovalsRequiredFor []string `yaml:"approvals_required_for"`
}

type rawTools struct {
	GitHubPR *rawGitHubPR `yaml:"github.pr"`
	Sonos    *rawSonos    `yaml:"sonos"`
}

type rawGitHubPR struct {
	AllowedRepos []string   `yaml:"allowed_repos"`
	PRRules      rawPRRules `yaml:"pr_rules"`
}

type rawPRRules struct {
	DraftOnly       *bool `yaml:"draft_only"`
	AllowMerge      bool  `yaml:"allow_merge"`
	AllowPushToMain bool  `yaml:"allow_push_to_main"`
}

type rawSonos struct {
	AllowedRooms []string      `yaml:"allowed_rooms"`
	MaxVolume    *int          `yaml:"max_volume"`
	QuietHours   rawQuietHours `yaml:"quiet_hours"`
}

type rawQuietHours struct {
	Enabled bool `yaml:"enabled"`
}

// LoadFile loads a policy configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(data)
}

// Load parses policy configuration from YAML data. Environment variables in
// the document are expanded before parsing.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}

	cfg := &Config{
		Timezone: raw.Timezone,
		Execution: ExecutionPolicy{
			DefaultMode:          raw.Execution.DefaultMode,
			ApprovalsRequiredFor: raw.Execution.ApprovalsRequiredFor,
		},
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Chicago"
	}
	if cfg.Execution.DefaultMode == "" {
		cfg.Execution.DefaultMode = "read_only"
	}
	if cfg.Execution.ApprovalsRequiredFor == nil {
		cfg.Execution.ApprovalsRequiredFor = []string{"execute_gated"}
	}

	if gh := raw.Tools.GitHubPR; gh != nil {
		draftOnly := true
		if gh.PRRules.DraftOnly != nil {
			draftOnly = *gh.PRRules.DraftOnly
		}
		cfg.GitHub = &GitHubPolicy{
			AllowedRepos:    gh.AllowedRepos,
			DraftOnly:       draftOnly,
			AllowMerge:      gh.PRRules.AllowMerge,
			AllowPushToMain: gh.PRRules.AllowPushToMain,
		}
	}

	if s := raw.Tools.Sonos; s != nil {
		maxVolume := 40
		if s.MaxVolume != nil {
			maxVolume = *s.MaxVolume
		}
		cfg.Sonos = &SonosPolicy{
			AllowedRooms:      s.AllowedRooms,
			MaxVolume:         maxVolume,
			QuietHoursEnabled: s.QuietHours.Enabled,
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}

	return cfg, nil
}

// validate checks the policy configuration for errors.
func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.Sonos != nil && cfg.Sonos.MaxVolume < 0 {
		return fmt.Errorf("sonos max_volume must not be negative")
	}
	return nil
}

// DefaultConfig returns a minimal configuration with no tool sections; only
// read_only and plain execute_gated tools pass through it.
func DefaultConfig() *Config {
	return &Config{
		Timezone: "America/Chicago",
		Execution: ExecutionPolicy{
			DefaultMode:          "read_only",
			ApprovalsRequiredFor: []string{"execute_gated"},
		},
	}
}
