package builtin

import (
	"context"
	"fmt"
	"time"

	"toolgate/internal/registry"
)

// CreatePR drafts a pull request. Stub until the GitHub client lands; the
// draft flag in the input has already been forced on by policy when
// draft-only is configured.
func CreatePR(ctx context.Context, input map[string]any, call registry.CallContext) (map[string]any, error) {
	repo, _ := input["repo"].(string)
	title, _ := input["title"].(string)
	branch, _ := input["branch"].(string)
	draft, _ := input["draft"].(bool)

	return map[string]any{
		"pr": map[string]any{
			"repo":   repo,
			"title":  title,
			"branch": branch,
			"draft":  draft,
			"state":  "draft",
			"url":    fmt.Sprintf("https://github.com/%s/pulls", repo),
		},
		"meta": map[string]any{
			"source":     "github",
			"note":       "dry run, no API call made",
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
