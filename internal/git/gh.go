package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PRCreator opens pull requests on the shared remote. The default
// implementation shells out to the gh CLI.
type PRCreator interface {
	CreatePullRequest(ctx context.Context, title, body string) (string, error)
}

type ghCLI struct {
	dir string
}

// NewGHCLI returns a PRCreator that runs gh inside dir.
func NewGHCLI(dir string) PRCreator {
	return &ghCLI{dir: dir}
}

// CreatePullRequest runs `gh pr create --title <title> --body <body>` and
// returns the PR URL printed by gh.
func (g *ghCLI) CreatePullRequest(ctx context.Context, title, body string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("gh pr create: %v: %s", err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
