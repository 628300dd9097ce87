package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner abstracts the version-control commands the CLI drives. The default
// implementation shells out to the git executable; tests substitute a fake.
type Runner interface {
	RepoPath() string
	CurrentBranch(ctx context.Context) (string, error)
	Head(ctx context.Context) (string, error)
	PullFFOnly(ctx context.Context, branch string) error
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, name string) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, branch string) error
	MergeNoFF(ctx context.Context, branch, message string) (string, error)
	DeleteBranch(ctx context.Context, name string) error
	HasChanges(ctx context.Context) (bool, error)
}

type gitCLI struct {
	path string
}

// OpenCLI locates the repository root enclosing repoPath and returns a Runner
// that shells out to git.
func OpenCLI(ctx context.Context, repoPath string) (Runner, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	tmp := &gitCLI{path: abs}
	root, err := tmp.run(ctx, "git rev-parse", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("open repository: git rev-parse returned empty root")
	}
	return &gitCLI{path: root}, nil
}

func (g *gitCLI) RepoPath() string {
	return g.path
}

func (g *gitCLI) run(ctx context.Context, what string, args ...string) (string, error) {
	if g.path == "" {
		return "", errors.New("repository root not set")
	}
	cmdArgs := append([]string{"-C", g.path}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%s: %v: %s", what, err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return stdout.String(), nil
}

func (g *gitCLI) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "git branch", "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitCLI) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "git rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitCLI) PullFFOnly(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, "git checkout", "checkout", branch); err != nil {
		return err
	}
	_, err := g.run(ctx, "git pull", "pull", "--ff-only")
	return err
}

func (g *gitCLI) CreateBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "git checkout -b", "checkout", "-b", name)
	return err
}

func (g *gitCLI) Checkout(ctx context.Context, name string) error {
	_, err := g.run(ctx, "git checkout", "checkout", name)
	return err
}

func (g *gitCLI) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, "git add", args...)
	return err
}

func (g *gitCLI) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "git commit", "commit", "-m", message); err != nil {
		return "", err
	}
	return g.Head(ctx)
}

func (g *gitCLI) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "git push", "push", "-u", "origin", branch)
	return err
}

func (g *gitCLI) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	if _, err := g.run(ctx, "git merge", "merge", "--no-ff", "-m", message, branch); err != nil {
		return "", err
	}
	return g.Head(ctx)
}

func (g *gitCLI) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "git branch -d", "branch", "-d", name)
	return err
}

func (g *gitCLI) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "git status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
