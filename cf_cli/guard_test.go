package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/boku-engineer/changeflow/internal/git"
	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

func guardCommit(t *testing.T, wt *gitlib.Worktree, dir, name, msg string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(msg+"\n"), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s failed: %v", name, err)
	}
	hash, err := wt.Commit(msg, &gitlib.CommitOptions{Author: &object.Signature{
		Name: "dev", Email: "dev@example.com", When: time.Now(),
	}})
	if err != nil {
		t.Fatalf("commit %q failed: %v", msg, err)
	}
	return hash
}

// guardRepo builds a repository with a tests commit followed by an
// implementation commit on a feature branch, merged back into master.
func guardRepo(t *testing.T) (h *git.HistoryInspector, tests, impl plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gitlib.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}

	root := guardCommit(t, wt, dir, "README.md", "initial import")
	if err := wt.Checkout(&gitlib.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature-login-retry"),
		Create: true,
	}); err != nil {
		t.Fatalf("checkout feature failed: %v", err)
	}
	tests = guardCommit(t, wt, dir, "test_login.py", "add failing tests")
	impl = guardCommit(t, wt, dir, "login.py", "make tests pass")

	if err := wt.Checkout(&gitlib.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	}); err != nil {
		t.Fatalf("checkout master failed: %v", err)
	}
	if _, err := wt.Commit("merge feature-login-retry", &gitlib.CommitOptions{
		Author:            &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
		Parents:           []plumbing.Hash{root, impl},
		AllowEmptyCommits: true,
	}); err != nil {
		t.Fatalf("merge commit failed: %v", err)
	}

	h, err = git.OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	return h, tests, impl
}

func changeStatus(id string, stage models.Stage, tests, impl string) *workflow.ChangeStatus {
	return &workflow.ChangeStatus{
		Change: &models.Change{ID: id, Stage: stage},
		Commits: []*models.ChangeCommit{
			{CommitHash: impl, Kind: models.CommitKindImplementation},
			{CommitHash: tests, Kind: models.CommitKindTests},
		},
	}
}

func TestAuditCommitOrderingClean(t *testing.T) {
	h, tests, impl := guardRepo(t)
	statuses := []*workflow.ChangeStatus{
		changeStatus("chg-1", models.StageMerged, tests.String(), impl.String()),
	}
	if problems := auditCommitOrdering(h, "master", statuses); len(problems) != 0 {
		t.Fatalf("expected no problems, got %+v", problems)
	}
}

func TestAuditCommitOrderingFlagsReversedCommits(t *testing.T) {
	h, tests, impl := guardRepo(t)
	// Recorded with the hashes swapped: the implementation no longer descends
	// from the tests commit.
	statuses := []*workflow.ChangeStatus{
		changeStatus("chg-1", models.StagePushed, impl.String(), tests.String()),
	}
	problems := auditCommitOrdering(h, "master", statuses)
	if len(problems) != 1 || problems[0].ChangeID != "chg-1" {
		t.Fatalf("expected one problem for chg-1, got %+v", problems)
	}
	if !strings.Contains(problems[0].Detail, "does not descend") {
		t.Fatalf("unexpected detail: %s", problems[0].Detail)
	}
}

func TestAuditCommitOrderingFlagsUnmergedImplementation(t *testing.T) {
	// A feature branch whose implementation never reached master: the
	// change claims merged, master still points at the root commit.
	dir := t.TempDir()
	repo, err := gitlib.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}
	guardCommit(t, wt, dir, "README.md", "initial import")
	if err := wt.Checkout(&gitlib.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature-x"),
		Create: true,
	}); err != nil {
		t.Fatalf("checkout feature failed: %v", err)
	}
	tests := guardCommit(t, wt, dir, "test_x.py", "add failing tests")
	impl := guardCommit(t, wt, dir, "x.py", "make tests pass")

	h, err := git.OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}

	statuses := []*workflow.ChangeStatus{
		changeStatus("chg-2", models.StageMerged, tests.String(), impl.String()),
	}
	problems := auditCommitOrdering(h, "master", statuses)
	if len(problems) != 1 || !strings.Contains(problems[0].Detail, "not reachable") {
		t.Fatalf("expected a containment problem, got %+v", problems)
	}
}

func TestAuditCommitOrderingSkipsIncompleteChanges(t *testing.T) {
	h, tests, _ := guardRepo(t)
	statuses := []*workflow.ChangeStatus{
		{
			Change: &models.Change{ID: "chg-3", Stage: models.StageTestsWritten},
			Commits: []*models.ChangeCommit{
				{CommitHash: tests.String(), Kind: models.CommitKindTests},
			},
		},
	}
	if problems := auditCommitOrdering(h, "master", statuses); len(problems) != 0 {
		t.Fatalf("changes without both commits are skipped, got %+v", problems)
	}
}

func TestAuditCommitOrderingReportsUnresolvableHashes(t *testing.T) {
	h, _, _ := guardRepo(t)
	statuses := []*workflow.ChangeStatus{
		changeStatus("chg-4", models.StagePushed, "0000000000000000000000000000000000000001", "0000000000000000000000000000000000000002"),
	}
	problems := auditCommitOrdering(h, "master", statuses)
	if len(problems) != 1 || !strings.Contains(problems[0].Detail, "cannot verify") {
		t.Fatalf("expected an unresolvable-hash report, got %+v", problems)
	}
}
