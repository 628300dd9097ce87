package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func testSignature() *object.Signature {
	return &object.Signature{
		Name:  "dev",
		Email: "dev@example.com",
		When:  time.Now(),
	}
}

func commitFile(t *testing.T, wt *gitlib.Worktree, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s failed: %v", name, err)
	}
	hash, err := wt.Commit(msg, &gitlib.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("commit %q failed: %v", msg, err)
	}
	return hash
}

// historyRepo builds: root on master, a feature branch with a tests commit
// followed by an implementation commit, merged back with a merge commit.
func historyRepo(t *testing.T) (h *HistoryInspector, root, tests, impl, merge plumbing.Hash) {
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

	root = commitFile(t, wt, dir, "README.md", "initial\n", "initial import")

	if err := wt.Checkout(&gitlib.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature-login-retry"),
		Create: true,
	}); err != nil {
		t.Fatalf("checkout feature failed: %v", err)
	}
	tests = commitFile(t, wt, dir, "test_login.py", "def test_retry(): ...\n", "add failing tests")
	impl = commitFile(t, wt, dir, "login.py", "def retry(): ...\n", "make tests pass")

	if err := wt.Checkout(&gitlib.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	}); err != nil {
		t.Fatalf("checkout master failed: %v", err)
	}
	merge, err = wt.Commit("merge feature-login-retry", &gitlib.CommitOptions{
		Author:            testSignature(),
		Parents:           []plumbing.Hash{root, impl},
		AllowEmptyCommits: true,
	})
	if err != nil {
		t.Fatalf("merge commit failed: %v", err)
	}

	h, err = OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	return h, root, tests, impl, merge
}

func TestTestsPrecedeImplementation(t *testing.T) {
	h, _, tests, impl, _ := historyRepo(t)

	ok, err := h.TestsPrecedeImplementation(tests.String(), impl.String())
	if err != nil {
		t.Fatalf("TestsPrecedeImplementation failed: %v", err)
	}
	if !ok {
		t.Fatal("tests commit should precede implementation commit")
	}

	ok, err = h.TestsPrecedeImplementation(impl.String(), tests.String())
	if err != nil {
		t.Fatalf("reversed check failed: %v", err)
	}
	if ok {
		t.Fatal("reversed order must not satisfy the invariant")
	}

	ok, err = h.TestsPrecedeImplementation(tests.String(), tests.String())
	if err != nil {
		t.Fatalf("same-commit check failed: %v", err)
	}
	if ok {
		t.Fatal("a commit does not precede itself")
	}
}

func TestMainlineContains(t *testing.T) {
	h, root, _, impl, merge := historyRepo(t)

	for _, hash := range []plumbing.Hash{root, impl, merge} {
		ok, err := h.MainlineContains("master", hash.String())
		if err != nil {
			t.Fatalf("MainlineContains(%s) failed: %v", hash, err)
		}
		if !ok {
			t.Errorf("mainline should contain %s after the merge", hash)
		}
	}
}

func TestFirstParentViolations(t *testing.T) {
	h, _, _, _, _ := historyRepo(t)

	violations, err := h.FirstParentViolations("master", 0)
	if err != nil {
		t.Fatalf("FirstParentViolations failed: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("merge-only mainline should have no violations, got %v", violations)
	}
}

func TestFirstParentViolationsFlagsDirectCommit(t *testing.T) {
	dir := t.TempDir()
	repo, err := gitlib.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}

	commitFile(t, wt, dir, "README.md", "initial\n", "initial import")
	direct := commitFile(t, wt, dir, "hack.py", "oops\n", "commit straight to mainline")

	h, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	violations, err := h.FirstParentViolations("master", 0)
	if err != nil {
		t.Fatalf("FirstParentViolations failed: %v", err)
	}
	if len(violations) != 1 || violations[0] != direct.String() {
		t.Fatalf("expected the direct commit flagged, got %v", violations)
	}
}
