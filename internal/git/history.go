package git

import (
	"fmt"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// HistoryInspector answers commit-graph questions for the policy checker.
// It reads the repository directly and never mutates it.
type HistoryInspector struct {
	repo *gitlib.Repository
}

// OpenHistory opens the repository containing path for read-only inspection.
func OpenHistory(path string) (*HistoryInspector, error) {
	repo, err := gitlib.PlainOpenWithOptions(path, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return &HistoryInspector{repo: repo}, nil
}

func (h *HistoryInspector) commit(rev string) (*object.Commit, error) {
	hash, err := h.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rev, err)
	}
	return h.repo.CommitObject(*hash)
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (h *HistoryInspector) IsAncestor(ancestor, descendant string) (bool, error) {
	ancestorCommit, err := h.commit(ancestor)
	if err != nil {
		return false, err
	}
	descendantCommit, err := h.commit(descendant)
	if err != nil {
		return false, err
	}
	return ancestorCommit.IsAncestor(descendantCommit)
}

// TestsPrecedeImplementation verifies the commit-graph ordering invariant:
// the implementation commit must be causally after the tests commit.
func (h *HistoryInspector) TestsPrecedeImplementation(testsHash, implHash string) (bool, error) {
	if testsHash == implHash {
		return false, nil
	}
	return h.IsAncestor(testsHash, implHash)
}

// MainlineContains reports whether the mainline branch already includes the
// given commit in its ancestry.
func (h *HistoryInspector) MainlineContains(mainline, commitHash string) (bool, error) {
	head, err := h.commit("refs/heads/" + mainline)
	if err != nil {
		return false, err
	}
	target, err := h.commit(commitHash)
	if err != nil {
		return false, err
	}
	if head.Hash == target.Hash {
		return true, nil
	}
	return target.IsAncestor(head)
}

// FirstParentViolations walks the first-parent chain of the mainline branch
// and returns hashes of non-merge commits, which indicate direct commits
// authored against the mainline. The root commit is exempt. The walk stops
// after limit commits when limit is positive.
func (h *HistoryInspector) FirstParentViolations(mainline string, limit int) ([]string, error) {
	current, err := h.commit("refs/heads/" + mainline)
	if err != nil {
		return nil, err
	}

	var violations []string
	seen := 0
	for current != nil {
		if limit > 0 && seen >= limit {
			break
		}
		seen++

		switch current.NumParents() {
		case 0:
			// Root commit: the initial import is allowed.
			return violations, nil
		case 1:
			violations = append(violations, current.Hash.String())
		}

		parent, err := current.Parent(0)
		if err != nil {
			return nil, err
		}
		current = parent
	}
	return violations, nil
}
