// Package policy holds the workflow rules that are checked at transition time
// but are not themselves states: branch naming, the project identifier
// convention, and merge eligibility against branch protection.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/boku-engineer/changeflow/internal/models"
)

const branchPrefix = "feature/"

var (
	ErrInvalidFeatureName = errors.New("invalid feature name")
	ErrInvalidBranchName  = errors.New("invalid branch name")
	ErrMainlineForbidden  = errors.New("direct work on the mainline branch is forbidden")
	ErrNamingMismatch     = errors.New("project identifier does not match folder name")
)

// FeatureBranch validates a feature name and returns its branch name.
// Feature names must be non-empty and contain no whitespace or slashes.
func FeatureBranch(feature string) (string, error) {
	if feature == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFeatureName)
	}
	if strings.ContainsAny(feature, " \t\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeatureName, feature)
	}
	return branchPrefix + feature, nil
}

// ValidateBranchName checks that a branch follows the feature/<name> pattern
// with a non-empty name.
func ValidateBranchName(branch string) error {
	name, ok := strings.CutPrefix(branch, branchPrefix)
	if !ok || name == "" {
		return fmt.Errorf("%w: %q must match %s<name>", ErrInvalidBranchName, branch, branchPrefix)
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidBranchName, branch)
	}
	return nil
}

// EnsureNotMainline rejects work targeted directly at the mainline branch.
func EnsureNotMainline(branch, mainline string) error {
	if branch == mainline {
		return ErrMainlineForbidden
	}
	return nil
}

// ValidateProjectIdentifier checks the naming consistency rule: the top-level
// project identifier must equal the lower-cased base name of the enclosing
// folder. The check is idempotent; re-running it never changes the outcome.
func ValidateProjectIdentifier(projectID, dir string) error {
	want := strings.ToLower(filepath.Base(filepath.Clean(dir)))
	if projectID != want {
		return fmt.Errorf("%w: got %q, want %q", ErrNamingMismatch, projectID, want)
	}
	return nil
}

// CheckOutcome summarizes the state of the required status checks.
type CheckOutcome struct {
	Status  models.CIStatus
	Missing []string // required checks with no recorded result
	Pending []string // required checks still running
	Failed  []string // required checks that concluded failed
}

// RequiredChecksOutcome evaluates recorded check runs against the protection
// settings. The aggregate status is failed if any required check failed,
// pending while any required check is missing or still running, and passed
// only when every required check has a passed conclusion.
func RequiredChecksOutcome(protection *models.BranchProtection, runs []*models.CheckRun) CheckOutcome {
	byName := make(map[string]*models.CheckRun, len(runs))
	for _, run := range runs {
		byName[run.Name] = run
	}

	outcome := CheckOutcome{Status: models.CIStatusPassed}
	for _, name := range protection.RequiredChecks {
		run, ok := byName[name]
		if !ok {
			outcome.Missing = append(outcome.Missing, name)
			continue
		}
		switch run.Status {
		case models.CIStatusFailed:
			outcome.Failed = append(outcome.Failed, name)
		case models.CIStatusPassed:
		default:
			outcome.Pending = append(outcome.Pending, name)
		}
	}

	switch {
	case len(outcome.Failed) > 0:
		outcome.Status = models.CIStatusFailed
	case len(outcome.Missing) > 0 || len(outcome.Pending) > 0:
		outcome.Status = models.CIStatusPending
	}
	return outcome
}

// MergeEligible checks the merge-time invariants: the change must have passed
// CI and, when the protection requires review, the review gate must be
// satisfied. Solo-project protection disables the review gate.
func MergeEligible(change *models.Change, protection *models.BranchProtection) error {
	if change.CIStatus != models.CIStatusPassed {
		return fmt.Errorf("merge requires passed status checks, ci_status is %s", change.CIStatus)
	}
	if protection.RequireReview || change.ReviewRequired {
		return errors.New("review gate enabled but no review recorded")
	}
	return nil
}
