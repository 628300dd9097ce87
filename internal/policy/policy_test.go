package policy

import (
	"errors"
	"testing"

	"github.com/boku-engineer/changeflow/internal/models"
)

func TestFeatureBranch(t *testing.T) {
	branch, err := FeatureBranch("login-retry")
	if err != nil {
		t.Fatalf("FeatureBranch failed: %v", err)
	}
	if branch != "feature/login-retry" {
		t.Fatalf("unexpected branch: %s", branch)
	}

	for _, bad := range []string{"", "two words", "a/b", "tab\tname"} {
		if _, err := FeatureBranch(bad); !errors.Is(err, ErrInvalidFeatureName) {
			t.Errorf("feature %q: expected ErrInvalidFeatureName, got %v", bad, err)
		}
	}
}

func TestValidateBranchName(t *testing.T) {
	if err := ValidateBranchName("feature/login-retry"); err != nil {
		t.Fatalf("valid branch rejected: %v", err)
	}
	for _, bad := range []string{"feature/", "main", "bugfix/login", "feature/has space", ""} {
		if err := ValidateBranchName(bad); !errors.Is(err, ErrInvalidBranchName) {
			t.Errorf("branch %q: expected ErrInvalidBranchName, got %v", bad, err)
		}
	}
}

func TestEnsureNotMainline(t *testing.T) {
	if err := EnsureNotMainline("feature/x", "main"); err != nil {
		t.Fatalf("feature branch rejected: %v", err)
	}
	if err := EnsureNotMainline("main", "main"); !errors.Is(err, ErrMainlineForbidden) {
		t.Fatalf("expected ErrMainlineForbidden, got %v", err)
	}
}

func TestValidateProjectIdentifier(t *testing.T) {
	if err := ValidateProjectIdentifier("webshop", "/home/dev/WebShop"); err != nil {
		t.Fatalf("matching identifier rejected: %v", err)
	}
	// Re-running the check never changes the outcome.
	if err := ValidateProjectIdentifier("webshop", "/home/dev/WebShop"); err != nil {
		t.Fatalf("second run rejected: %v", err)
	}
	if err := ValidateProjectIdentifier("shop", "/home/dev/WebShop"); !errors.Is(err, ErrNamingMismatch) {
		t.Fatalf("expected ErrNamingMismatch, got %v", err)
	}
	if err := ValidateProjectIdentifier("webshop", "/home/dev/WebShop/"); err != nil {
		t.Fatalf("trailing slash should not matter: %v", err)
	}
}

func TestRequiredChecksOutcome(t *testing.T) {
	protection := models.DefaultBranchProtection()

	tests := []struct {
		name string
		runs []*models.CheckRun
		want models.CIStatus
	}{
		{"no runs recorded", nil, models.CIStatusPending},
		{"required check pending", []*models.CheckRun{
			{Name: "test job", Status: models.CIStatusPending},
		}, models.CIStatusPending},
		{"required check failed", []*models.CheckRun{
			{Name: "test job", Status: models.CIStatusFailed},
		}, models.CIStatusFailed},
		{"required check passed", []*models.CheckRun{
			{Name: "test job", Status: models.CIStatusPassed},
		}, models.CIStatusPassed},
		{"extra optional check failing does not gate", []*models.CheckRun{
			{Name: "test job", Status: models.CIStatusPassed},
			{Name: "lint", Status: models.CIStatusFailed},
		}, models.CIStatusPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := RequiredChecksOutcome(protection, tt.runs)
			if outcome.Status != tt.want {
				t.Fatalf("status = %s, want %s (missing=%v pending=%v failed=%v)",
					outcome.Status, tt.want, outcome.Missing, outcome.Pending, outcome.Failed)
			}
		})
	}
}

func TestMergeEligible(t *testing.T) {
	protection := models.DefaultBranchProtection()

	change := &models.Change{CIStatus: models.CIStatusPassed}
	if err := MergeEligible(change, protection); err != nil {
		t.Fatalf("eligible change rejected: %v", err)
	}

	change.CIStatus = models.CIStatusFailed
	if err := MergeEligible(change, protection); err == nil {
		t.Fatal("failed CI must block merge")
	}

	change.CIStatus = models.CIStatusPending
	if err := MergeEligible(change, protection); err == nil {
		t.Fatal("pending CI must block merge")
	}

	change.CIStatus = models.CIStatusPassed
	protection.RequireReview = true
	if err := MergeEligible(change, protection); err == nil {
		t.Fatal("review gate must block merge when enabled")
	}
}
