package workflow

import (
	"net/http"
	"testing"

	"github.com/boku-engineer/changeflow/internal/models"
)

// TestLoginRetryLifecycle walks one change for a login-retry feature through
// every stage in order and verifies the state visible after each step.
func TestLoginRetryLifecycle(t *testing.T) {
	e := newEnv(t)

	change := e.startChange("login-retry")
	if change.BranchName != "feature/login-retry" {
		t.Fatalf("unexpected branch: %s", change.BranchName)
	}
	if change.Stage != models.StageBranched {
		t.Fatalf("expected branched, got %s", change.Stage)
	}

	change = e.commit(change.ID, "c-tests", models.CommitKindTests, false)
	if change.Stage != models.StageTestsWritten || !change.TestsCommitted {
		t.Fatalf("tests commit not reflected: %+v", change)
	}

	change = e.commit(change.ID, "c-impl", models.CommitKindImplementation, true)
	if change.Stage != models.StageImplementationWritten || !change.ImplementationCommitted {
		t.Fatalf("implementation commit not reflected: %+v", change)
	}

	change = e.push(change.ID)
	if change.Stage != models.StagePushed {
		t.Fatalf("expected pushed, got %s", change.Stage)
	}

	pullRequest := e.openPR(change.ID, "Add login retry")
	if pullRequest.Status != models.PRStatusOpen {
		t.Fatalf("expected open PR, got %s", pullRequest.Status)
	}

	// The PR leaves the required check pending; the gate stays closed.
	status := e.inspect(change.ID)
	if status.Change.Stage != models.StagePRCreated {
		t.Fatalf("expected pr_created, got %s", status.Change.Stage)
	}
	if len(status.Checks) != 1 || status.Checks[0].Status != models.CIStatusPending {
		t.Fatalf("required check not pending: %+v", status.Checks)
	}

	e.reportCheck(change.ID, "test job", models.CIStatusPassed)
	change = e.evaluate(change.ID)
	if change.Stage != models.StageCIPassed || change.CIStatus != models.CIStatusPassed {
		t.Fatalf("green checks not reflected: %+v", change)
	}

	change = e.merge(change.ID)
	if change.Stage != models.StageMerged || change.MergedAt == nil || !change.BranchDeleted {
		t.Fatalf("merge not finalized: %+v", change)
	}

	// The mainline gained exactly one merge commit for this change.
	var mainline models.MainlineState
	e.mustCall(http.MethodGet, "/api/mainline", nil, &mainline, http.StatusOK)
	if len(mainline.History) != 1 || mainline.History[0].BranchName != "feature/login-retry" {
		t.Fatalf("unexpected mainline history: %+v", mainline.History)
	}
	if mainline.HeadCommitHash != mainline.History[0].CommitHash {
		t.Fatal("mainline head should be the merge commit")
	}

	// The audit trail covers every transition.
	status = e.inspect(change.ID)
	wantOrder := []models.Stage{
		models.StageMerged,
		models.StageCIPassed,
		models.StagePRCreated,
		models.StagePushed,
		models.StageImplementationWritten,
		models.StageTestsWritten,
		models.StageBranched,
	}
	if len(status.Events) != len(wantOrder) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantOrder), len(status.Events), status.Events)
	}
	for i, want := range wantOrder {
		if status.Events[i].To != want {
			t.Errorf("event[%d].To = %s, want %s", i, status.Events[i].To, want)
		}
	}
}

// TestOneFeaturePerChange verifies that a branch holds at most one unmerged
// change, and frees up once merged.
func TestOneFeaturePerChange(t *testing.T) {
	e := newEnv(t)

	first := e.startChange("login-retry")

	code := e.call(http.MethodPost, "/api/changes", map[string]string{
		"feature_name": "login-retry", "author": "dev",
	}, nil)
	if code != http.StatusConflict {
		t.Fatalf("second change on the same branch: status %d, want 409", code)
	}

	e.commit(first.ID, "c-tests", models.CommitKindTests, false)
	e.commit(first.ID, "c-impl", models.CommitKindImplementation, true)
	e.push(first.ID)
	e.openPR(first.ID, "Add login retry")
	e.reportCheck(first.ID, "test job", models.CIStatusPassed)
	e.evaluate(first.ID)
	e.merge(first.ID)

	// A follow-up change may reuse the branch name once the first is merged.
	second := e.startChange("login-retry")
	if second.ID == first.ID {
		t.Fatal("expected a fresh change")
	}
}
