package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/boku-engineer/changeflow/internal/models"
)

func TestStorageCompliance(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		factory func(t *testing.T) Storage
	}{
		{
			name: "in-memory",
			factory: func(t *testing.T) Storage {
				t.Helper()
				return NewInMemoryStorage()
			},
		},
		{
			name: "redis",
			factory: func(t *testing.T) Storage {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				store := NewInMemoryObjectStore()
				t.Cleanup(func() {
					_ = client.Close()
					mr.Close()
				})
				return NewRedisStorage(client, store, "test")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runStorageContract(ctx, t, tc.factory(t))
		})
	}
}

func runStorageContract(ctx context.Context, t *testing.T, st Storage) {
	t.Helper()

	change := &models.Change{
		ID:          "chg-1",
		FeatureName: "login-retry",
		BranchName:  "feature/login-retry",
		Stage:       models.StageBranched,
		Author:      "alice",
		CIStatus:    models.CIStatusPending,
	}
	if err := st.CreateChange(ctx, change); err != nil {
		t.Fatalf("CreateChange failed: %v", err)
	}
	if err := st.CreateChange(ctx, change); !errors.Is(err, ErrChangeAlreadyExists) {
		t.Fatalf("expected ErrChangeAlreadyExists, got %v", err)
	}

	// One unmerged change per branch
	dup := &models.Change{ID: "chg-dup", FeatureName: "login-retry", BranchName: "feature/login-retry", Stage: models.StageBranched}
	if err := st.CreateChange(ctx, dup); !errors.Is(err, ErrBranchInUse) {
		t.Fatalf("expected ErrBranchInUse, got %v", err)
	}

	fetched, err := st.GetChange(ctx, change.ID)
	if err != nil || fetched.BranchName != change.BranchName {
		t.Fatalf("GetChange mismatch: %v", err)
	}
	byBranch, err := st.GetChangeByBranch(ctx, change.BranchName)
	if err != nil || byBranch.ID != change.ID {
		t.Fatalf("GetChangeByBranch mismatch: %v", err)
	}
	if _, err := st.GetChange(ctx, "missing"); !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound, got %v", err)
	}

	// Commit history, newest first
	commits := []*models.ChangeCommit{
		{CommitHash: "c-tests", Kind: models.CommitKindTests, Message: "tests for login retry", Timestamp: time.Now()},
		{CommitHash: "c-impl", ParentHash: "c-tests", Kind: models.CommitKindImplementation, Message: "login retry", Timestamp: time.Now()},
	}
	for _, c := range commits {
		if err := st.AddChangeCommit(ctx, change.ID, c); err != nil {
			t.Fatalf("AddChangeCommit failed: %v", err)
		}
	}
	listed, err := st.ListChangeCommits(ctx, change.ID, 10)
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListChangeCommits mismatch: %v len=%d", err, len(listed))
	}
	if listed[0].CommitHash != "c-impl" {
		t.Fatalf("expected newest commit first, got %s", listed[0].CommitHash)
	}

	// Events
	event := &models.WorkflowEvent{ChangeID: change.ID, From: models.StageBranched, To: models.StageTestsWritten, Timestamp: time.Now()}
	if err := st.AppendEvent(ctx, event); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	events, err := st.ListEvents(ctx, change.ID, 10)
	if err != nil || len(events) != 1 || events[0].To != models.StageTestsWritten {
		t.Fatalf("ListEvents mismatch: %v len=%d", err, len(events))
	}

	// Update change, stage filter
	fetched.Stage = models.StageTestsWritten
	fetched.TestsCommitted = true
	if err := st.UpdateChange(ctx, fetched); err != nil {
		t.Fatalf("UpdateChange failed: %v", err)
	}
	stage := models.StageTestsWritten
	filtered, err := st.ListChanges(ctx, &stage, 10)
	if err != nil || len(filtered) != 1 {
		t.Fatalf("ListChanges filter mismatch: %v len=%d", err, len(filtered))
	}

	// Pull request round trip
	pr := &models.PullRequest{ID: "pr-1", ChangeID: change.ID, Title: "Add login retry", BranchName: change.BranchName, Status: models.PRStatusOpen, CreatedAt: time.Now()}
	if err := st.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("CreatePullRequest failed: %v", err)
	}
	fetchedPR, err := st.GetPullRequestByChange(ctx, change.ID)
	if err != nil || fetchedPR.Title != pr.Title {
		t.Fatalf("GetPullRequestByChange mismatch: %v", err)
	}
	fetchedPR.Status = models.PRStatusMerged
	if err := st.UpdatePullRequest(ctx, fetchedPR); err != nil {
		t.Fatalf("UpdatePullRequest failed: %v", err)
	}
	if _, err := st.GetPullRequestByChange(ctx, "missing-change"); !errors.Is(err, ErrPullRequestNotFound) && !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	// Check runs: upsert replaces by name, reset clears
	if err := st.UpsertCheckRun(ctx, change.ID, &models.CheckRun{Name: "test job", Status: models.CIStatusPending, Required: true}); err != nil {
		t.Fatalf("UpsertCheckRun failed: %v", err)
	}
	if err := st.UpsertCheckRun(ctx, change.ID, &models.CheckRun{Name: "test job", Status: models.CIStatusPassed, Required: true}); err != nil {
		t.Fatalf("UpsertCheckRun update failed: %v", err)
	}
	runs, err := st.ListCheckRuns(ctx, change.ID)
	if err != nil || len(runs) != 1 || runs[0].Status != models.CIStatusPassed {
		t.Fatalf("ListCheckRuns mismatch: %v %+v", err, runs)
	}
	if err := st.ResetCheckRuns(ctx, change.ID); err != nil {
		t.Fatalf("ResetCheckRuns failed: %v", err)
	}
	runs, err = st.ListCheckRuns(ctx, change.ID)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no check runs after reset: %v len=%d", err, len(runs))
	}

	// Branch protection defaults and replacement
	protection, err := st.GetBranchProtection(ctx)
	if err != nil {
		t.Fatalf("GetBranchProtection failed: %v", err)
	}
	if len(protection.RequiredChecks) != 1 || protection.RequiredChecks[0] != "test job" {
		t.Fatalf("unexpected default protection: %+v", protection)
	}
	protection.RequiredChecks = append(protection.RequiredChecks, "lint")
	if err := st.PutBranchProtection(ctx, protection); err != nil {
		t.Fatalf("PutBranchProtection failed: %v", err)
	}
	protection, err = st.GetBranchProtection(ctx)
	if err != nil || len(protection.RequiredChecks) != 2 {
		t.Fatalf("protection round trip mismatch: %v %+v", err, protection)
	}

	// Mainline state
	state, err := st.GetMainlineState(ctx)
	if err != nil || len(state.History) != 0 {
		t.Fatalf("expected empty mainline state: %v", err)
	}
	state = &models.MainlineState{
		HeadCommitHash: "m-1",
		Timestamp:      time.Now(),
		History: []*models.MergeRecord{
			{CommitHash: "m-1", ChangeID: change.ID, BranchName: change.BranchName, Timestamp: time.Now()},
		},
	}
	if err := st.UpdateMainlineState(ctx, state); err != nil {
		t.Fatalf("UpdateMainlineState failed: %v", err)
	}
	state, err = st.GetMainlineState(ctx)
	if err != nil || state.HeadCommitHash != "m-1" || len(state.History) != 1 {
		t.Fatalf("mainline round trip mismatch: %v %+v", err, state)
	}

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestRedisStorageSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	objectStore := NewInMemoryObjectStore()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	st := NewRedisStorage(client, objectStore, "test")

	change := &models.Change{ID: "chg-1", FeatureName: "f", BranchName: "feature/f", Stage: models.StageBranched}
	if err := st.CreateChange(ctx, change); err != nil {
		t.Fatalf("CreateChange failed: %v", err)
	}
	commit := &models.ChangeCommit{CommitHash: "c1", Kind: models.CommitKindTests, Timestamp: time.Now()}
	if err := st.AddChangeCommit(ctx, change.ID, commit); err != nil {
		t.Fatalf("AddChangeCommit failed: %v", err)
	}

	// Simulate a Redis restart losing all volatile keys. The durable snapshot
	// in the object store must still answer reads.
	mr.FlushAll()

	fetched, err := st.GetChange(ctx, change.ID)
	if err != nil || fetched.BranchName != change.BranchName {
		t.Fatalf("GetChange after flush failed: %v", err)
	}
	commits, err := st.ListChangeCommits(ctx, change.ID, 0)
	if err != nil || len(commits) != 1 || commits[0].CommitHash != "c1" {
		t.Fatalf("ListChangeCommits after flush mismatch: %v len=%d", err, len(commits))
	}
	byBranch, err := st.GetChangeByBranch(ctx, change.BranchName)
	if err != nil || byBranch.ID != change.ID {
		t.Fatalf("GetChangeByBranch after flush mismatch: %v", err)
	}
}
