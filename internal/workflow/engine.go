package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/policy"
	"github.com/boku-engineer/changeflow/internal/pr"
	"github.com/boku-engineer/changeflow/internal/storage"
)

// Engine applies the workflow rules on top of a storage backend. It is the
// single writer of change stages; the HTTP handlers and the CLI never mutate
// a change directly.
type Engine struct {
	storage storage.Storage
	logger  *zap.Logger
	now     func() time.Time
}

func NewEngine(st storage.Storage, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{storage: st, logger: logger, now: time.Now}
}

// StartChangeParams carries the inputs for opening a new change.
type StartChangeParams struct {
	FeatureName    string
	Author         string
	BaseCommitHash string
}

// ChangeStatus is the full inspectable view of a change.
type ChangeStatus struct {
	Change      *models.Change          `json:"change"`
	PullRequest *models.PullRequest     `json:"pull_request,omitempty"`
	Commits     []*models.ChangeCommit  `json:"commits,omitempty"`
	Checks      []*models.CheckRun      `json:"checks,omitempty"`
	Events      []*models.WorkflowEvent `json:"events,omitempty"`
}

// StartChange opens a change for one feature: it derives the feature branch
// name, rejects names that collide with the mainline, and records the change
// in the branched stage.
func (e *Engine) StartChange(ctx context.Context, params StartChangeParams) (*models.Change, error) {
	branch, err := policy.FeatureBranch(params.FeatureName)
	if err != nil {
		return nil, err
	}
	protection, err := e.storage.GetBranchProtection(ctx)
	if err != nil {
		return nil, fmt.Errorf("load branch protection: %w", err)
	}
	if err := policy.EnsureNotMainline(branch, protection.Mainline); err != nil {
		return nil, err
	}

	base := params.BaseCommitHash
	if base == "" {
		mainline, err := e.storage.GetMainlineState(ctx)
		if err != nil {
			return nil, fmt.Errorf("load mainline state: %w", err)
		}
		base = mainline.HeadCommitHash
	}

	change := &models.Change{
		ID:             fmt.Sprintf("chg-%d", e.now().UnixNano()),
		FeatureName:    params.FeatureName,
		BranchName:     branch,
		Stage:          models.StageBranched,
		Author:         params.Author,
		BaseCommitHash: base,
		CIStatus:       models.CIStatusPending,
		ReviewRequired: protection.RequireReview,
		CreatedAt:      e.now(),
	}
	if err := e.storage.CreateChange(ctx, change); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, change.ID, "", models.StageBranched, "branched "+branch)
	e.logger.Info("change started",
		zap.String("change_id", change.ID),
		zap.String("branch", branch))
	return change, nil
}

// RecordCommit registers a commit against a change and advances the stage
// when the commit kind calls for it. A tests commit moves branched to
// tests_written; an implementation commit moves tests_written to
// implementation_written and requires the local test run to have passed; a
// fix commit is only accepted after a push and never advances the stage.
func (e *Engine) RecordCommit(ctx context.Context, changeID string, commit *models.ChangeCommit, localTestsPassed bool) (*models.Change, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if commit.Timestamp.IsZero() {
		commit.Timestamp = e.now()
	}

	switch commit.Kind {
	case models.CommitKindTests:
		if err := transition(change, models.StageBranched, models.StageTestsWritten); err != nil {
			return nil, err
		}
		change.TestsCommitted = true

	case models.CommitKindImplementation:
		if !change.TestsCommitted {
			return nil, blocked(change.Stage, "implementation requires a prior tests commit")
		}
		if !localTestsPassed {
			return nil, blocked(change.Stage, "local test run must pass before the implementation commit is accepted")
		}
		if err := transition(change, models.StageTestsWritten, models.StageImplementationWritten); err != nil {
			return nil, err
		}
		change.ImplementationCommitted = true

	case models.CommitKindFix:
		if change.Stage != models.StagePushed && change.Stage != models.StagePRCreated {
			return nil, blocked(change.Stage, "fix commits are only accepted after a push, while checks can still re-run")
		}

	default:
		return nil, fmt.Errorf("%w: unknown commit kind %q", storage.ErrInvalidInput, commit.Kind)
	}

	if err := e.storage.AddChangeCommit(ctx, change.ID, commit); err != nil {
		return nil, err
	}
	if commit.Kind != models.CommitKindFix {
		if err := e.storage.UpdateChange(ctx, change); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, change.ID, previousStage(change.Stage), change.Stage, string(commit.Kind)+" commit "+commit.CommitHash)
	}
	e.logger.Info("commit recorded",
		zap.String("change_id", change.ID),
		zap.String("kind", string(commit.Kind)),
		zap.String("stage", string(change.Stage)))
	return change, nil
}

// RecordPush registers that the feature branch was pushed. The first push
// moves implementation_written to pushed; any later push resets the recorded
// check results and sets the aggregate CI status back to pending so the
// checks re-run against the new head.
func (e *Engine) RecordPush(ctx context.Context, changeID string) (*models.Change, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	switch change.Stage {
	case models.StageImplementationWritten:
		if err := transition(change, models.StageImplementationWritten, models.StagePushed); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, change.ID, models.StageImplementationWritten, models.StagePushed, "branch pushed")

	case models.StagePushed, models.StagePRCreated:
		// Re-push after a fix. Stage holds; check results are stale.
		if err := e.storage.ResetCheckRuns(ctx, change.ID); err != nil {
			return nil, err
		}
		change.CIStatus = models.CIStatusPending
		e.appendEvent(ctx, change.ID, change.Stage, change.Stage, "re-push, checks reset")

	default:
		return nil, blocked(change.Stage, "push requires a committed implementation")
	}

	if err := e.storage.UpdateChange(ctx, change); err != nil {
		return nil, err
	}
	e.logger.Info("push recorded",
		zap.String("change_id", change.ID),
		zap.String("stage", string(change.Stage)))
	return change, nil
}

// OpenPullRequest opens the PR for a pushed change. The body must carry a
// Summary bullet list and a Test plan checklist; the required checks are
// seeded as pending so the change cannot merge until they report.
func (e *Engine) OpenPullRequest(ctx context.Context, changeID, title, body string) (*models.PullRequest, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Stage != models.StagePushed {
		return nil, blocked(change.Stage, "pull request requires a pushed branch")
	}
	if title == "" {
		return nil, fmt.Errorf("%w: empty title", storage.ErrInvalidInput)
	}
	if err := pr.Validate(body); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	pullRequest := &models.PullRequest{
		ID:         fmt.Sprintf("pr-%d", e.now().UnixNano()),
		ChangeID:   change.ID,
		Title:      title,
		Body:       body,
		BranchName: change.BranchName,
		Status:     models.PRStatusOpen,
		CreatedAt:  e.now(),
	}
	if err := e.storage.CreatePullRequest(ctx, pullRequest); err != nil {
		return nil, err
	}

	protection, err := e.storage.GetBranchProtection(ctx)
	if err != nil {
		return nil, fmt.Errorf("load branch protection: %w", err)
	}
	for _, name := range protection.RequiredChecks {
		check := &models.CheckRun{Name: name, Status: models.CIStatusPending, Required: true}
		if err := e.storage.UpsertCheckRun(ctx, change.ID, check); err != nil {
			return nil, err
		}
	}

	if err := transition(change, models.StagePushed, models.StagePRCreated); err != nil {
		return nil, err
	}
	change.CIStatus = models.CIStatusPending
	if err := e.storage.UpdateChange(ctx, change); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, change.ID, models.StagePushed, models.StagePRCreated, "pull request "+pullRequest.ID+" opened")
	e.logger.Info("pull request opened",
		zap.String("change_id", change.ID),
		zap.String("pr_id", pullRequest.ID))
	return pullRequest, nil
}

// ReportCheck records the result of one status check. A failing required
// check immediately marks the change's CI status failed.
func (e *Engine) ReportCheck(ctx context.Context, changeID string, check *models.CheckRun) (*models.Change, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Stage != models.StagePRCreated && change.Stage != models.StageCIPassed {
		return nil, blocked(change.Stage, "checks only run once a pull request exists")
	}

	protection, err := e.storage.GetBranchProtection(ctx)
	if err != nil {
		return nil, fmt.Errorf("load branch protection: %w", err)
	}
	check.Required = protection.IsRequiredCheck(check.Name)
	if err := e.storage.UpsertCheckRun(ctx, change.ID, check); err != nil {
		return nil, err
	}

	if check.Required && check.Status == models.CIStatusFailed && change.CIStatus != models.CIStatusFailed {
		change.CIStatus = models.CIStatusFailed
		if err := e.storage.UpdateChange(ctx, change); err != nil {
			return nil, err
		}
	}
	e.logger.Info("check reported",
		zap.String("change_id", change.ID),
		zap.String("check", check.Name),
		zap.String("status", string(check.Status)))
	return change, nil
}

// EvaluateChecks aggregates the recorded check runs against the required set
// and advances the change to ci_passed when every required check passed. A
// pending or failed outcome is persisted but does not block: the author fixes
// the branch and pushes again.
func (e *Engine) EvaluateChecks(ctx context.Context, changeID string) (*models.Change, *policy.CheckOutcome, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, nil, err
	}
	if change.Stage != models.StagePRCreated && change.Stage != models.StageCIPassed {
		return nil, nil, blocked(change.Stage, "nothing to evaluate before a pull request exists")
	}

	protection, err := e.storage.GetBranchProtection(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load branch protection: %w", err)
	}
	runs, err := e.storage.ListCheckRuns(ctx, change.ID)
	if err != nil {
		return nil, nil, err
	}

	outcome := policy.RequiredChecksOutcome(protection, runs)
	change.CIStatus = outcome.Status
	if outcome.Status == models.CIStatusPassed && change.Stage == models.StagePRCreated {
		if err := transition(change, models.StagePRCreated, models.StageCIPassed); err != nil {
			return nil, nil, err
		}
		e.appendEvent(ctx, change.ID, models.StagePRCreated, models.StageCIPassed, "required checks passed")
	}
	if err := e.storage.UpdateChange(ctx, change); err != nil {
		return nil, nil, err
	}
	e.logger.Info("checks evaluated",
		zap.String("change_id", change.ID),
		zap.String("ci_status", string(outcome.Status)))
	return change, &outcome, nil
}

// Merge lands a ci_passed change on the mainline: a no-fast-forward merge
// commit is recorded at the mainline tip, the pull request is closed as
// merged, and the feature branch is marked deleted. Merged is terminal.
func (e *Engine) Merge(ctx context.Context, changeID string) (*models.Change, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Stage != models.StageCIPassed {
		return nil, blocked(change.Stage, "merge requires the ci_passed stage")
	}
	protection, err := e.storage.GetBranchProtection(ctx)
	if err != nil {
		return nil, fmt.Errorf("load branch protection: %w", err)
	}
	if err := policy.MergeEligible(change, protection); err != nil {
		return nil, blocked(change.Stage, "%v", err)
	}

	pullRequest, err := e.storage.GetPullRequestByChange(ctx, change.ID)
	if err != nil {
		return nil, err
	}

	mergedAt := e.now()
	mergeHash := fmt.Sprintf("merge-%d", mergedAt.UnixNano())

	mainline, err := e.storage.GetMainlineState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mainline state: %w", err)
	}
	mainline.HeadCommitHash = mergeHash
	mainline.Timestamp = mergedAt
	mainline.History = append([]*models.MergeRecord{{
		CommitHash: mergeHash,
		ChangeID:   change.ID,
		BranchName: change.BranchName,
		Timestamp:  mergedAt,
	}}, mainline.History...)
	if err := e.storage.UpdateMainlineState(ctx, mainline); err != nil {
		return nil, err
	}

	pullRequest.Status = models.PRStatusMerged
	pullRequest.MergedAt = &mergedAt
	if err := e.storage.UpdatePullRequest(ctx, pullRequest); err != nil {
		return nil, err
	}

	if err := transition(change, models.StageCIPassed, models.StageMerged); err != nil {
		return nil, err
	}
	change.MergedAt = &mergedAt
	change.BranchDeleted = true
	if err := e.storage.UpdateChange(ctx, change); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, change.ID, models.StageCIPassed, models.StageMerged, "merged as "+mergeHash)
	e.logger.Info("change merged",
		zap.String("change_id", change.ID),
		zap.String("merge_commit", mergeHash))
	return change, nil
}

// Inspect returns the change together with its pull request, recorded
// commits, check runs and recent workflow events.
func (e *Engine) Inspect(ctx context.Context, changeID string) (*ChangeStatus, error) {
	change, err := e.storage.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	status := &ChangeStatus{Change: change}

	pullRequest, err := e.storage.GetPullRequestByChange(ctx, change.ID)
	switch {
	case err == nil:
		status.PullRequest = pullRequest
	case !errors.Is(err, storage.ErrPullRequestNotFound):
		return nil, err
	}

	if status.Commits, err = e.storage.ListChangeCommits(ctx, change.ID, 0); err != nil {
		return nil, err
	}
	if status.Checks, err = e.storage.ListCheckRuns(ctx, change.ID); err != nil {
		return nil, err
	}
	if status.Events, err = e.storage.ListEvents(ctx, change.ID, 50); err != nil {
		return nil, err
	}
	return status, nil
}

func (e *Engine) appendEvent(ctx context.Context, changeID string, from, to models.Stage, note string) {
	event := &models.WorkflowEvent{
		ChangeID:  changeID,
		From:      from,
		To:        to,
		Note:      note,
		Timestamp: e.now(),
	}
	if err := e.storage.AppendEvent(ctx, event); err != nil {
		e.logger.Warn("append event failed",
			zap.String("change_id", changeID),
			zap.Error(err))
	}
}

func previousStage(s models.Stage) models.Stage {
	for from, to := range nextStage {
		if to == s {
			return from
		}
	}
	return ""
}
