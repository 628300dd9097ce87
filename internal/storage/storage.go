package storage

import (
	"context"
	"errors"

	"github.com/boku-engineer/changeflow/internal/models"
)

var (
	ErrChangeNotFound      = errors.New("change not found")
	ErrChangeAlreadyExists = errors.New("change already exists")
	ErrBranchInUse         = errors.New("branch already has an unmerged change")
	ErrPullRequestNotFound = errors.New("pull request not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrObjectNotFound      = errors.New("object not found")
)

// Storage defines the interface for workflow data storage operations.
// This allows us to swap implementations (in-memory, Redis, Postgres).
type Storage interface {
	// Change operations
	CreateChange(ctx context.Context, change *models.Change) error
	GetChange(ctx context.Context, changeID string) (*models.Change, error)
	GetChangeByBranch(ctx context.Context, branchName string) (*models.Change, error)
	ListChanges(ctx context.Context, stage *models.Stage, limit int) ([]*models.Change, error)
	UpdateChange(ctx context.Context, change *models.Change) error

	// Commit history and audit trail (newest first)
	AddChangeCommit(ctx context.Context, changeID string, commit *models.ChangeCommit) error
	ListChangeCommits(ctx context.Context, changeID string, limit int) ([]*models.ChangeCommit, error)
	AppendEvent(ctx context.Context, event *models.WorkflowEvent) error
	ListEvents(ctx context.Context, changeID string, limit int) ([]*models.WorkflowEvent, error)

	// Pull requests and status checks
	CreatePullRequest(ctx context.Context, pr *models.PullRequest) error
	GetPullRequestByChange(ctx context.Context, changeID string) (*models.PullRequest, error)
	UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error
	UpsertCheckRun(ctx context.Context, changeID string, check *models.CheckRun) error
	ListCheckRuns(ctx context.Context, changeID string) ([]*models.CheckRun, error)
	ResetCheckRuns(ctx context.Context, changeID string) error

	// Branch protection
	GetBranchProtection(ctx context.Context) (*models.BranchProtection, error)
	PutBranchProtection(ctx context.Context, protection *models.BranchProtection) error

	// Mainline state
	GetMainlineState(ctx context.Context) (*models.MainlineState, error)
	UpdateMainlineState(ctx context.Context, state *models.MainlineState) error

	// Health check
	Ping(ctx context.Context) error
}
