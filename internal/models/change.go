package models

import "time"

// Stage represents the lifecycle stage of a change. Stages only ever advance;
// a change that cannot satisfy the guard for the next stage stays where it is.
type Stage string

const (
	StageBranched              Stage = "branched"
	StageTestsWritten          Stage = "tests_written"
	StageImplementationWritten Stage = "implementation_written"
	StagePushed                Stage = "pushed"
	StagePRCreated             Stage = "pr_created"
	StageCIPassed              Stage = "ci_passed"
	StageMerged                Stage = "merged"
)

// CIStatus represents the aggregate state of the required status checks.
type CIStatus string

const (
	CIStatusPending CIStatus = "pending"
	CIStatusPassed  CIStatus = "passed"
	CIStatusFailed  CIStatus = "failed"
)

// Change represents one feature-sized unit of work tracked from branch
// creation to merge into the mainline.
type Change struct {
	ID                      string     `json:"id"`
	FeatureName             string     `json:"feature_name"`
	BranchName              string     `json:"branch_name"`
	Stage                   Stage      `json:"stage"`
	Author                  string     `json:"author"`
	BaseCommitHash          string     `json:"base_commit_hash"`
	TestsCommitted          bool       `json:"tests_committed"`
	ImplementationCommitted bool       `json:"implementation_committed"`
	CIStatus                CIStatus   `json:"ci_status"`
	ReviewRequired          bool       `json:"review_required"`
	BranchDeleted           bool       `json:"branch_deleted"`
	CreatedAt               time.Time  `json:"created_at"`
	MergedAt                *time.Time `json:"merged_at,omitempty"`
}

// CommitKind classifies a commit recorded against a change.
type CommitKind string

const (
	CommitKindTests          CommitKind = "tests"
	CommitKindImplementation CommitKind = "implementation"
	CommitKindFix            CommitKind = "fix"
)

// ChangeCommit represents a single commit recorded on a change's branch.
type ChangeCommit struct {
	CommitHash string     `json:"commit_hash"`
	ParentHash string     `json:"parent_hash"`
	Kind       CommitKind `json:"kind"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
}

// WorkflowEvent records one stage transition in a change's audit trail.
type WorkflowEvent struct {
	ChangeID  string    `json:"change_id"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Note      string    `json:"note"`
	Timestamp time.Time `json:"timestamp"`
}
