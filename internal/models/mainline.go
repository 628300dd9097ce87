package models

import "time"

// MergeRecord represents one merge landed on the mainline timeline.
type MergeRecord struct {
	CommitHash string    `json:"commit_hash"`
	ChangeID   string    `json:"change_id"`
	BranchName string    `json:"branch_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// MainlineState represents the current tip of the mainline branch together
// with the history of merges that produced it (newest first).
type MainlineState struct {
	HeadCommitHash string         `json:"head_commit_hash"`
	Timestamp      time.Time      `json:"timestamp"`
	History        []*MergeRecord `json:"history"`
}
