package models

import "time"

// PRStatus represents the state of a pull request.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusMerged PRStatus = "merged"
	PRStatusClosed PRStatus = "closed"
)

// PullRequest represents the reviewable proposal opened for a change.
type PullRequest struct {
	ID         string     `json:"id"`
	ChangeID   string     `json:"change_id"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	BranchName string     `json:"branch_name"`
	Status     PRStatus   `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`
}

// CheckRun represents the result of one automated status check on a change.
type CheckRun struct {
	Name       string   `json:"name"`
	Status     CIStatus `json:"status"`
	Required   bool     `json:"required"`
	DetailsURL string   `json:"details_url,omitempty"`
}
