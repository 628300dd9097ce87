package models

// BranchProtection captures the merge-gating rules applied to the mainline
// branch. Checks listed in RequiredChecks must report passed before a change
// may merge.
type BranchProtection struct {
	Mainline       string   `json:"mainline"`
	RequiredChecks []string `json:"required_checks"`
	RequireReview  bool     `json:"require_review"`
	EnforceAdmins  bool     `json:"enforce_admins"`
	AllowForcePush bool     `json:"allow_force_push"`
	AllowDeletion  bool     `json:"allow_deletion"`
}

// DefaultBranchProtection returns the solo-project protection settings:
// a single required "test job" check, no review gate, admins not exempt,
// force pushes and mainline deletion disabled.
func DefaultBranchProtection() *BranchProtection {
	return &BranchProtection{
		Mainline:       "main",
		RequiredChecks: []string{"test job"},
		RequireReview:  false,
		EnforceAdmins:  true,
		AllowForcePush: false,
		AllowDeletion:  false,
	}
}

// IsRequiredCheck reports whether name is one of the gating checks.
func (p *BranchProtection) IsRequiredCheck(name string) bool {
	for _, c := range p.RequiredChecks {
		if c == name {
			return true
		}
	}
	return false
}
