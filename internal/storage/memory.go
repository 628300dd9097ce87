package storage

import (
	"context"
	"sync"
	"time"

	"github.com/boku-engineer/changeflow/internal/models"
)

// InMemoryStorage implements the Storage interface with in-memory data
// structures. It is the default backend for tests and local development.
type InMemoryStorage struct {
	mu sync.RWMutex

	changes         map[string]*models.Change // changeID -> change
	changesByBranch map[string]string         // branchName -> changeID of the unmerged change

	commits map[string][]*models.ChangeCommit  // changeID -> commits, newest first
	events  map[string][]*models.WorkflowEvent // changeID -> events, newest first

	pullRequests map[string]*models.PullRequest // changeID -> PR
	checkRuns    map[string][]*models.CheckRun  // changeID -> check runs

	protection *models.BranchProtection
	mainline   *models.MainlineState
}

// NewInMemoryStorage creates a new in-memory storage instance.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		changes:         make(map[string]*models.Change),
		changesByBranch: make(map[string]string),
		commits:         make(map[string][]*models.ChangeCommit),
		events:          make(map[string][]*models.WorkflowEvent),
		pullRequests:    make(map[string]*models.PullRequest),
		checkRuns:       make(map[string][]*models.CheckRun),
		protection:      models.DefaultBranchProtection(),
	}
}

// CreateChange persists a new change.
func (s *InMemoryStorage) CreateChange(ctx context.Context, change *models.Change) error {
	if change.ID == "" || change.BranchName == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[change.ID]; exists {
		return ErrChangeAlreadyExists
	}
	if existingID, ok := s.changesByBranch[change.BranchName]; ok {
		if existing := s.changes[existingID]; existing != nil && existing.Stage != models.StageMerged {
			return ErrBranchInUse
		}
	}

	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	copyChange := *change
	s.changes[change.ID] = &copyChange
	s.changesByBranch[change.BranchName] = change.ID
	return nil
}

// GetChange retrieves a change by ID.
func (s *InMemoryStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	change, exists := s.changes[changeID]
	if !exists {
		return nil, ErrChangeNotFound
	}

	// Return a copy to avoid race conditions
	copyChange := *change
	return &copyChange, nil
}

// GetChangeByBranch retrieves the change registered for a branch.
func (s *InMemoryStorage) GetChangeByBranch(ctx context.Context, branchName string) (*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.changesByBranch[branchName]
	if !ok {
		return nil, ErrChangeNotFound
	}
	change, exists := s.changes[id]
	if !exists {
		return nil, ErrChangeNotFound
	}

	copyChange := *change
	return &copyChange, nil
}

// ListChanges returns changes, optionally filtered by stage and limited.
func (s *InMemoryStorage) ListChanges(ctx context.Context, stage *models.Stage, limit int) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Change, 0, len(s.changes))
	for _, change := range s.changes {
		if stage != nil && change.Stage != *stage {
			continue
		}
		copyChange := *change
		result = append(result, &copyChange)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// UpdateChange replaces a stored change.
func (s *InMemoryStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[change.ID]; !exists {
		return ErrChangeNotFound
	}

	copyChange := *change
	s.changes[change.ID] = &copyChange
	return nil
}

// AddChangeCommit prepends a commit to the change's history.
func (s *InMemoryStorage) AddChangeCommit(ctx context.Context, changeID string, commit *models.ChangeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[changeID]; !exists {
		return ErrChangeNotFound
	}

	copyCommit := *commit
	s.commits[changeID] = append([]*models.ChangeCommit{&copyCommit}, s.commits[changeID]...)
	return nil
}

// ListChangeCommits returns commits for a change, newest first.
func (s *InMemoryStorage) ListChangeCommits(ctx context.Context, changeID string, limit int) ([]*models.ChangeCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.changes[changeID]; !exists {
		return nil, ErrChangeNotFound
	}

	stored := s.commits[changeID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}

	result := make([]*models.ChangeCommit, 0, limit)
	for _, c := range stored[:limit] {
		copyCommit := *c
		result = append(result, &copyCommit)
	}
	return result, nil
}

// AppendEvent prepends a workflow event to the change's audit trail.
func (s *InMemoryStorage) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[event.ChangeID]; !exists {
		return ErrChangeNotFound
	}

	copyEvent := *event
	s.events[event.ChangeID] = append([]*models.WorkflowEvent{&copyEvent}, s.events[event.ChangeID]...)
	return nil
}

// ListEvents returns workflow events for a change, newest first.
func (s *InMemoryStorage) ListEvents(ctx context.Context, changeID string, limit int) ([]*models.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.changes[changeID]; !exists {
		return nil, ErrChangeNotFound
	}

	stored := s.events[changeID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}

	result := make([]*models.WorkflowEvent, 0, limit)
	for _, e := range stored[:limit] {
		copyEvent := *e
		result = append(result, &copyEvent)
	}
	return result, nil
}

// CreatePullRequest stores the PR opened for a change.
func (s *InMemoryStorage) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[pr.ChangeID]; !exists {
		return ErrChangeNotFound
	}

	copyPR := *pr
	s.pullRequests[pr.ChangeID] = &copyPR
	return nil
}

// GetPullRequestByChange retrieves the PR for a change.
func (s *InMemoryStorage) GetPullRequestByChange(ctx context.Context, changeID string) (*models.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, exists := s.pullRequests[changeID]
	if !exists {
		return nil, ErrPullRequestNotFound
	}

	copyPR := *pr
	return &copyPR, nil
}

// UpdatePullRequest replaces a stored PR.
func (s *InMemoryStorage) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pullRequests[pr.ChangeID]; !exists {
		return ErrPullRequestNotFound
	}

	copyPR := *pr
	s.pullRequests[pr.ChangeID] = &copyPR
	return nil
}

// UpsertCheckRun records or replaces a status check result by name.
func (s *InMemoryStorage) UpsertCheckRun(ctx context.Context, changeID string, check *models.CheckRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[changeID]; !exists {
		return ErrChangeNotFound
	}

	copyCheck := *check
	runs := s.checkRuns[changeID]
	for i, existing := range runs {
		if existing.Name == check.Name {
			runs[i] = &copyCheck
			return nil
		}
	}
	s.checkRuns[changeID] = append(runs, &copyCheck)
	return nil
}

// ListCheckRuns returns all recorded status checks for a change.
func (s *InMemoryStorage) ListCheckRuns(ctx context.Context, changeID string) ([]*models.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.changes[changeID]; !exists {
		return nil, ErrChangeNotFound
	}

	runs := s.checkRuns[changeID]
	result := make([]*models.CheckRun, 0, len(runs))
	for _, c := range runs {
		copyCheck := *c
		result = append(result, &copyCheck)
	}
	return result, nil
}

// ResetCheckRuns clears recorded check results, e.g. after a re-push.
func (s *InMemoryStorage) ResetCheckRuns(ctx context.Context, changeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[changeID]; !exists {
		return ErrChangeNotFound
	}

	delete(s.checkRuns, changeID)
	return nil
}

// GetBranchProtection returns the active protection settings.
func (s *InMemoryStorage) GetBranchProtection(ctx context.Context) (*models.BranchProtection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copyProtection := *s.protection
	copyProtection.RequiredChecks = append([]string(nil), s.protection.RequiredChecks...)
	return &copyProtection, nil
}

// PutBranchProtection replaces the protection settings.
func (s *InMemoryStorage) PutBranchProtection(ctx context.Context, protection *models.BranchProtection) error {
	if protection == nil || protection.Mainline == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copyProtection := *protection
	copyProtection.RequiredChecks = append([]string(nil), protection.RequiredChecks...)
	s.protection = &copyProtection
	return nil
}

// GetMainlineState retrieves the mainline snapshot.
func (s *InMemoryStorage) GetMainlineState(ctx context.Context) (*models.MainlineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mainline == nil {
		return &models.MainlineState{History: []*models.MergeRecord{}}, nil
	}

	copyState := *s.mainline
	copyState.History = make([]*models.MergeRecord, 0, len(s.mainline.History))
	for _, r := range s.mainline.History {
		copyRecord := *r
		copyState.History = append(copyState.History, &copyRecord)
	}
	return &copyState, nil
}

// UpdateMainlineState replaces the mainline snapshot.
func (s *InMemoryStorage) UpdateMainlineState(ctx context.Context, state *models.MainlineState) error {
	if state == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copyState := *state
	copyState.History = make([]*models.MergeRecord, 0, len(state.History))
	for _, r := range state.History {
		copyRecord := *r
		copyState.History = append(copyState.History, &copyRecord)
	}
	s.mainline = &copyState
	return nil
}

// Ping checks if storage is accessible.
func (s *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}
