package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/boku-engineer/changeflow/internal/models"
)

// RedisStorage implements the Storage interface using Redis as a fast cache
// with an authoritative JSON snapshot kept in an object store. Redis may lose
// volatile keys across restarts; reads fall back to the durable snapshot and
// re-warm the cache.
type RedisStorage struct {
	rdb         redis.UniversalClient
	objectStore ObjectStore
	keyPrefix   string
}

// NewRedisStorage creates a Redis-backed storage implementation.
func NewRedisStorage(rdb redis.UniversalClient, objectStore ObjectStore, keyPrefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, objectStore: objectStore, keyPrefix: keyPrefix}
}

type durableState struct {
	Changes         map[string]*models.Change          `json:"changes"`
	ChangesByBranch map[string]string                  `json:"changes_by_branch"`
	Commits         map[string][]*models.ChangeCommit  `json:"commits"`
	Events          map[string][]*models.WorkflowEvent `json:"events"`
	PullRequests    map[string]*models.PullRequest     `json:"pull_requests"`
	CheckRuns       map[string][]*models.CheckRun      `json:"check_runs"`
	Protection      *models.BranchProtection           `json:"protection"`
	Mainline        *models.MainlineState              `json:"mainline"`
}

func newDurableState() *durableState {
	return &durableState{
		Changes:         make(map[string]*models.Change),
		ChangesByBranch: make(map[string]string),
		Commits:         make(map[string][]*models.ChangeCommit),
		Events:          make(map[string][]*models.WorkflowEvent),
		PullRequests:    make(map[string]*models.PullRequest),
		CheckRuns:       make(map[string][]*models.CheckRun),
	}
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (s *RedisStorage) key(parts ...string) string {
	if s.keyPrefix == "" {
		return fmt.Sprintf("changeflow:%s", strings.Join(parts, ":"))
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, strings.Join(parts, ":"))
}

func (s *RedisStorage) durableKey() string {
	return s.key("durable", "state")
}

func (s *RedisStorage) loadDurableState(ctx context.Context) (*durableState, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.objectStore.GetObject(ctx, s.durableKey())
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return newDurableState(), nil
		}
		return nil, err
	}

	var state durableState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}

	if state.Changes == nil {
		return newDurableState(), nil
	}
	if state.ChangesByBranch == nil {
		state.ChangesByBranch = make(map[string]string)
	}
	if state.Commits == nil {
		state.Commits = make(map[string][]*models.ChangeCommit)
	}
	if state.Events == nil {
		state.Events = make(map[string][]*models.WorkflowEvent)
	}
	if state.PullRequests == nil {
		state.PullRequests = make(map[string]*models.PullRequest)
	}
	if state.CheckRuns == nil {
		state.CheckRuns = make(map[string][]*models.CheckRun)
	}

	return &state, nil
}

func (s *RedisStorage) saveDurableState(ctx context.Context, state *durableState) error {
	ctx = ensureCtx(ctx)
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.objectStore.PutObject(ctx, s.durableKey(), raw)
}

func (s *RedisStorage) withDurableState(ctx context.Context, fn func(state *durableState) error) error {
	state, err := s.loadDurableState(ctx)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.saveDurableState(ctx, state)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshal[T any](raw string, target *T) error {
	return json.Unmarshal([]byte(raw), target)
}

func (s *RedisStorage) cacheChange(ctx context.Context, change *models.Change) error {
	raw, err := marshal(change)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("change", change.ID), raw, 0)
	pipe.SAdd(ctx, s.key("changes"), change.ID)
	pipe.Set(ctx, s.key("change_branch", change.BranchName), change.ID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// CreateChange persists a new change.
func (s *RedisStorage) CreateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if change.ID == "" || change.BranchName == "" {
		return ErrInvalidInput
	}

	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		if _, exists := state.Changes[change.ID]; exists {
			return ErrChangeAlreadyExists
		}
		if existingID, ok := state.ChangesByBranch[change.BranchName]; ok {
			if existing := state.Changes[existingID]; existing != nil && existing.Stage != models.StageMerged {
				return ErrBranchInUse
			}
		}
		copyChange := *change
		state.Changes[change.ID] = &copyChange
		state.ChangesByBranch[change.BranchName] = change.ID
		return nil
	}); err != nil {
		return err
	}

	return s.cacheChange(ctx, change)
}

// GetChange retrieves a change by ID.
func (s *RedisStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	ctx = ensureCtx(ctx)
	val, err := s.rdb.Get(ctx, s.key("change", changeID)).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil {
				if saved, ok := state.Changes[changeID]; ok {
					_ = s.cacheChange(ctx, saved)
					copyChange := *saved
					return &copyChange, nil
				}
			}
			return nil, ErrChangeNotFound
		}
		return nil, err
	}

	var change models.Change
	if err := unmarshal(val, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// GetChangeByBranch retrieves the change registered for a branch.
func (s *RedisStorage) GetChangeByBranch(ctx context.Context, branchName string) (*models.Change, error) {
	ctx = ensureCtx(ctx)
	id, err := s.rdb.Get(ctx, s.key("change_branch", branchName)).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil {
				if savedID, ok := state.ChangesByBranch[branchName]; ok {
					return s.GetChange(ctx, savedID)
				}
			}
			return nil, ErrChangeNotFound
		}
		return nil, err
	}
	return s.GetChange(ctx, id)
}

// ListChanges returns changes, optionally filtered by stage and limited.
func (s *RedisStorage) ListChanges(ctx context.Context, stage *models.Stage, limit int) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	ids, err := s.rdb.SMembers(ctx, s.key("changes")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		state, loadErr := s.loadDurableState(ctx)
		if loadErr == nil {
			for id := range state.Changes {
				ids = append(ids, id)
			}
		}
	}

	result := make([]*models.Change, 0, len(ids))
	for _, id := range ids {
		change, err := s.GetChange(ctx, id)
		if err != nil {
			continue
		}
		if stage != nil && change.Stage != *stage {
			continue
		}
		result = append(result, change)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// UpdateChange replaces a stored change.
func (s *RedisStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, change.ID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyChange := *change
		state.Changes[change.ID] = &copyChange
		return nil
	}); err != nil {
		return err
	}

	return s.cacheChange(ctx, change)
}

// AddChangeCommit prepends a commit to the change's history.
func (s *RedisStorage) AddChangeCommit(ctx context.Context, changeID string, commit *models.ChangeCommit) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyCommit := *commit
		state.Commits[changeID] = append([]*models.ChangeCommit{&copyCommit}, state.Commits[changeID]...)
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(commit)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, s.key("commits", changeID), raw).Err()
}

// ListChangeCommits returns commits for a change, newest first.
func (s *RedisStorage) ListChangeCommits(ctx context.Context, changeID string, limit int) ([]*models.ChangeCommit, error) {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}

	raws, err := s.rdb.LRange(ctx, s.key("commits", changeID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(raws) == 0 {
		state, loadErr := s.loadDurableState(ctx)
		if loadErr == nil {
			stored := state.Commits[changeID]
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
	}

	if limit <= 0 || limit > len(raws) {
		limit = len(raws)
	}

	commits := make([]*models.ChangeCommit, 0, limit)
	for _, raw := range raws[:limit] {
		var c models.ChangeCommit
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		commits = append(commits, &c)
	}
	return commits, nil
}

// AppendEvent prepends a workflow event to the change's audit trail.
func (s *RedisStorage) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, event.ChangeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyEvent := *event
		state.Events[event.ChangeID] = append([]*models.WorkflowEvent{&copyEvent}, state.Events[event.ChangeID]...)
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(event)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, s.key("events", event.ChangeID), raw).Err()
}

// ListEvents returns workflow events for a change, newest first.
func (s *RedisStorage) ListEvents(ctx context.Context, changeID string, limit int) ([]*models.WorkflowEvent, error) {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}

	raws, err := s.rdb.LRange(ctx, s.key("events", changeID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(raws) == 0 {
		state, loadErr := s.loadDurableState(ctx)
		if loadErr == nil {
			stored := state.Events[changeID]
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
	}

	if limit <= 0 || limit > len(raws) {
		limit = len(raws)
	}

	events := make([]*models.WorkflowEvent, 0, limit)
	for _, raw := range raws[:limit] {
		var e models.WorkflowEvent
		if err := unmarshal(raw, &e); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, nil
}

// CreatePullRequest stores the PR opened for a change.
func (s *RedisStorage) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, pr.ChangeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyPR := *pr
		state.PullRequests[pr.ChangeID] = &copyPR
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(pr)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("pr", pr.ChangeID), raw, 0).Err()
}

// GetPullRequestByChange retrieves the PR for a change.
func (s *RedisStorage) GetPullRequestByChange(ctx context.Context, changeID string) (*models.PullRequest, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.rdb.Get(ctx, s.key("pr", changeID)).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil {
				if pr, ok := state.PullRequests[changeID]; ok {
					copyPR := *pr
					return &copyPR, nil
				}
			}
			return nil, ErrPullRequestNotFound
		}
		return nil, err
	}

	var pr models.PullRequest
	if err := unmarshal(raw, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// UpdatePullRequest replaces a stored PR.
func (s *RedisStorage) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetPullRequestByChange(ctx, pr.ChangeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyPR := *pr
		state.PullRequests[pr.ChangeID] = &copyPR
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(pr)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("pr", pr.ChangeID), raw, 0).Err()
}

// UpsertCheckRun records or replaces a status check result by name.
func (s *RedisStorage) UpsertCheckRun(ctx context.Context, changeID string, check *models.CheckRun) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyCheck := *check
		runs := state.CheckRuns[changeID]
		for i, existing := range runs {
			if existing.Name == check.Name {
				runs[i] = &copyCheck
				return nil
			}
		}
		state.CheckRuns[changeID] = append(runs, &copyCheck)
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(check)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("checks", changeID), check.Name, raw).Err()
}

// ListCheckRuns returns all recorded status checks for a change.
func (s *RedisStorage) ListCheckRuns(ctx context.Context, changeID string) ([]*models.CheckRun, error) {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}

	raws, err := s.rdb.HGetAll(ctx, s.key("checks", changeID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(raws) == 0 {
		state, loadErr := s.loadDurableState(ctx)
		if loadErr == nil {
			stored := state.CheckRuns[changeID]
			result := make([]*models.CheckRun, 0, len(stored))
			for _, c := range stored {
				copyCheck := *c
				result = append(result, &copyCheck)
			}
			return result, nil
		}
	}

	result := make([]*models.CheckRun, 0, len(raws))
	for _, raw := range raws {
		var c models.CheckRun
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	return result, nil
}

// ResetCheckRuns clears recorded check results, e.g. after a re-push.
func (s *RedisStorage) ResetCheckRuns(ctx context.Context, changeID string) error {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		delete(state.CheckRuns, changeID)
		return nil
	}); err != nil {
		return err
	}

	return s.rdb.Del(ctx, s.key("checks", changeID)).Err()
}

// GetBranchProtection returns the active protection settings.
func (s *RedisStorage) GetBranchProtection(ctx context.Context) (*models.BranchProtection, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.rdb.Get(ctx, s.key("protection")).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil && state.Protection != nil {
				copyProtection := *state.Protection
				return &copyProtection, nil
			}
			return models.DefaultBranchProtection(), nil
		}
		return nil, err
	}

	var protection models.BranchProtection
	if err := unmarshal(raw, &protection); err != nil {
		return nil, err
	}
	return &protection, nil
}

// PutBranchProtection replaces the protection settings.
func (s *RedisStorage) PutBranchProtection(ctx context.Context, protection *models.BranchProtection) error {
	ctx = ensureCtx(ctx)
	if protection == nil || protection.Mainline == "" {
		return ErrInvalidInput
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		copyProtection := *protection
		state.Protection = &copyProtection
		return nil
	}); err != nil {
		return err
	}

	raw, err := marshal(protection)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("protection"), raw, 0).Err()
}

// GetMainlineState retrieves the mainline snapshot.
func (s *RedisStorage) GetMainlineState(ctx context.Context) (*models.MainlineState, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.rdb.Get(ctx, s.key("mainline")).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil && state.Mainline != nil {
				copyState := *state.Mainline
				return &copyState, nil
			}
			return &models.MainlineState{History: []*models.MergeRecord{}}, nil
		}
		return nil, err
	}

	var state models.MainlineState
	if err := unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateMainlineState replaces the stored mainline snapshot, merging histories
// so that concurrent writers never drop merge records.
func (s *RedisStorage) UpdateMainlineState(ctx context.Context, state *models.MainlineState) error {
	ctx = ensureCtx(ctx)
	if state == nil {
		return ErrInvalidInput
	}

	key := s.key("mainline")
	attempts := 0
	var mergedResult *models.MainlineState
	for {
		attempts++
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var current *models.MainlineState
			raw, err := tx.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				var existing models.MainlineState
				if err := unmarshal(raw, &existing); err != nil {
					return err
				}
				current = &existing
			}

			merged := mergeMainlineStates(state, current)
			rawMerged, err := marshal(merged)
			if err != nil {
				return err
			}

			mergedResult = merged
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, key, rawMerged, 0).Err()
			})
			return err
		}, key)

		if err == nil {
			break
		}
		if err == redis.TxFailedErr && attempts < 5 {
			continue
		}
		return err
	}

	snapshot := state
	if mergedResult != nil {
		snapshot = mergedResult
	}

	return s.withDurableState(ctx, func(durable *durableState) error {
		copyState := *snapshot
		durable.Mainline = &copyState
		return nil
	})
}

func mergeMainlineStates(incoming, current *models.MainlineState) *models.MainlineState {
	merged := &models.MainlineState{
		HeadCommitHash: incoming.HeadCommitHash,
		Timestamp:      incoming.Timestamp,
		History:        make([]*models.MergeRecord, 0, len(incoming.History)),
	}

	seen := make(map[string]struct{})
	for _, record := range incoming.History {
		if record == nil {
			continue
		}
		copyRecord := *record
		merged.History = append(merged.History, &copyRecord)
		seen[record.CommitHash] = struct{}{}
	}

	if current != nil {
		for _, record := range current.History {
			if record == nil {
				continue
			}
			if _, ok := seen[record.CommitHash]; ok {
				continue
			}
			copyRecord := *record
			merged.History = append(merged.History, &copyRecord)
		}

		if merged.HeadCommitHash == "" {
			merged.HeadCommitHash = current.HeadCommitHash
		}
		if merged.Timestamp.IsZero() {
			merged.Timestamp = current.Timestamp
		}
	}

	return merged
}

// Ping validates the Redis connection and object store accessibility.
func (s *RedisStorage) Ping(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	// Verify object store is reachable via a small round trip.
	healthKey := s.key("healthcheck")
	if err := s.objectStore.PutObject(ctx, healthKey, []byte("ok")); err != nil {
		return err
	}
	_, err := s.objectStore.GetObject(ctx, healthKey)
	_ = s.objectStore.DeleteObject(ctx, healthKey)
	return err
}
