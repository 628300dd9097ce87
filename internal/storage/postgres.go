package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/boku-engineer/changeflow/internal/models"
)

var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage implements the Storage interface on top of Postgres via the
// pgx stdlib driver. Schema is managed by the goose migrations in
// pkg/migration.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a Postgres-backed storage implementation.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// CreateChange persists a new change.
func (s *PostgresStorage) CreateChange(ctx context.Context, change *models.Change) error {
	if change.ID == "" || change.BranchName == "" {
		return ErrInvalidInput
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM changes WHERE id = $1)", change.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrChangeAlreadyExists
	}

	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM changes WHERE branch_name = $1 AND stage <> $2)",
		change.BranchName, string(models.StageMerged)).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrBranchInUse
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (
			id, feature_name, branch_name, stage, author, base_commit_hash,
			tests_committed, implementation_committed, ci_status,
			review_required, branch_deleted, created_at, merged_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		change.ID, change.FeatureName, change.BranchName, string(change.Stage),
		change.Author, change.BaseCommitHash, change.TestsCommitted,
		change.ImplementationCommitted, string(change.CIStatus),
		change.ReviewRequired, change.BranchDeleted, change.CreatedAt, change.MergedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func scanChange(row interface{ Scan(dest ...any) error }) (*models.Change, error) {
	var change models.Change
	var stage, ciStatus string
	var mergedAt sql.NullTime
	err := row.Scan(&change.ID, &change.FeatureName, &change.BranchName, &stage,
		&change.Author, &change.BaseCommitHash, &change.TestsCommitted,
		&change.ImplementationCommitted, &ciStatus, &change.ReviewRequired,
		&change.BranchDeleted, &change.CreatedAt, &mergedAt)
	if err != nil {
		return nil, err
	}
	change.Stage = models.Stage(stage)
	change.CIStatus = models.CIStatus(ciStatus)
	if mergedAt.Valid {
		t := mergedAt.Time
		change.MergedAt = &t
	}
	return &change, nil
}

const changeColumns = `id, feature_name, branch_name, stage, author, base_commit_hash,
	tests_committed, implementation_committed, ci_status, review_required,
	branch_deleted, created_at, merged_at`

// GetChange retrieves a change by ID.
func (s *PostgresStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE id = $1", changeID)
	change, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChangeNotFound
	}
	return change, err
}

// GetChangeByBranch retrieves the most recent change registered for a branch.
func (s *PostgresStorage) GetChangeByBranch(ctx context.Context, branchName string) (*models.Change, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+changeColumns+" FROM changes WHERE branch_name = $1 ORDER BY created_at DESC LIMIT 1", branchName)
	change, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChangeNotFound
	}
	return change, err
}

// ListChanges returns changes, optionally filtered by stage and limited.
func (s *PostgresStorage) ListChanges(ctx context.Context, stage *models.Stage, limit int) ([]*models.Change, error) {
	query := "SELECT " + changeColumns + " FROM changes"
	args := []any{}
	if stage != nil {
		query += " WHERE stage = $1"
		args = append(args, string(*stage))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		if stage != nil {
			query += " LIMIT $2"
		} else {
			query += " LIMIT $1"
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

// UpdateChange replaces a stored change.
func (s *PostgresStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE changes SET
			feature_name = $2, branch_name = $3, stage = $4, author = $5,
			base_commit_hash = $6, tests_committed = $7,
			implementation_committed = $8, ci_status = $9,
			review_required = $10, branch_deleted = $11, merged_at = $12
		WHERE id = $1`,
		change.ID, change.FeatureName, change.BranchName, string(change.Stage),
		change.Author, change.BaseCommitHash, change.TestsCommitted,
		change.ImplementationCommitted, string(change.CIStatus),
		change.ReviewRequired, change.BranchDeleted, change.MergedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChangeNotFound
	}
	return nil
}

func (s *PostgresStorage) changeExists(ctx context.Context, changeID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM changes WHERE id = $1)", changeID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrChangeNotFound
	}
	return nil
}

// AddChangeCommit appends a commit to the change's history.
func (s *PostgresStorage) AddChangeCommit(ctx context.Context, changeID string, commit *models.ChangeCommit) error {
	if err := s.changeExists(ctx, changeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_commits (change_id, commit_hash, parent_hash, kind, message, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		changeID, commit.CommitHash, commit.ParentHash, string(commit.Kind), commit.Message, commit.Timestamp)
	return err
}

// ListChangeCommits returns commits for a change, newest first.
func (s *PostgresStorage) ListChangeCommits(ctx context.Context, changeID string, limit int) ([]*models.ChangeCommit, error) {
	if err := s.changeExists(ctx, changeID); err != nil {
		return nil, err
	}

	query := `SELECT commit_hash, parent_hash, kind, message, committed_at
		FROM change_commits WHERE change_id = $1 ORDER BY id DESC`
	args := []any{changeID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*models.ChangeCommit{}
	for rows.Next() {
		var c models.ChangeCommit
		var kind string
		if err := rows.Scan(&c.CommitHash, &c.ParentHash, &kind, &c.Message, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Kind = models.CommitKind(kind)
		result = append(result, &c)
	}
	return result, rows.Err()
}

// AppendEvent appends a workflow event to the change's audit trail.
func (s *PostgresStorage) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	if err := s.changeExists(ctx, event.ChangeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (change_id, from_stage, to_stage, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ChangeID, string(event.From), string(event.To), event.Note, event.Timestamp)
	return err
}

// ListEvents returns workflow events for a change, newest first.
func (s *PostgresStorage) ListEvents(ctx context.Context, changeID string, limit int) ([]*models.WorkflowEvent, error) {
	if err := s.changeExists(ctx, changeID); err != nil {
		return nil, err
	}

	query := `SELECT change_id, from_stage, to_stage, note, occurred_at
		FROM workflow_events WHERE change_id = $1 ORDER BY id DESC`
	args := []any{changeID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*models.WorkflowEvent{}
	for rows.Next() {
		var e models.WorkflowEvent
		var from, to string
		if err := rows.Scan(&e.ChangeID, &from, &to, &e.Note, &e.Timestamp); err != nil {
			return nil, err
		}
		e.From = models.Stage(from)
		e.To = models.Stage(to)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// CreatePullRequest stores the PR opened for a change.
func (s *PostgresStorage) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	if err := s.changeExists(ctx, pr.ChangeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_requests (change_id, id, title, body, branch_name, status, created_at, merged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pr.ChangeID, pr.ID, pr.Title, pr.Body, pr.BranchName, string(pr.Status), pr.CreatedAt, pr.MergedAt)
	return err
}

// GetPullRequestByChange retrieves the PR for a change.
func (s *PostgresStorage) GetPullRequestByChange(ctx context.Context, changeID string) (*models.PullRequest, error) {
	var pr models.PullRequest
	var status string
	var mergedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT change_id, id, title, body, branch_name, status, created_at, merged_at
		FROM pull_requests WHERE change_id = $1`, changeID).
		Scan(&pr.ChangeID, &pr.ID, &pr.Title, &pr.Body, &pr.BranchName, &status, &pr.CreatedAt, &mergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPullRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Status = models.PRStatus(status)
	if mergedAt.Valid {
		t := mergedAt.Time
		pr.MergedAt = &t
	}
	return &pr, nil
}

// UpdatePullRequest replaces a stored PR.
func (s *PostgresStorage) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests SET id = $2, title = $3, body = $4, branch_name = $5, status = $6, merged_at = $7
		WHERE change_id = $1`,
		pr.ChangeID, pr.ID, pr.Title, pr.Body, pr.BranchName, string(pr.Status), pr.MergedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPullRequestNotFound
	}
	return nil
}

// UpsertCheckRun records or replaces a status check result by name.
func (s *PostgresStorage) UpsertCheckRun(ctx context.Context, changeID string, check *models.CheckRun) error {
	if err := s.changeExists(ctx, changeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO check_runs (change_id, name, status, required, details_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (change_id, name)
		DO UPDATE SET status = EXCLUDED.status, required = EXCLUDED.required, details_url = EXCLUDED.details_url`,
		changeID, check.Name, string(check.Status), check.Required, check.DetailsURL)
	return err
}

// ListCheckRuns returns all recorded status checks for a change.
func (s *PostgresStorage) ListCheckRuns(ctx context.Context, changeID string) ([]*models.CheckRun, error) {
	if err := s.changeExists(ctx, changeID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, status, required, details_url FROM check_runs WHERE change_id = $1 ORDER BY name", changeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*models.CheckRun{}
	for rows.Next() {
		var c models.CheckRun
		var status string
		if err := rows.Scan(&c.Name, &status, &c.Required, &c.DetailsURL); err != nil {
			return nil, err
		}
		c.Status = models.CIStatus(status)
		result = append(result, &c)
	}
	return result, rows.Err()
}

// ResetCheckRuns clears recorded check results, e.g. after a re-push.
func (s *PostgresStorage) ResetCheckRuns(ctx context.Context, changeID string) error {
	if err := s.changeExists(ctx, changeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM check_runs WHERE change_id = $1", changeID)
	return err
}

// GetBranchProtection returns the active protection settings.
func (s *PostgresStorage) GetBranchProtection(ctx context.Context) (*models.BranchProtection, error) {
	var p models.BranchProtection
	var checksRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT mainline, required_checks, require_review, enforce_admins, allow_force_push, allow_deletion
		FROM branch_protection`).
		Scan(&p.Mainline, &checksRaw, &p.RequireReview, &p.EnforceAdmins, &p.AllowForcePush, &p.AllowDeletion)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultBranchProtection(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(checksRaw, &p.RequiredChecks); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutBranchProtection replaces the protection settings.
func (s *PostgresStorage) PutBranchProtection(ctx context.Context, protection *models.BranchProtection) error {
	if protection == nil || protection.Mainline == "" {
		return ErrInvalidInput
	}
	checksRaw, err := json.Marshal(protection.RequiredChecks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_protection (singleton, mainline, required_checks, require_review, enforce_admins, allow_force_push, allow_deletion)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (singleton)
		DO UPDATE SET mainline = EXCLUDED.mainline, required_checks = EXCLUDED.required_checks,
			require_review = EXCLUDED.require_review, enforce_admins = EXCLUDED.enforce_admins,
			allow_force_push = EXCLUDED.allow_force_push, allow_deletion = EXCLUDED.allow_deletion`,
		protection.Mainline, checksRaw, protection.RequireReview,
		protection.EnforceAdmins, protection.AllowForcePush, protection.AllowDeletion)
	return err
}

// GetMainlineState retrieves the mainline snapshot.
func (s *PostgresStorage) GetMainlineState(ctx context.Context) (*models.MainlineState, error) {
	state := &models.MainlineState{History: []*models.MergeRecord{}}

	err := s.db.QueryRowContext(ctx,
		"SELECT head_commit_hash, updated_at FROM mainline_state").
		Scan(&state.HeadCommitHash, &state.Timestamp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT commit_hash, change_id, branch_name, merged_at FROM merge_records ORDER BY merged_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r models.MergeRecord
		if err := rows.Scan(&r.CommitHash, &r.ChangeID, &r.BranchName, &r.Timestamp); err != nil {
			return nil, err
		}
		state.History = append(state.History, &r)
	}
	return state, rows.Err()
}

// UpdateMainlineState replaces the mainline snapshot and records any new
// merge records.
func (s *PostgresStorage) UpdateMainlineState(ctx context.Context, state *models.MainlineState) error {
	if state == nil {
		return ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := state.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mainline_state (singleton, head_commit_hash, updated_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton)
		DO UPDATE SET head_commit_hash = EXCLUDED.head_commit_hash, updated_at = EXCLUDED.updated_at`,
		state.HeadCommitHash, ts)
	if err != nil {
		return err
	}

	for _, record := range state.History {
		if record == nil {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO merge_records (commit_hash, change_id, branch_name, merged_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (commit_hash) DO NOTHING`,
			record.CommitHash, record.ChangeID, record.BranchName, record.Timestamp)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Ping checks if the database is accessible.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
