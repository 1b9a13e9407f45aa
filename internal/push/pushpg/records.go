// Package pushpg stores push records in Postgres.
package pushpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repo"
)

var _ push.Records = (*Records)(nil)

type Records struct {
	DB *pgxpool.Pool // required
}

func NewRecords(db *pgxpool.Pool) *Records {
	return &Records{DB: db}
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `
	id, project_key, repository_slug, repository_kind, repository_owner, login,
	status, ref, commit_hash, job_id, failure_reason, created_at, updated_at
`

func (s *Records) Reserve(ctx context.Context, params *push.ReserveParams) (*push.Record, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = lockRepository(ctx, tx, params.Repository); err != nil {
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}
	if params.Limit > 0 {
		n, err := submissions(ctx, tx, params.Repository)
		if err != nil {
			return nil, fmt.Errorf("pushpg.Records: %w", err)
		}
		if n >= params.Limit {
			return nil, push.ErrLimitExceeded
		}
	}

	query := `
		INSERT INTO pushes (id, project_key, repository_slug, repository_kind, repository_owner, login, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING ` + recordColumns
	args := []any{
		uuid.New(), params.Repository.ProjectKey, params.Repository.Slug,
		string(params.Repository.Kind), params.Repository.Owner, params.Login,
	}
	rows, _ := tx.Query(ctx, query, args...)
	r, err := pgx.CollectExactlyOneRow(rows, rowToRecord)
	if err != nil {
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}
	return r, nil
}

func (s *Records) Submissions(ctx context.Context, id repo.Identity) (int, error) {
	n, err := submissions(ctx, s.DB, id)
	if err != nil {
		return 0, fmt.Errorf("pushpg.Records: %w", err)
	}
	return n, nil
}

func (s *Records) MarkAccepted(ctx context.Context, id uuid.UUID, ref, commitHash string) error {
	query := `
		UPDATE pushes
		SET ref = $2, commit_hash = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	return s.update(ctx, query, id, ref, commitHash)
}

func (s *Records) MarkQueued(ctx context.Context, id uuid.UUID, ref, commitHash string, jobID uuid.UUID) error {
	query := `
		UPDATE pushes
		SET status = 'queued', ref = $2, commit_hash = $3, job_id = $4, updated_at = now()
		WHERE id = $1
	`
	return s.update(ctx, query, id, ref, commitHash, jobID)
}

func (s *Records) MarkFailed(ctx context.Context, id uuid.UUID, ref, commitHash, reason string) error {
	query := `
		UPDATE pushes
		SET status = 'failed', ref = $2, commit_hash = $3, failure_reason = $4, updated_at = now()
		WHERE id = $1
	`
	return s.update(ctx, query, id, ref, commitHash, reason)
}

func (s *Records) MarkDiscarded(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE pushes
		SET status = 'discarded', failure_reason = $2, updated_at = now()
		WHERE id = $1
	`
	return s.update(ctx, query, id, reason)
}

func (s *Records) Record(ctx context.Context, id uuid.UUID) (*push.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM pushes WHERE id = $1`
	rows, _ := s.DB.Query(ctx, query, id)
	r, err := pgx.CollectExactlyOneRow(rows, rowToRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, push.ErrNotFound
		}
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}
	return r, nil
}

func (s *Records) Pending(ctx context.Context, before time.Time) ([]*push.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM pushes
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at, id
	`
	rows, _ := s.DB.Query(ctx, query, before)
	records, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, fmt.Errorf("pushpg.Records: %w", err)
	}
	return records, nil
}

func (s *Records) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.DB.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("pushpg.Records: unknown job: %w", err)
		}
		return fmt.Errorf("pushpg.Records: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrNotFound
	}
	return nil
}

// lockRepository takes the row lock that serializes reservations for id
// until the transaction ends.
func lockRepository(ctx context.Context, db executor, id repo.Identity) error {
	query := `
		INSERT INTO repository_locks (project_key, repository_slug)
		VALUES ($1, $2)
		ON CONFLICT (project_key, repository_slug) DO UPDATE SET locked_at = now()
	`
	_, err := db.Exec(ctx, query, id.ProjectKey, id.Slug)
	return err
}

func submissions(ctx context.Context, db executor, id repo.Identity) (int, error) {
	query := `
		SELECT count(*)
		FROM pushes
		WHERE project_key = $1 AND repository_slug = $2 AND status IN ('pending', 'queued', 'failed')
	`
	var n int
	if err := db.QueryRow(ctx, query, id.ProjectKey, id.Slug).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func rowToRecord(collectable pgx.CollectableRow) (*push.Record, error) {
	type row struct {
		ID              uuid.UUID  `db:"id"`
		ProjectKey      string     `db:"project_key"`
		RepositorySlug  string     `db:"repository_slug"`
		RepositoryKind  string     `db:"repository_kind"`
		RepositoryOwner string     `db:"repository_owner"`
		Login           string     `db:"login"`
		Status          string     `db:"status"`
		Ref             string     `db:"ref"`
		CommitHash      string     `db:"commit_hash"`
		JobID           *uuid.UUID `db:"job_id"`
		FailureReason   string     `db:"failure_reason"`
		CreatedAt       time.Time  `db:"created_at"`
		UpdatedAt       time.Time  `db:"updated_at"`
	}

	collectableRow, err := pgx.RowToStructByName[row](collectable)
	if err != nil {
		return nil, err
	}

	kind, known := repo.KindFromString(collectableRow.RepositoryKind)
	if !known {
		return nil, fmt.Errorf("unknown repository kind %q", collectableRow.RepositoryKind)
	}

	return &push.Record{
		ID: collectableRow.ID,
		Repository: repo.Identity{
			ProjectKey: collectableRow.ProjectKey,
			Slug:       collectableRow.RepositorySlug,
			Kind:       kind,
			Owner:      collectableRow.RepositoryOwner,
		},
		Login:         collectableRow.Login,
		Status:        push.Status(collectableRow.Status),
		Ref:           collectableRow.Ref,
		CommitHash:    collectableRow.CommitHash,
		JobID:         collectableRow.JobID,
		FailureReason: collectableRow.FailureReason,
		CreatedAt:     collectableRow.CreatedAt,
		UpdatedAt:     collectableRow.UpdatedAt,
	}, nil
}
