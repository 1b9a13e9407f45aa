// Package buildqueuepg is the cluster-wide buildqueue.Store backed by Postgres.
//
// Dequeueing relies on FOR UPDATE SKIP LOCKED, so any number of agents can
// poll the same table without handing one job to two of them.
package buildqueuepg

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

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/repo"
)

var _ buildqueue.Store = (*Store)(nil)

type Store struct {
	DB *pgxpool.Pool // required
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

type executor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const jobColumns = `
	id, project_key, repository_slug, repository_kind, repository_owner,
	commit_hash, commit,
	exercise_id, course_id, participation_id,
	priority, retry_count, config,
	status, agent_name, enqueued_at, started_at
`

const resultColumns = `
	job_id, commit_hash, success, tests,
	log_excerpt, log_key, duration_ns, parse_error, diagnostic,
	completed_at, delivered_at
`

func (s *Store) Enqueue(ctx context.Context, params *buildqueue.EnqueueParams) (*buildqueue.Job, error) {
	priority := params.Priority
	if priority == 0 {
		priority = buildqueue.PriorityNormal
	}

	query := `
		INSERT INTO build_jobs (
			id, project_key, repository_slug, repository_kind, repository_owner,
			commit_hash, commit,
			exercise_id, course_id, participation_id,
			priority, config, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'queued')
		RETURNING ` + jobColumns
	args := []any{
		uuid.New(), params.Repository.ProjectKey, params.Repository.Slug, string(params.Repository.Kind), params.Repository.Owner,
		params.CommitHash, params.Commit,
		params.ExerciseID, params.CourseID, params.ParticipationID,
		priority, params.Config,
	}

	rows, _ := s.DB.Query(ctx, query, args...)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return j, nil
}

// TryDequeue skips a job while an earlier job of the same repository is
// queued or any job of the same repository is processing, so pushes to one
// repository are built in push order.
func (s *Store) TryDequeue(ctx context.Context, agentName string) (*buildqueue.Job, error) {
	query := `
		UPDATE build_jobs
		SET status = 'processing', agent_name = $1, started_at = now()
		WHERE id = (
			SELECT j.id
			FROM build_jobs j
			WHERE j.status = 'queued'
				AND NOT EXISTS (
					SELECT 1
					FROM build_jobs o
					WHERE o.project_key = j.project_key
						AND o.repository_slug = j.repository_slug
						AND o.id <> j.id
						AND (o.status = 'processing' OR (o.status = 'queued' AND o.seq < j.seq))
				)
			ORDER BY j.priority, j.seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	args := []any{agentName}

	rows, _ := s.DB.Query(ctx, query, args...)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, buildqueue.ErrEmpty
	} else if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return j, nil
}

func (s *Store) Complete(ctx context.Context, agentName string, result *buildqueue.Result) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = completeJob(ctx, tx, result.JobID, agentName); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	if err = createResult(ctx, tx, result); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, agentName string, jobID uuid.UUID, reason string) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE build_jobs
		SET retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing' AND agent_name = $2
		RETURNING retry_count
	`
	args := []any{jobID, agentName}

	rows, _ := tx.Query(ctx, query, args...)
	retryCount, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int])
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("buildqueuepg.Store: %w", processingError(ctx, tx, jobID))
	} else if err != nil {
		return false, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	requeued := retryCount <= buildqueue.MaxRetries
	if requeued {
		_, err = tx.Exec(ctx, `UPDATE build_jobs SET status = 'queued', agent_name = NULL, started_at = NULL WHERE id = $1`, jobID)
	} else {
		err = completeJob(ctx, tx, jobID, agentName)
		if err == nil {
			err = createResult(ctx, tx, buildqueue.FailedResult(jobID, "giving up after retries: "+reason))
		}
	}
	if err != nil {
		return false, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return requeued, nil
}

func (s *Store) Heartbeat(ctx context.Context, agent *buildqueue.Agent) error {
	runningJobIDs := agent.RunningJobIDs
	if runningJobIDs == nil {
		runningJobIDs = []uuid.UUID{}
	}

	query := `
		INSERT INTO build_agents (name, address, total_capacity, used_capacity, running_job_ids, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (name) DO UPDATE SET
			address = excluded.address,
			total_capacity = excluded.total_capacity,
			used_capacity = excluded.used_capacity,
			running_job_ids = excluded.running_job_ids,
			last_heartbeat = excluded.last_heartbeat
	`
	args := []any{agent.Name, agent.Address, agent.TotalCapacity, agent.UsedCapacity, runningJobIDs}

	if _, err := s.DB.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return nil
}

func (s *Store) RequeueOnAgentFailure(ctx context.Context, agentName string) ([]uuid.UUID, error) {
	query := `
		WITH evicted AS (
			DELETE FROM build_agents WHERE name = $1
		), requeued AS (
			UPDATE build_jobs
			SET status = 'queued', agent_name = NULL, started_at = NULL
			WHERE status = 'processing' AND agent_name = $1
			RETURNING id, seq
		)
		SELECT id FROM requeued ORDER BY seq
	`
	args := []any{agentName}

	rows, _ := s.DB.Query(ctx, query, args...)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return ids, nil
}

func (s *Store) RequeueStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	// Every part of the statement sees the same snapshot, so build_agents
	// still lists the stale agents when the jobs are updated.
	query := `
		WITH stale AS (
			DELETE FROM build_agents
			WHERE last_heartbeat < now() - make_interval(secs => $1)
			RETURNING name
		), requeued AS (
			UPDATE build_jobs
			SET status = 'queued', agent_name = NULL, started_at = NULL
			WHERE status = 'processing'
				AND (
					agent_name IN (SELECT name FROM stale)
					OR agent_name NOT IN (SELECT name FROM build_agents)
				)
			RETURNING id, seq
		)
		SELECT id FROM requeued ORDER BY seq
	`
	args := []any{timeout.Seconds()}

	rows, _ := s.DB.Query(ctx, query, args...)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return ids, nil
}

func (s *Store) Job(ctx context.Context, id uuid.UUID) (*buildqueue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs WHERE id = $1`
	args := []any{id}

	rows, _ := s.DB.Query(ctx, query, args...)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, buildqueue.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return j, nil
}

func (s *Store) QueuedJobs(ctx context.Context) ([]*buildqueue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs WHERE status = 'queued' ORDER BY priority, seq`

	rows, _ := s.DB.Query(ctx, query)
	jobs, err := pgx.CollectRows(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return jobs, nil
}

func (s *Store) RunningJobs(ctx context.Context, courseID *int64) ([]*buildqueue.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM build_jobs
		WHERE status = 'processing' AND ($1::bigint IS NULL OR course_id = $1)
		ORDER BY priority, seq
	`
	args := []any{courseID}

	rows, _ := s.DB.Query(ctx, query, args...)
	jobs, err := pgx.CollectRows(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return jobs, nil
}

func (s *Store) Agents(ctx context.Context) ([]*buildqueue.Agent, error) {
	query := `
		SELECT name, address, total_capacity, used_capacity, running_job_ids, last_heartbeat
		FROM build_agents
		ORDER BY name
	`

	rows, _ := s.DB.Query(ctx, query)
	agents, err := pgx.CollectRows(rows, rowToAgent)
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return agents, nil
}

func (s *Store) Result(ctx context.Context, jobID uuid.UUID) (*buildqueue.Result, error) {
	r, err := getResult(ctx, s.DB, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, buildqueue.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return r, nil
}

// Deliver keeps the result row locked while fn runs, so concurrent
// deliveries of the same result skip it instead of calling fn twice.
func (s *Store) Deliver(ctx context.Context, jobID uuid.UUID, fn func(context.Context, *buildqueue.Job, *buildqueue.Result) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		SELECT ` + resultColumns + `
		FROM build_results
		WHERE job_id = $1 AND delivered_at IS NULL
		FOR UPDATE SKIP LOCKED
	`
	args := []any{jobID}

	rows, _ := tx.Query(ctx, query, args...)
	r, err := pgx.CollectExactlyOneRow(rows, rowToResult)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := getResult(ctx, s.DB, jobID); errors.Is(getErr, pgx.ErrNoRows) {
			return buildqueue.ErrNotFound
		}
		return buildqueue.ErrDelivered
	} else if err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	rows, _ = tx.Query(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE id = $1`, jobID)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	if err = fn(ctx, j, r); err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `UPDATE build_results SET delivered_at = now() WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return nil
}

func (s *Store) Undelivered(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT job_id
		FROM build_results
		WHERE delivered_at IS NULL
		ORDER BY completed_at
		LIMIT $1
	`
	args := []any{limit}

	rows, _ := s.DB.Query(ctx, query, args...)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return ids, nil
}

func (s *Store) TouchImage(ctx context.Context, agentName, image string, at time.Time) error {
	query := `
		INSERT INTO build_agent_images (agent_name, image, last_used_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_name, image) DO UPDATE SET
			last_used_at = greatest(build_agent_images.last_used_at, excluded.last_used_at)
	`
	args := []any{agentName, image, at}

	if _, err := s.DB.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return nil
}

func (s *Store) ImagesUnusedSince(ctx context.Context, agentName string, before time.Time) ([]string, error) {
	query := `
		SELECT image
		FROM build_agent_images
		WHERE agent_name = $1 AND last_used_at < $2
		ORDER BY image
	`
	args := []any{agentName, before}

	rows, _ := s.DB.Query(ctx, query, args...)
	images, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("buildqueuepg.Store: %w", err)
	}

	return images, nil
}

func (s *Store) ForgetImage(ctx context.Context, agentName, image string) error {
	query := `DELETE FROM build_agent_images WHERE agent_name = $1 AND image = $2`
	args := []any{agentName, image}

	if _, err := s.DB.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("buildqueuepg.Store: %w", err)
	}
	return nil
}

func completeJob(ctx context.Context, db executor, jobID uuid.UUID, agentName string) error {
	query := `
		UPDATE build_jobs
		SET status = 'completed'
		WHERE id = $1 AND status = 'processing' AND agent_name = $2
		RETURNING id
	`
	args := []any{jobID, agentName}

	rows, _ := db.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if errors.Is(err, pgx.ErrNoRows) {
		return processingError(ctx, db, jobID)
	}
	return err
}

// processingError explains why jobID isn't processing under the caller.
func processingError(ctx context.Context, db executor, jobID uuid.UUID) error {
	rows, _ := db.Query(ctx, `SELECT status FROM build_jobs WHERE id = $1`, jobID)
	status, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[string])
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return buildqueue.ErrNotFound
	case err != nil:
		return err
	case buildqueue.Status(status) == buildqueue.StatusCompleted:
		return buildqueue.ErrAlreadyCompleted
	default:
		return buildqueue.ErrNotOwned
	}
}

func createResult(ctx context.Context, db executor, r *buildqueue.Result) error {
	tests := r.Tests
	if tests == nil {
		tests = []buildqueue.TestCase{}
	}
	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `
		INSERT INTO build_results (
			job_id, commit_hash, success, tests,
			log_excerpt, log_key, duration_ns, parse_error, diagnostic,
			completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, coalesce($10::timestamptz, now()))
	`
	args := []any{
		r.JobID, r.CommitHash, r.Success, tests,
		r.LogExcerpt, r.LogKey, int64(r.Duration), r.ParseError, r.Diagnostic,
		completedAt,
	}

	_, err := db.Exec(ctx, query, args...)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return buildqueue.ErrAlreadyCompleted
	}
	return err
}

func getResult(ctx context.Context, db executor, jobID uuid.UUID) (*buildqueue.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM build_results WHERE job_id = $1`
	args := []any{jobID}

	rows, _ := db.Query(ctx, query, args...)
	return pgx.CollectExactlyOneRow(rows, rowToResult)
}

func rowToJob(collectable pgx.CollectableRow) (*buildqueue.Job, error) {
	type row struct {
		ID              uuid.UUID          `db:"id"`
		ProjectKey      string             `db:"project_key"`
		RepositorySlug  string             `db:"repository_slug"`
		RepositoryKind  string             `db:"repository_kind"`
		RepositoryOwner string             `db:"repository_owner"`
		CommitHash      string             `db:"commit_hash"`
		Commit          *buildqueue.Commit `db:"commit"`
		ExerciseID      int64              `db:"exercise_id"`
		CourseID        int64              `db:"course_id"`
		ParticipationID int64              `db:"participation_id"`
		Priority        int                `db:"priority"`
		RetryCount      int                `db:"retry_count"`
		Config          buildqueue.Config  `db:"config"`
		Status          string             `db:"status"`
		AgentName       *string            `db:"agent_name"`
		EnqueuedAt      time.Time          `db:"enqueued_at"`
		StartedAt       *time.Time         `db:"started_at"`
	}

	collectableRow, err := pgx.RowToStructByName[row](collectable)
	if err != nil {
		return nil, err
	}

	kind, known := repo.KindFromString(collectableRow.RepositoryKind)
	if !known {
		return nil, fmt.Errorf("unknown repository kind %q", collectableRow.RepositoryKind)
	}
	agentName := ""
	if collectableRow.AgentName != nil {
		agentName = *collectableRow.AgentName
	}

	return &buildqueue.Job{
		ID: collectableRow.ID,
		Repository: repo.Identity{
			ProjectKey: collectableRow.ProjectKey,
			Slug:       collectableRow.RepositorySlug,
			Kind:       kind,
			Owner:      collectableRow.RepositoryOwner,
		},
		CommitHash:      collectableRow.CommitHash,
		Commit:          collectableRow.Commit,
		ExerciseID:      collectableRow.ExerciseID,
		CourseID:        collectableRow.CourseID,
		ParticipationID: collectableRow.ParticipationID,
		Priority:        collectableRow.Priority,
		RetryCount:      collectableRow.RetryCount,
		Config:          collectableRow.Config,
		Status:          buildqueue.Status(collectableRow.Status),
		AgentName:       agentName,
		EnqueuedAt:      collectableRow.EnqueuedAt,
		StartedAt:       collectableRow.StartedAt,
	}, nil
}

func rowToResult(collectable pgx.CollectableRow) (*buildqueue.Result, error) {
	type row struct {
		JobID       uuid.UUID             `db:"job_id"`
		CommitHash  string                `db:"commit_hash"`
		Success     bool                  `db:"success"`
		Tests       []buildqueue.TestCase `db:"tests"`
		LogExcerpt  string                `db:"log_excerpt"`
		LogKey      string                `db:"log_key"`
		DurationNS  int64                 `db:"duration_ns"`
		ParseError  bool                  `db:"parse_error"`
		Diagnostic  string                `db:"diagnostic"`
		CompletedAt time.Time             `db:"completed_at"`
		DeliveredAt *time.Time            `db:"delivered_at"`
	}

	collectableRow, err := pgx.RowToStructByName[row](collectable)
	if err != nil {
		return nil, err
	}

	tests := collectableRow.Tests
	if tests == nil {
		tests = []buildqueue.TestCase{}
	}

	return &buildqueue.Result{
		JobID:       collectableRow.JobID,
		CommitHash:  collectableRow.CommitHash,
		Success:     collectableRow.Success,
		Tests:       tests,
		LogExcerpt:  collectableRow.LogExcerpt,
		LogKey:      collectableRow.LogKey,
		Duration:    time.Duration(collectableRow.DurationNS),
		ParseError:  collectableRow.ParseError,
		Diagnostic:  collectableRow.Diagnostic,
		CompletedAt: collectableRow.CompletedAt,
		DeliveredAt: collectableRow.DeliveredAt,
	}, nil
}

func rowToAgent(collectable pgx.CollectableRow) (*buildqueue.Agent, error) {
	type row struct {
		Name          string      `db:"name"`
		Address       string      `db:"address"`
		TotalCapacity int         `db:"total_capacity"`
		UsedCapacity  int         `db:"used_capacity"`
		RunningJobIDs []uuid.UUID `db:"running_job_ids"`
		LastHeartbeat time.Time   `db:"last_heartbeat"`
	}

	collectableRow, err := pgx.RowToStructByName[row](collectable)
	if err != nil {
		return nil, err
	}

	return &buildqueue.Agent{
		Name:          collectableRow.Name,
		Address:       collectableRow.Address,
		TotalCapacity: collectableRow.TotalCapacity,
		UsedCapacity:  collectableRow.UsedCapacity,
		RunningJobIDs: collectableRow.RunningJobIDs,
		LastHeartbeat: collectableRow.LastHeartbeat,
	}, nil
}
