// Package push turns accepted pushes into build jobs.
//
// A push is recorded as pending before the pack is received. Once Git has
// accepted it, its ref and commit are stored and the record is processed
// asynchronously, one push of a repository at a time. It ends up queued with
// a build job or failed with a reason. Pushes still pending when the gateway
// stopped are picked up by Recover. Nothing the client pushed is dropped
// without a record.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/repo"
)

var (
	ErrLimitExceeded = errors.New("submission limit exceeded")
	ErrNotFound      = errors.New("push not found")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// Record is one push as seen by the gateway.
type Record struct {
	ID            uuid.UUID
	Repository    repo.Identity
	Login         string
	Status        Status
	Ref           string
	CommitHash    string
	JobID         *uuid.UUID
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReserveParams struct {
	Repository repo.Identity // required
	Login      string        // required
	Limit      int           // 0 means unlimited
}

// Records stores push records. Reserve is serialized per repository,
// so two concurrent pushes can't both take the last submission.
type Records interface {
	// Reserve records a pending push. It returns ErrLimitExceeded when the
	// repository already has Limit submissions.
	Reserve(ctx context.Context, params *ReserveParams) (*Record, error)
	// Submissions counts the pushes of a repository that count towards the limit.
	Submissions(ctx context.Context, id repo.Identity) (int, error)
	// MarkAccepted stores the ref and commit Git accepted for a pending push.
	MarkAccepted(ctx context.Context, id uuid.UUID, ref, commitHash string) error
	MarkQueued(ctx context.Context, id uuid.UUID, ref, commitHash string, jobID uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, ref, commitHash, reason string) error
	MarkDiscarded(ctx context.Context, id uuid.UUID, reason string) error
	Record(ctx context.Context, id uuid.UUID) (*Record, error)
	// Pending returns the pending pushes created before the given time,
	// oldest first.
	Pending(ctx context.Context, before time.Time) ([]*Record, error)
}

// Event is a push accepted by Git.
type Event struct {
	Repository repo.Identity // as parsed from the path, before Refine
	Ref        string
	CommitHash string
}

type Processor struct {
	Directory platform.Directory  // required
	Queue     buildqueue.Queue    // required
	Records   Records             // required
	Notifier  buildqueue.Notifier // optional
	BaseDir   string              // required, repositories base path

	wg     sync.WaitGroup
	mu     sync.Mutex
	chains map[string][]func() // per repository, the first one is running
}

// SubmissionLimit returns the limit that applies to pushes to id, or 0.
// Only student assignments are limited.
func SubmissionLimit(id repo.Identity, exercise *platform.Exercise) int {
	if id.Kind != repo.KindAssignment {
		return 0
	}
	return exercise.SubmissionLimit
}

// CheckLimit returns ErrLimitExceeded when id can't take another submission.
func (p *Processor) CheckLimit(ctx context.Context, id repo.Identity, exercise *platform.Exercise) error {
	limit := SubmissionLimit(id, exercise)
	if limit <= 0 {
		return nil
	}
	n, err := p.Records.Submissions(ctx, id)
	if err != nil {
		return fmt.Errorf("push.Processor: %w", err)
	}
	if n >= limit {
		return ErrLimitExceeded
	}
	return nil
}

// Reserve records a pending push to id by login.
func (p *Processor) Reserve(ctx context.Context, id repo.Identity, exercise *platform.Exercise, login string) (*Record, error) {
	rec, err := p.Records.Reserve(ctx, &ReserveParams{
		Repository: id,
		Login:      login,
		Limit:      SubmissionLimit(id, exercise),
	})
	if errors.Is(err, ErrLimitExceeded) {
		return nil, ErrLimitExceeded
	} else if err != nil {
		return nil, fmt.Errorf("push.Processor: %w", err)
	}
	return rec, nil
}

// Discard marks a reserved push that Git didn't accept.
func (p *Processor) Discard(ctx context.Context, rec *Record, reason string) {
	if err := p.Records.MarkDiscarded(ctx, rec.ID, reason); err != nil {
		slog.Error("didn't discard push", "push_id", rec.ID, "err", err)
	}
}

// Accept stores the ref and commit of an accepted push and processes it in
// the background after the pushes accepted earlier for the same repository.
// It doesn't wait for the job to be enqueued, use Wait for that.
func (p *Processor) Accept(ctx context.Context, rec *Record, ev *Event) {
	ctx = context.WithoutCancel(ctx)
	if err := p.Records.MarkAccepted(ctx, rec.ID, ev.Ref, ev.CommitHash); err != nil {
		slog.Error("didn't mark push accepted", "push_id", rec.ID, "err", err)
	}
	p.schedule(ev.Repository.String(), func() {
		if err := p.Process(ctx, rec, ev); err != nil {
			slog.Error(
				"didn't process push",
				"push_id", rec.ID,
				"repository", ev.Repository.String(),
				"ref", ev.Ref,
				"commit", ev.CommitHash,
				"err", err,
			)
		}
	})
}

// schedule runs fn after the functions scheduled earlier for key.
func (p *Processor) schedule(key string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chains == nil {
		p.chains = make(map[string][]func())
	}
	chain, running := p.chains[key]
	p.chains[key] = append(chain, fn)
	if running {
		return
	}
	p.wg.Add(1)
	go p.drain(key)
}

func (p *Processor) drain(key string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		fn := p.chains[key][0]
		p.mu.Unlock()

		fn()

		p.mu.Lock()
		chain := p.chains[key][1:]
		if len(chain) == 0 {
			delete(p.chains, key)
			p.mu.Unlock()
			return
		}
		p.chains[key] = chain
		p.mu.Unlock()
	}
}

// Recover processes the pushes left pending by a gateway that stopped
// before it finished them. Pushes interrupted before Git reported are
// marked failed. It returns how many pushes were processed.
func (p *Processor) Recover(ctx context.Context, before time.Time) (int, error) {
	recs, err := p.Records.Pending(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("push.Processor: %w", err)
	}
	n := 0
	for _, rec := range recs {
		log := slog.With("push_id", rec.ID, "repository", rec.Repository.String())
		switch {
		case rec.CommitHash == "":
			log.Warn("failing interrupted push")
			if err = p.Records.MarkFailed(ctx, rec.ID, "", "", "interrupted before Git reported"); err != nil {
				return n, fmt.Errorf("push.Processor: %w", err)
			}
		default:
			log.Info("recovering push", "ref", rec.Ref, "commit", rec.CommitHash)
			ev := &Event{Repository: rec.Repository, Ref: rec.Ref, CommitHash: rec.CommitHash}
			if err = p.Process(ctx, rec, ev); err != nil {
				log.Error("didn't process push", "err", err)
			}
			n++
		}
	}
	return n, nil
}

// Wait blocks until every accepted push is processed.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Process enqueues the build jobs of an accepted push and updates its record.
// Failures are recorded on the push before they are returned.
func (p *Processor) Process(ctx context.Context, rec *Record, ev *Event) error {
	jobID, err := p.enqueue(ctx, ev)
	if err != nil {
		if markErr := p.Records.MarkFailed(ctx, rec.ID, ev.Ref, ev.CommitHash, failureReason(err)); markErr != nil {
			slog.Error("didn't mark push failed", "push_id", rec.ID, "err", markErr)
		}
		return fmt.Errorf("push.Processor: %w", err)
	}
	if err = p.Records.MarkQueued(ctx, rec.ID, ev.Ref, ev.CommitHash, jobID); err != nil {
		return fmt.Errorf("push.Processor: %w", err)
	}
	if p.Notifier != nil {
		if err = p.Notifier.JobQueued(ctx); err != nil {
			// Agents poll as well, the job is picked up later.
			slog.Warn("didn't notify agents", "job_id", jobID, "err", err)
		}
	}
	return nil
}

func (p *Processor) enqueue(ctx context.Context, ev *Event) (uuid.UUID, error) {
	exercise, err := p.Directory.Exercise(ctx, ev.Repository.ProjectKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("exercise: %w", err)
	}
	id := ev.Repository.Refine(exercise.AuxiliaryNames(), false)

	if id.Kind == repo.KindTests || id.Kind == repo.KindAuxiliary {
		return p.enqueueContentBuilds(ctx, exercise)
	}

	participation, err := p.Directory.Participation(ctx, exercise, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("participation: %w", err)
	}
	if id.Kind == repo.KindAssignment && participation.TestRun {
		id.Kind = repo.KindInstructorAssignment
	}

	commit := p.commitInfo(ctx, id, ev)

	job, err := p.Queue.Enqueue(ctx, &buildqueue.EnqueueParams{
		Repository:      id,
		CommitHash:      ev.CommitHash,
		Commit:          commit,
		ExerciseID:      exercise.ID,
		CourseID:        exercise.Course.ID,
		ParticipationID: participation.ID,
		Priority:        priority(id, exercise),
		Config:          exercise.BuildConfig(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("enqueued build job", "job_id", job.ID, "repository", id.String(), "commit", ev.CommitHash)
	return job.ID, nil
}

// commitInfo returns the metadata of the pushed commit or nil.
func (p *Processor) commitInfo(ctx context.Context, id repo.Identity, ev *Event) *buildqueue.Commit {
	dir := id.Dir(p.BaseDir)
	log := slog.With("repository", id.String(), "commit", ev.CommitHash)
	if !gitrepo.HasObject(ctx, dir, ev.CommitHash) {
		log.Warn("didn't find pushed commit")
		return nil
	}
	commit, err := gitrepo.CommitInfo(ctx, dir, ev.CommitHash)
	if err != nil {
		log.Warn("didn't resolve commit", "err", err)
		return nil
	}
	commit.Branch = strings.TrimPrefix(ev.Ref, "refs/heads/")
	return commit
}

// enqueueContentBuilds rebuilds the solution and then the template at the
// tip of their default branch. It returns the solution job.
func (p *Processor) enqueueContentBuilds(ctx context.Context, exercise *platform.Exercise) (uuid.UUID, error) {
	var first uuid.UUID
	for _, target := range []struct {
		id              repo.Identity
		participationID int64
	}{
		{repo.Solution(exercise.ProjectKey), exercise.SolutionParticipationID},
		{repo.Template(exercise.ProjectKey), exercise.TemplateParticipationID},
	} {
		job, err := p.Queue.Enqueue(ctx, &buildqueue.EnqueueParams{
			Repository:      target.id,
			ExerciseID:      exercise.ID,
			CourseID:        exercise.Course.ID,
			ParticipationID: target.participationID,
			Priority:        buildqueue.PriorityNormal,
			Config:          exercise.BuildConfig(),
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("enqueue %s: %w", target.id.String(), err)
		}
		slog.Info("enqueued build job", "job_id", job.ID, "repository", target.id.String())
		if first == uuid.Nil {
			first = job.ID
		}
	}
	return first, nil
}

func priority(id repo.Identity, exercise *platform.Exercise) int {
	switch {
	case exercise.Exam:
		return buildqueue.PriorityHigh
	case id.Kind == repo.KindPractice:
		return buildqueue.PriorityLow
	default:
		return buildqueue.PriorityNormal
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, platform.ErrNoParticipation):
		return "no participation"
	case errors.Is(err, platform.ErrNotFound):
		return "exercise not found"
	default:
		return err.Error()
	}
}
