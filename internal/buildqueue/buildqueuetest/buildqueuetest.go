// Package buildqueuetest runs the behavior every buildqueue.Store must share.
package buildqueuetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/repo"
)

// Run runs the store tests. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T, ctx context.Context) buildqueue.Store) {
	t.Run("dequeues jobs in enqueue order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		first := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		second := enqueue(t, ctx, s, assignment("student2"), buildqueue.PriorityNormal)

		if got, want := dequeue(t, ctx, s, "agent1").ID, first.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := dequeue(t, ctx, s, "agent1").ID, second.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("dequeues jobs by priority", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		low := enqueue(t, ctx, s, repo.Template("PROG1"), buildqueue.PriorityLow)
		high := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityHigh)

		if got, want := dequeue(t, ctx, s, "agent1").ID, high.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := dequeue(t, ctx, s, "agent1").ID, low.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("returns ErrEmpty when no job is queued", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		_, err := s.TryDequeue(ctx, "agent1")
		if got, want := err, buildqueue.ErrEmpty; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("stores the enqueued job", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		commitTime := time.Date(2024, 10, 2, 12, 0, 0, 0, time.UTC)
		params := &buildqueue.EnqueueParams{
			Repository: assignment("student1"),
			CommitHash: "abc123",
			Commit: &buildqueue.Commit{
				Author:      "Student One",
				AuthorEmail: "student1@example.com",
				Message:     "Solve task 1",
				Time:        commitTime,
				Branch:      "main",
			},
			ExerciseID:      7,
			CourseID:        3,
			ParticipationID: 11,
			Config: buildqueue.Config{
				Image:                  "ls1tum/artemis-maven-template:java17-20",
				Script:                 "./gradlew test",
				ResultsPath:            "build/test-results",
				Timeout:                2 * time.Minute,
				DefaultBranch:          "main",
				AssignmentCheckoutPath: "assignment",
				AuxiliaryRepositories:  []buildqueue.AuxiliaryRepository{{Name: "helpers", CheckoutPath: "helpers"}},
			},
		}
		created, err := s.Enqueue(ctx, params)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := s.Job(ctx, created.ID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff(created, got); diff != "" {
			t.Fatalf("job mismatch (-want +got):\n%s", diff)
		}
		if got.Status != buildqueue.StatusQueued || got.Priority != buildqueue.PriorityNormal {
			t.Fatalf("got %+v", got)
		}
		if got.Commit == nil || !got.Commit.Time.Equal(commitTime) || got.Config.Timeout != 2*time.Minute {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("keeps push order within a repository", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		first := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		second := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityHigh)

		if got, want := dequeue(t, ctx, s, "agent1").ID, first.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if _, err := s.TryDequeue(ctx, "agent2"); !errors.Is(err, buildqueue.ErrEmpty) {
			t.Fatalf("got %v, want %v", err, buildqueue.ErrEmpty)
		}

		complete(t, ctx, s, "agent1", first.ID)

		if got, want := dequeue(t, ctx, s, "agent2").ID, second.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("gives every job to exactly one agent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		const jobCount = 40
		const agentCount = 8

		want := make([]uuid.UUID, 0, jobCount)
		for i := range jobCount {
			want = append(want, enqueue(t, ctx, s, assignment(fmt.Sprintf("student%d", i)), buildqueue.PriorityNormal).ID)
		}

		var (
			mu  sync.Mutex
			got []uuid.UUID
			wg  sync.WaitGroup
		)
		errs := make(chan error, agentCount)
		for i := range agentCount {
			wg.Add(1)
			go func() {
				defer wg.Done()
				agentName := fmt.Sprintf("agent%d", i)
				for {
					j, err := s.TryDequeue(ctx, agentName)
					if errors.Is(err, buildqueue.ErrEmpty) {
						return
					}
					if err != nil {
						errs <- err
						return
					}
					mu.Lock()
					got = append(got, j.ID)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("didn't want %q", err)
		}

		slices.SortFunc(got, compareUUID)
		slices.SortFunc(want, compareUUID)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("dequeued jobs mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("completes a job once", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "agent1")
		complete(t, ctx, s, "agent1", j.ID)

		err := s.Complete(ctx, "agent1", &buildqueue.Result{JobID: j.ID, CommitHash: "def456", Success: false})
		if got, want := err, buildqueue.ErrAlreadyCompleted; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		r, err := s.Result(ctx, j.ID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if r.CommitHash != "abc123" || !r.Success || r.Passed() != 7 || r.Failed() != 3 {
			t.Fatalf("got %+v", r)
		}

		ids, err := s.Undelivered(ctx, 10)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]uuid.UUID{j.ID}, ids); diff != "" {
			t.Fatalf("undelivered mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("doesn't complete a job of another agent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "agent1")

		err := s.Complete(ctx, "agent2", &buildqueue.Result{JobID: j.ID})
		if got, want := err, buildqueue.ErrNotOwned; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't complete an unknown job", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		err := s.Complete(ctx, "agent1", &buildqueue.Result{JobID: uuid.New()})
		if got, want := err, buildqueue.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("requeues jobs of a failed agent at the head", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		heartbeat(t, ctx, s, "agent1")
		heartbeat(t, ctx, s, "agent2")
		crashed := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		waiting := enqueue(t, ctx, s, assignment("student2"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "agent1")

		ids, err := s.RequeueOnAgentFailure(ctx, "agent1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]uuid.UUID{crashed.ID}, ids); diff != "" {
			t.Fatalf("requeued mismatch (-want +got):\n%s", diff)
		}

		if got, want := dequeue(t, ctx, s, "agent2").ID, crashed.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		complete(t, ctx, s, "agent2", crashed.ID)
		if got, want := dequeue(t, ctx, s, "agent2").ID, waiting.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}

		if err = s.Complete(ctx, "agent1", &buildqueue.Result{JobID: crashed.ID}); !errors.Is(err, buildqueue.ErrAlreadyCompleted) {
			t.Fatalf("got %v, want %v", err, buildqueue.ErrAlreadyCompleted)
		}

		agents, err := s.Agents(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(agents) != 1 || agents[0].Name != "agent2" {
			t.Fatalf("got %+v, want only agent2", agents)
		}
	})

	t.Run("requeues jobs of agents with stale heartbeats", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		heartbeat(t, ctx, s, "agent1")
		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "agent1")

		ids, err := s.RequeueStale(ctx, time.Hour)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(ids) != 0 {
			t.Fatalf("got %v, want none", ids)
		}

		time.Sleep(50 * time.Millisecond)

		ids, err = s.RequeueStale(ctx, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]uuid.UUID{j.ID}, ids); diff != "" {
			t.Fatalf("requeued mismatch (-want +got):\n%s", diff)
		}

		queued, err := s.QueuedJobs(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(queued) != 1 || queued[0].ID != j.ID || queued[0].AgentName != "" {
			t.Fatalf("got %+v, want the requeued job", queued)
		}
	})

	t.Run("requeues jobs of unknown agents", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "ghost")

		ids, err := s.RequeueStale(ctx, time.Hour)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]uuid.UUID{j.ID}, ids); diff != "" {
			t.Fatalf("requeued mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("fails a job after too many retries", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		for i := range buildqueue.MaxRetries {
			dequeue(t, ctx, s, "agent1")
			requeued, err := s.Requeue(ctx, "agent1", j.ID, "image pull failed")
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if !requeued {
				t.Fatalf("got not requeued at retry %d", i+1)
			}
		}

		dequeue(t, ctx, s, "agent1")
		requeued, err := s.Requeue(ctx, "agent1", j.ID, "image pull failed")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if requeued {
			t.Fatalf("got requeued, want failed")
		}

		r, err := s.Result(ctx, j.ID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if r.Success || len(r.Tests) != 0 || r.Diagnostic == "" {
			t.Fatalf("got %+v, want a failed result", r)
		}
		got, err := s.Job(ctx, j.ID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.Status != buildqueue.StatusCompleted || got.RetryCount != buildqueue.MaxRetries+1 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("delivers a result once", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		j := enqueue(t, ctx, s, assignment("student1"), buildqueue.PriorityNormal)
		dequeue(t, ctx, s, "agent1")
		complete(t, ctx, s, "agent1", j.ID)

		failing := errors.New("grading unavailable")
		err := s.Deliver(ctx, j.ID, func(context.Context, *buildqueue.Job, *buildqueue.Result) error {
			return failing
		})
		if !errors.Is(err, failing) {
			t.Fatalf("got %v, want %v", err, failing)
		}

		calls := 0
		deliver := func(_ context.Context, job *buildqueue.Job, r *buildqueue.Result) error {
			calls++
			if job.ID != j.ID || r.JobID != j.ID {
				t.Errorf("got job %v and result %v, want %v", job.ID, r.JobID, j.ID)
			}
			return nil
		}
		if err = s.Deliver(ctx, j.ID, deliver); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = s.Deliver(ctx, j.ID, deliver); !errors.Is(err, buildqueue.ErrDelivered) {
			t.Fatalf("got %v, want %v", err, buildqueue.ErrDelivered)
		}
		if calls != 1 {
			t.Fatalf("got %d calls, want 1", calls)
		}

		ids, err := s.Undelivered(ctx, 10)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(ids) != 0 {
			t.Fatalf("got %v, want none", ids)
		}
	})

	t.Run("lists running jobs by course", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		first, err := s.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: assignment("student1"), CourseID: 1})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = s.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: assignment("student2"), CourseID: 2}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = s.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: assignment("student3"), CourseID: 1}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		dequeue(t, ctx, s, "agent1")
		dequeue(t, ctx, s, "agent1")

		courseID := int64(1)
		running, err := s.RunningJobs(ctx, &courseID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(running) != 1 || running[0].ID != first.ID || running[0].AgentName != "agent1" {
			t.Fatalf("got %+v, want the first job", running)
		}

		all, err := s.RunningJobs(ctx, nil)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(all) != 2 {
			t.Fatalf("got %d running jobs, want 2", len(all))
		}

		queued, err := s.QueuedJobs(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(queued) != 1 {
			t.Fatalf("got %d queued jobs, want 1", len(queued))
		}
	})

	t.Run("records heartbeats", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		running := []uuid.UUID{uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")}
		err := s.Heartbeat(ctx, &buildqueue.Agent{Name: "agent1", Address: "10.0.0.1", TotalCapacity: 4, UsedCapacity: 1, RunningJobIDs: running})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		err = s.Heartbeat(ctx, &buildqueue.Agent{Name: "agent1", Address: "10.0.0.1", TotalCapacity: 4, UsedCapacity: 2, RunningJobIDs: running})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		agents, err := s.Agents(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(agents) != 1 {
			t.Fatalf("got %d agents, want 1", len(agents))
		}
		a := agents[0]
		if a.Name != "agent1" || a.TotalCapacity != 4 || a.UsedCapacity != 2 || a.LastHeartbeat.IsZero() {
			t.Fatalf("got %+v", a)
		}
		if diff := cmp.Diff(running, a.RunningJobIDs); diff != "" {
			t.Fatalf("running jobs mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("records image usage", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, ctx)

		old := time.Now().Add(-30 * 24 * time.Hour)
		recent := time.Now()
		for image, at := range map[string]time.Time{"old:1": old, "recent:1": recent} {
			if err := s.TouchImage(ctx, "agent1", image, at); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		unused, err := s.ImagesUnusedSince(ctx, "agent1", time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff([]string{"old:1"}, unused); diff != "" {
			t.Fatalf("unused mismatch (-want +got):\n%s", diff)
		}

		if err = s.ForgetImage(ctx, "agent1", "old:1"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		unused, err = s.ImagesUnusedSince(ctx, "agent1", time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(unused) != 0 {
			t.Fatalf("got %v, want none", unused)
		}
	})
}

func assignment(login string) repo.Identity {
	return repo.Identity{ProjectKey: "PROG1", Slug: repo.Slug("PROG1", login), Kind: repo.KindAssignment, Owner: login}
}

func enqueue(t *testing.T, ctx context.Context, s buildqueue.Store, id repo.Identity, priority int) *buildqueue.Job {
	t.Helper()
	j, err := s.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: id, CommitHash: "abc123", Priority: priority})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return j
}

func dequeue(t *testing.T, ctx context.Context, s buildqueue.Store, agentName string) *buildqueue.Job {
	t.Helper()
	j, err := s.TryDequeue(ctx, agentName)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if j.Status != buildqueue.StatusProcessing || j.AgentName != agentName {
		t.Fatalf("got %+v, want processing by %s", j, agentName)
	}
	return j
}

func heartbeat(t *testing.T, ctx context.Context, s buildqueue.Store, agentName string) {
	t.Helper()
	if err := s.Heartbeat(ctx, &buildqueue.Agent{Name: agentName, TotalCapacity: 2}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

// complete stores a result with 7 of 10 tests passed for commit abc123.
func complete(t *testing.T, ctx context.Context, s buildqueue.Store, agentName string, jobID uuid.UUID) {
	t.Helper()
	tests := make([]buildqueue.TestCase, 0, 10)
	for i := range 10 {
		tests = append(tests, buildqueue.TestCase{Name: fmt.Sprintf("test%d", i), ClassName: "SortingTest", Passed: i < 7})
	}
	err := s.Complete(ctx, agentName, &buildqueue.Result{
		JobID:      jobID,
		CommitHash: "abc123",
		Success:    true,
		Tests:      tests,
		Duration:   3 * time.Second,
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}
