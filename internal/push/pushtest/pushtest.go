// Package pushtest checks push.Records implementations.
package pushtest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repo"
)

// Run runs the conformance tests. newRecords returns empty records and,
// for stores with a job foreign key, a function creating a job id that may be
// referenced by MarkQueued.
func Run(t *testing.T, newRecords func(t *testing.T, ctx context.Context) (push.Records, func() uuid.UUID)) {
	ctx := context.Background()
	student := repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student1", Kind: repo.KindAssignment, Owner: "student1"}
	other := repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student2", Kind: repo.KindAssignment, Owner: "student2"}

	t.Run("reserves a pending push", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		r, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, err := s.Record(ctx, r.ID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.Status != push.StatusPending || got.Repository != student || got.Login != "student1" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("enforces the limit per repository", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		if _, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1", Limit: 1}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1", Limit: 1})
		if got, want := err, push.ErrLimitExceeded; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if _, err = s.Reserve(ctx, &push.ReserveParams{Repository: other, Login: "student2", Limit: 1}); err != nil {
			t.Fatalf("didn't want %q for another repository", err)
		}
	})

	t.Run("doesn't count discarded pushes", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		r, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1", Limit: 1})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = s.MarkDiscarded(ctx, r.ID, "non-fast-forward"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1", Limit: 1}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("counts failed pushes", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		r, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = s.MarkFailed(ctx, r.ID, "refs/heads/main", "abc123", "no participation"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		n, err := s.Submissions(ctx, student)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := n, 1; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		got, _ := s.Record(ctx, r.ID)
		if got.Status != push.StatusFailed || got.FailureReason != "no participation" || got.CommitHash != "abc123" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("lets one of concurrent pushes take the last submission", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		var wg sync.WaitGroup
		var mu sync.Mutex
		reserved := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1", Limit: 1})
				if err == nil {
					mu.Lock()
					reserved++
					mu.Unlock()
				} else if !errors.Is(err, push.ErrLimitExceeded) {
					t.Errorf("didn't want %q", err)
				}
			}()
		}
		wg.Wait()
		if got, want := reserved, 1; got != want {
			t.Fatalf("got %d reserved, want %d", got, want)
		}
	})

	t.Run("marks a push queued", func(t *testing.T) {
		s, newJobID := newRecords(t, ctx)
		r, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		jobID := newJobID()
		if err = s.MarkQueued(ctx, r.ID, "refs/heads/main", "abc123", jobID); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, _ := s.Record(ctx, r.ID)
		if got.Status != push.StatusQueued || got.JobID == nil || *got.JobID != jobID || got.Ref != "refs/heads/main" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("records the accepted commit of a pending push", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		r, err := s.Reserve(ctx, &push.ReserveParams{Repository: student, Login: "student1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err = s.MarkAccepted(ctx, r.ID, "refs/heads/main", "abc123"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, _ := s.Record(ctx, r.ID)
		if got.Status != push.StatusPending || got.Ref != "refs/heads/main" || got.CommitHash != "abc123" {
			t.Fatalf("got %+v", got)
		}

		if err = s.MarkDiscarded(ctx, r.ID, "x"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		err = s.MarkAccepted(ctx, r.ID, "refs/heads/main", "def456")
		if got, want := err, push.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("lists pending pushes oldest first", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		var ids []uuid.UUID
		for _, id := range []repo.Identity{student, other, student} {
			r, err := s.Reserve(ctx, &push.ReserveParams{Repository: id, Login: id.Owner})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			ids = append(ids, r.ID)
		}
		if err := s.MarkFailed(ctx, ids[1], "refs/heads/main", "abc123", "no participation"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		pending, err := s.Pending(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		var got []uuid.UUID
		for _, r := range pending {
			got = append(got, r.ID)
		}
		if want := []uuid.UUID{ids[0], ids[2]}; !slices.Equal(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		pending, err = s.Pending(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(pending) != 0 {
			t.Fatalf("got %d pending pushes, want none", len(pending))
		}
	})

	t.Run("doesn't mark an unknown push", func(t *testing.T) {
		s, _ := newRecords(t, ctx)
		err := s.MarkDiscarded(ctx, uuid.New(), "x")
		if got, want := err, push.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		_, err = s.Record(ctx, uuid.New())
		if got, want := err, push.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}
