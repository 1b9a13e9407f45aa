package buildqueuemem

import (
	"context"
	"testing"
	"time"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/buildqueue/buildqueuetest"
	"github.com/k11v/localci/internal/repo"
)

func TestStore(t *testing.T) {
	buildqueuetest.Run(t, func(t *testing.T, ctx context.Context) buildqueue.Store {
		return New()
	})
}

func TestStoreClock(t *testing.T) {
	t.Run("uses Now for heartbeats and staleness", func(t *testing.T) {
		ctx := context.Background()
		now := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
		s := New()
		s.Now = func() time.Time { return now }

		if err := s.Heartbeat(ctx, &buildqueue.Agent{Name: "agent1", TotalCapacity: 1}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		j, err := s.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: repo.Solution("PROG1")})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err = s.TryDequeue(ctx, "agent1"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		now = now.Add(59 * time.Second)
		ids, err := s.RequeueStale(ctx, time.Minute)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(ids) != 0 {
			t.Fatalf("got %v, want none", ids)
		}

		now = now.Add(2 * time.Second)
		ids, err = s.RequeueStale(ctx, time.Minute)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(ids) != 1 || ids[0] != j.ID {
			t.Fatalf("got %v, want %v", ids, j.ID)
		}
	})
}
