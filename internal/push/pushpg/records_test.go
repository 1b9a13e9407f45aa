package pushpg

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/apppg/apppgtest"
	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/buildqueue/buildqueuepg"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/push/pushtest"
	"github.com/k11v/localci/internal/repo"
)

func TestRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}

	pool := apppgtest.NewTestPool(t, context.Background())

	pushtest.Run(t, func(t *testing.T, ctx context.Context) (push.Records, func() uuid.UUID) {
		_, err := pool.Exec(ctx, `TRUNCATE build_agent_images, build_agents, build_results, pushes, build_jobs, repository_locks`)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		queue := buildqueuepg.NewStore(pool)
		newJobID := func() uuid.UUID {
			job, err := queue.Enqueue(ctx, &buildqueue.EnqueueParams{Repository: repo.Solution("PROG1")})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			return job.ID
		}
		return NewRecords(pool), newJobID
	})
}
