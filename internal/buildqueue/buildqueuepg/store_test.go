package buildqueuepg

import (
	"context"
	"testing"

	"github.com/k11v/localci/internal/apppg/apppgtest"
	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/buildqueue/buildqueuetest"
)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}

	pool := apppgtest.NewTestPool(t, context.Background())

	buildqueuetest.Run(t, func(t *testing.T, ctx context.Context) buildqueue.Store {
		_, err := pool.Exec(ctx, `TRUNCATE build_agent_images, build_agents, build_results, pushes, build_jobs, repository_locks`)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		return NewStore(pool)
	})
}
