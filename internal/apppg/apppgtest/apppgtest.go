// Package apppgtest starts a migrated Postgres for tests.
package apppgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/localci/internal/apppg"
)

// NewTestPool starts a Postgres container, applies the migrations and
// returns a pool connected to it. The container is removed on cleanup.
func NewTestPool(tb testing.TB, ctx context.Context) *pgxpool.Pool {
	tb.Helper()

	user := "postgres"
	password := "postgres"
	database := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, endpoint, database)

	if err = apppg.Setup(connectionString); err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	pool, err := apppg.NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)

	return pool
}
