// Package apps3test starts MinIO for tests.
package apps3test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/localci/internal/apps3"
)

// NewTestStorage starts a MinIO container with the application bucket
// and returns a client for it. The container is removed on cleanup.
func NewTestStorage(tb testing.TB, ctx context.Context) *s3.Client {
	tb.Helper()

	cfg := &apps3.Config{User: "localci", Password: "localci-secret"}

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-09-22T00-33-43Z",
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000"),
			Env: map[string]string{
				"MINIO_ROOT_USER":     cfg.User,
				"MINIO_ROOT_PASSWORD": cfg.Password,
			},
			Cmd: []string{"server", "/data"},
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	port, err := c.MappedPort(ctx, "9000/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	cfg.Host = host
	cfg.Port = port.Int()

	client := apps3.NewClient(cfg.ConnectionString())
	if err = apps3.Setup(ctx, client); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return client
}
