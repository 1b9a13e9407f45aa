// Command localci-setup migrates the database, creates the log bucket and
// the repositories directory. It is safe to run repeatedly.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	ctx := context.Background()

	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	err = apppg.Setup(cfg.Postgres.ConnectionString())
	if err != nil {
		return err
	}

	err = apps3.Setup(ctx, apps3.NewClient(cfg.S3.ConnectionString()))
	if err != nil {
		return err
	}

	return os.MkdirAll(cfg.Git.RepositoriesDir(), 0o755)
}
