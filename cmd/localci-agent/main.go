// Command localci-agent executes queued build jobs in Docker containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/buildagent"
	"github.com/k11v/localci/internal/buildqueue/buildqueueamqp"
	"github.com/k11v/localci/internal/buildqueue/buildqueuepg"
)

func main() {
	run := func() int {
		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		log := newLogger(cfg.Development)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err = work(ctx, cfg); err != nil {
			log.Error("didn't work", "err", err)
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func work(ctx context.Context, cfg *config) error {
	runtime, err := buildagent.NewDockerRuntime(&cfg.Docker)
	if err != nil {
		return err
	}
	defer runtime.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = runtime.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	sources, err := buildagent.NewGitSources(&cfg.Agent)
	if err != nil {
		return err
	}

	db, err := apppg.NewPool(ctx, cfg.Postgres.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	broker := buildqueueamqp.NewBroker(cfg.AMQP.ConnectionString())
	agent := buildagent.NewAgent(&cfg.Agent, &buildagent.AgentParams{
		Store:    buildqueuepg.NewStore(db),
		Runtime:  runtime,
		Sources:  sources,
		Logs:     apps3.NewLogStore(apps3.NewClient(cfg.S3.ConnectionString())),
		Notifier: broker,
		Watcher:  broker,
	})

	return agent.Run(ctx)
}
