// Command localci-gateway serves Git over smart HTTP and SSH, turns pushes
// into build jobs and hands build results to the grading platform.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/k11v/localci/internal/adminhttp"
	"github.com/k11v/localci/internal/apppg"
	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/buildqueue/buildqueueamqp"
	"github.com/k11v/localci/internal/buildqueue/buildqueuepg"
	"github.com/k11v/localci/internal/gitserver"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/platform/platformhttp"
	"github.com/k11v/localci/internal/platform/platformstatic"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/push/pushpg"
	"github.com/k11v/localci/internal/resultprocessor"
)

const shutdownTimeout = 30 * time.Second

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

		if err = serve(ctx, cfg, log); err != nil {
			log.Error("didn't serve", "err", err)
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

func newDirectory(cfg *config) (platform.Directory, error) {
	if cfg.Platform.URL != "" {
		return platformhttp.NewClient(&cfg.Platform)
	}
	if cfg.PlatformFile != "" {
		return platformstatic.Load(cfg.PlatformFile)
	}
	return nil, errors.New("neither LOCALCI_PLATFORM_URL nor LOCALCI_PLATFORM_FILE is set")
}

func serve(ctx context.Context, cfg *config, log *slog.Logger) error {
	directory, err := newDirectory(cfg)
	if err != nil {
		return err
	}
	capabilities := platform.Resolve(directory)

	db, err := apppg.NewPool(ctx, cfg.Postgres.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	store := buildqueuepg.NewStore(db)
	broker := buildqueueamqp.NewBroker(cfg.AMQP.ConnectionString())

	processor := &push.Processor{
		Directory: directory,
		Queue:     store,
		Records:   pushpg.NewRecords(db),
		Notifier:  broker,
		BaseDir:   cfg.Git.RepositoriesDir(),
	}
	gateway := &gitserver.Gateway{
		Directory:     directory,
		Processor:     processor,
		BaseDir:       cfg.Git.RepositoriesDir(),
		AgentUser:     cfg.Git.AgentUser,
		AgentPassword: cfg.Git.AgentPassword,
	}

	// Pushes still pending from an earlier run can only have been left by
	// a gateway that stopped before processing them.
	n, err := processor.Recover(ctx, time.Now())
	if err != nil {
		log.Error("didn't recover pending pushes", "err", err)
	} else if n > 0 {
		log.Info("recovered pending pushes", "count", n)
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 4)
	)
	goServe := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	httpServer := gitserver.NewServer(&cfg.Git, log, gateway)
	slog.Info("starting git http server", "addr", httpServer.Addr)
	goServe("git http server", httpServer.ListenAndServe)

	var sshServer *gitserver.SSHServer
	if capabilities.KeyStore != nil {
		sshServer, err = gitserver.NewSSHServer(&cfg.SSH, log, gateway, capabilities.KeyStore)
		if err != nil {
			return err
		}
		slog.Info("starting git ssh server", "addr", sshServer.Addr)
		goServe("git ssh server", sshServer.ListenAndServe)
	} else {
		slog.Warn("platform has no SSH key store, not starting git ssh server")
	}

	var adminServer *http.Server
	if cfg.Admin.JWTVerificationKeyFile != "" {
		key, err := adminhttp.ReadPublicKeyFile(cfg.Admin.JWTVerificationKeyFile)
		if err != nil {
			return err
		}
		logs := apps3.NewLogStore(apps3.NewClient(cfg.S3.ConnectionString()))
		adminServer = adminhttp.NewServer(&cfg.Admin, log, store, logs, key, cfg.Development)
		slog.Info("starting admin server", "addr", adminServer.Addr)
		goServe("admin server", adminServer.ListenAndServe)
	} else {
		slog.Warn("no JWT verification key, not starting admin server")
	}

	resultCtx, stopResults := context.WithCancel(ctx)
	defer stopResults()
	if capabilities.Grader != nil {
		results := &resultprocessor.Processor{Outbox: store, Grader: capabilities.Grader}
		slog.Info("starting result processor")
		goServe("result processor", func() error {
			if err := results.Run(resultCtx, broker); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		slog.Warn("platform has no grader, results stay undelivered")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errs:
		slog.Error("shutting down", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("didn't shut down git http server", "err", err)
	}
	if sshServer != nil {
		_ = sshServer.Close()
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("didn't shut down admin server", "err", err)
		}
	}
	processor.Wait()
	stopResults()
	wg.Wait()

	return serveErr
}
