package buildagent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/testreport"
)

const (
	// workingDir holds testingDir inside build containers.
	workingDir = "/var/tmp"
	testingDir = workingDir + "/testing-dir"

	defaultAssignmentCheckoutPath = "assignment"
	defaultResultsPath            = "build/test-results"

	logExcerptSize  = 8 << 10
	teardownTimeout = time.Minute
)

// State is the progress of one job on an agent.
type State string

const (
	StateReserved         State = "RESERVED"
	StateImageReady       State = "IMAGE_READY"
	StateContainerRunning State = "CONTAINER_RUNNING"
	StateResultsExtracted State = "RESULTS_EXTRACTED"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
)

// InfrastructureError is a failure of the agent's environment rather than of
// the build. The job may succeed when it is executed again.
type InfrastructureError struct {
	State State // the last state reached
	Err   error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("in state %s: %v", e.State, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// LogArchive stores full build logs.
type LogArchive interface {
	Upload(ctx context.Context, jobID uuid.UUID, r io.Reader) (key string, err error)
}

// Executor runs one job to completion in a disposable container.
type Executor struct {
	Runtime        Runtime           // required
	Sources        Sources           // required
	Logs           LogArchive        // optional
	Images         buildqueue.Images // optional
	AgentName      string
	WorkDir        string // default: os.TempDir()
	Limits         Limits
	DefaultTimeout time.Duration // default: 2m
	MaxTimeout     time.Duration // default: no maximum
	StepTimeout    time.Duration // default: 5m, bounds every step but the build script
	Now            func() time.Time
	OnState        func(jobID uuid.UUID, s State)
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) timeout(t time.Duration) time.Duration {
	if t <= 0 {
		t = e.DefaultTimeout
	}
	if t <= 0 {
		t = 2 * time.Minute
	}
	if e.MaxTimeout > 0 {
		t = min(t, e.MaxTimeout)
	}
	return t
}

func (e *Executor) stepTimeout() time.Duration {
	if e.StepTimeout <= 0 {
		return 5 * time.Minute
	}
	return e.StepTimeout
}

// step runs fn with a deadline of StepTimeout.
func (e *Executor) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	defer cancel()
	return fn(ctx)
}

// Execute runs job and returns its result. Failures of the build itself,
// such as a failing script or a timeout, end up in a failed result.
// Other failures are returned as *InfrastructureError, and a cancelled ctx
// is returned as is. The container is removed in every case.
func (e *Executor) Execute(ctx context.Context, job *buildqueue.Job) (result *buildqueue.Result, err error) {
	log := slog.With("job_id", job.ID)
	start := e.now()
	state := StateReserved
	transition := func(s State) {
		state = s
		log.Debug("changed job state", "state", s)
		if e.OnState != nil {
			e.OnState(job.ID, s)
		}
	}
	transition(StateReserved)
	defer func() {
		switch {
		case err != nil:
			transition(StateFailed)
		case result.Success:
			transition(StateCompleted)
		default:
			transition(StateFailed)
		}
	}()
	infraErr := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &InfrastructureError{State: state, Err: err}
	}

	cfg := job.Config
	if cfg.Image == "" || cfg.Script == "" {
		return buildqueue.FailedResult(job.ID, "the exercise has no build image or script"), nil
	}

	err = e.step(ctx, func(ctx context.Context) error {
		return e.Runtime.EnsureImage(ctx, cfg.Image)
	})
	if err != nil {
		return nil, infraErr(err)
	}
	if e.Images != nil {
		if err := e.Images.TouchImage(ctx, e.AgentName, cfg.Image, start); err != nil {
			log.Warn("didn't record image use", "image", cfg.Image, "err", err)
		}
	}
	transition(StateImageReady)

	ws, err := os.MkdirTemp(e.WorkDir, "localci-")
	if err != nil {
		return nil, infraErr(err)
	}
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			log.Error("didn't remove workspace", "dir", ws, "err", err)
		}
	}()
	root := filepath.Join(ws, path.Base(testingDir))
	err = e.step(ctx, func(ctx context.Context) error {
		return e.checkout(ctx, job, root)
	})
	if err != nil {
		return nil, infraErr(err)
	}

	var id string
	err = e.step(ctx, func(ctx context.Context) error {
		id, err = e.Runtime.Create(ctx, &ContainerSpec{
			Name:      ContainerName(job.ID),
			Image:     cfg.Image,
			JobID:     job.ID,
			AgentName: e.AgentName,
			Limits:    e.Limits,
		})
		return err
	})
	if err != nil {
		return nil, infraErr(err)
	}
	defer e.teardown(ctx, log, id)

	err = e.step(ctx, func(ctx context.Context) error {
		return e.Runtime.Start(ctx, id)
	})
	if err != nil {
		return nil, infraErr(err)
	}
	err = e.step(ctx, func(ctx context.Context) error {
		return e.copyIn(ctx, id, root)
	})
	if err != nil {
		return nil, infraErr(err)
	}
	transition(StateContainerRunning)

	logFile, err := os.Create(filepath.Join(ws, "build.log"))
	if err != nil {
		return nil, infraErr(err)
	}
	defer logFile.Close()

	var diagnostics []string
	timeout := e.timeout(cfg.Timeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	execErr := e.Runtime.Exec(execCtx, id, []string{"sh", "-c", cfg.Script}, testingDir, logFile)
	cancel()
	timedOut := false
	exitErr := (*ExitError)(nil)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case execErr == nil:
	case errors.As(execErr, &exitErr):
		diagnostics = append(diagnostics, fmt.Sprintf("The build script exited with code %d.", exitErr.ExitCode))
	case errors.Is(execErr, context.DeadlineExceeded):
		timedOut = true
		log.Info("build timed out", "timeout", timeout)
		err := e.step(ctx, func(ctx context.Context) error {
			return e.Runtime.Stop(ctx, id)
		})
		if err != nil {
			log.Error("didn't stop container", "id", id, "err", err)
		}
		diagnostics = append(diagnostics, fmt.Sprintf("The build timed out after %s.", timeout))
	default:
		return nil, infraErr(execErr)
	}

	var commit string
	err = e.step(ctx, func(ctx context.Context) error {
		commit, err = e.commitHash(ctx, id, cfg)
		return err
	})
	if err != nil {
		log.Warn("didn't read commit hash", "err", err)
		diagnostics = append(diagnostics, "The commit hash of the assignment couldn't be read.")
	}
	var report *testreport.Report
	err = e.step(ctx, func(ctx context.Context) error {
		report, err = e.report(ctx, id, cfg)
		return err
	})
	if err != nil {
		log.Warn("didn't read test results", "err", err)
		diagnostics = append(diagnostics, "The test results couldn't be copied.")
	}
	if report.ParseError {
		diagnostics = append(diagnostics, report.Errors...)
	}
	if len(report.Tests) == 0 && !timedOut {
		diagnostics = append(diagnostics, "No test results were found.")
	}
	transition(StateResultsExtracted)

	result = &buildqueue.Result{
		JobID:      job.ID,
		CommitHash: commit,
		Success:    commit != "" && len(report.Tests) > 0 && !report.ParseError && !timedOut,
		Tests:      report.Tests,
		ParseError: report.ParseError,
		Diagnostic: strings.Join(diagnostics, "\n"),
	}
	result.LogExcerpt, result.LogKey = e.archiveLog(ctx, log, job.ID, logFile)
	result.Duration = e.now().Sub(start)
	return result, nil
}

func (e *Executor) checkout(ctx context.Context, job *buildqueue.Job, root string) error {
	cfg := job.Config
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	// The tests repository comes first because it may be checked out at the root.
	err := e.Sources.Checkout(ctx, job.TestsRepository(), cfg.DefaultBranch, "", within(root, cfg.TestsCheckoutPath))
	if err != nil {
		return err
	}
	assignmentPath := cfg.AssignmentCheckoutPath
	if assignmentPath == "" {
		assignmentPath = defaultAssignmentCheckoutPath
	}
	err = e.Sources.Checkout(ctx, job.Repository, cfg.DefaultBranch, job.CommitHash, within(root, assignmentPath))
	if err != nil {
		return err
	}
	for _, aux := range cfg.AuxiliaryRepositories {
		err = e.Sources.Checkout(ctx, job.AuxiliaryRepository(aux.Name), cfg.DefaultBranch, "", within(root, aux.CheckoutPath))
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) copyIn(ctx context.Context, id, root string) error {
	tarReader, tarWriter := io.Pipe()
	defer tarReader.Close()
	go func() {
		_ = tarWriter.CloseWithError(writeTar(tarWriter, root, path.Base(testingDir)))
	}()
	return e.Runtime.CopyIn(ctx, id, workingDir, tarReader)
}

// commitHash reads the commit checked out in the assignment repository.
// The checkout is detached, so HEAD holds the hash itself.
func (e *Executor) commitHash(ctx context.Context, id string, cfg buildqueue.Config) (string, error) {
	assignmentPath := cfg.AssignmentCheckoutPath
	if assignmentPath == "" {
		assignmentPath = defaultAssignmentCheckoutPath
	}
	rc, err := e.Runtime.CopyOut(ctx, id, path.Join(testingDir, path.Clean("/"+assignmentPath), ".git", "HEAD"))
	if err != nil {
		return "", err
	}
	defer rc.Close()

	b, err := readFirstFile(rc, 1024)
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(string(b))
	if _, err = hex.DecodeString(hash); err != nil || (len(hash) != 40 && len(hash) != 64) {
		return "", fmt.Errorf("HEAD is not a commit hash: %q", hash)
	}
	return hash, nil
}

// report reads the test results. A missing results directory is an empty report.
func (e *Executor) report(ctx context.Context, id string, cfg buildqueue.Config) (*testreport.Report, error) {
	empty := &testreport.Report{Tests: make([]buildqueue.TestCase, 0)}
	resultsPath := cfg.ResultsPath
	if resultsPath == "" {
		resultsPath = defaultResultsPath
	}
	rc, err := e.Runtime.CopyOut(ctx, id, path.Join(testingDir, path.Clean("/"+resultsPath)))
	if errors.Is(err, ErrNotFound) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}
	defer rc.Close()

	report, err := testreport.ParseTar(rc)
	if err != nil {
		report.ParseError = true
		report.Errors = append(report.Errors, err.Error())
	}
	return report, nil
}

func (e *Executor) archiveLog(ctx context.Context, log *slog.Logger, jobID uuid.UUID, f *os.File) (excerpt, key string) {
	excerpt, err := tail(f, logExcerptSize)
	if err != nil {
		log.Warn("didn't read build log", "err", err)
	}
	if e.Logs == nil {
		return excerpt, ""
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		log.Warn("didn't read build log", "err", err)
		return excerpt, ""
	}
	err = e.step(ctx, func(ctx context.Context) error {
		key, err = e.Logs.Upload(ctx, jobID, f)
		return err
	})
	if err != nil {
		log.Warn("didn't archive build log", "err", err)
		return excerpt, ""
	}
	return excerpt, key
}

// teardown removes the container even when ctx is cancelled.
func (e *Executor) teardown(ctx context.Context, log *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := e.Runtime.Stop(ctx, id); err != nil {
		log.Error("didn't stop container", "id", id, "err", err)
	}
	if err := e.Runtime.Remove(ctx, id); err != nil {
		log.Error("didn't remove container", "id", id, "err", err)
	}
}
