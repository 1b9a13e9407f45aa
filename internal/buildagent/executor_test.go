package buildagent

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/repo"
)

const (
	commit      = "abc1230000000000000000000000000000000000"
	resultsFile = testingDir + "/build/test-results/test/TEST-BehaviorTest.xml"
)

func newTestJob() *buildqueue.Job {
	return &buildqueue.Job{
		ID:              uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000"),
		Repository:      repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student1", Kind: repo.KindAssignment, Owner: "student1"},
		CommitHash:      commit,
		ExerciseID:      7,
		CourseID:        3,
		ParticipationID: 11,
		Config: buildqueue.Config{
			Image:                 "ls1tum/artemis-maven-template:java17-18",
			Script:                "./gradlew test",
			DefaultBranch:         "main",
			AuxiliaryRepositories: []buildqueue.AuxiliaryRepository{{Name: "lib", CheckoutPath: "lib"}},
		},
	}
}

func newTestExecutor(t *testing.T, runtime *spyRuntime) (*Executor, *spyLogs, *[]State) {
	t.Helper()
	logs := &spyLogs{}
	var states []State
	e := &Executor{
		Runtime:   runtime,
		Sources:   &spySources{},
		Logs:      logs,
		AgentName: "agent1",
		WorkDir:   t.TempDir(),
		OnState:   func(_ uuid.UUID, s State) { states = append(states, s) },
	}
	return e, logs, &states
}

func TestExecutor(t *testing.T) {
	t.Run("executes a job", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			if _, ok := files[testingDir+"/lib/README.md"]; !ok {
				return errors.New("auxiliary repository is missing")
			}
			_, _ = io.WriteString(logs, "BUILD SUCCESSFUL\n")
			files[resultsFile] = junit(7, 3)
			return nil
		}
		e, logs, states := newTestExecutor(t, runtime)
		job := newTestJob()

		result, err := e.Execute(ctx, job)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if !result.Success {
			t.Fatalf("got failure %q, want success", result.Diagnostic)
		}
		if got, want := result.CommitHash, commit; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := []int{result.Passed(), result.Failed()}, []int{7, 3}; !slices.Equal(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := result.LogExcerpt, "BUILD SUCCESSFUL\n"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := result.LogKey, "builds/"+job.ID.String()+"/log"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got := logs.logs[job.ID]; got != "BUILD SUCCESSFUL\n" {
			t.Fatalf("got %q", got)
		}
		wantStates := []State{StateReserved, StateImageReady, StateContainerRunning, StateResultsExtracted, StateCompleted}
		if diff := cmp.Diff(wantStates, *states); diff != "" {
			t.Fatalf("states mismatch (-want +got):\n%s", diff)
		}
		if got := runtime.remaining(); len(got) != 0 {
			t.Fatalf("got %d remaining containers, want none", len(got))
		}
	})

	t.Run("fails on a non-zero exit code", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			_, _ = io.WriteString(logs, "COMPILATION ERROR\n")
			return &ExitError{ExitCode: 1}
		}
		e, _, states := newTestExecutor(t, runtime)

		result, err := e.Execute(ctx, newTestJob())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if result.Success {
			t.Fatal("got success, want failure")
		}
		if len(result.Tests) != 0 {
			t.Fatalf("got %d tests, want none", len(result.Tests))
		}
		if !strings.Contains(result.Diagnostic, "exited with code 1") {
			t.Fatalf("got diagnostic %q", result.Diagnostic)
		}
		if got, want := (*states)[len(*states)-1], StateFailed; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := runtime.remaining(); len(got) != 0 {
			t.Fatalf("got %d remaining containers, want none", len(got))
		}
	})

	t.Run("fails and stops the container on a timeout", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			<-ctx.Done()
			return ctx.Err()
		}
		e, _, _ := newTestExecutor(t, runtime)
		job := newTestJob()
		job.Config.Timeout = 50 * time.Millisecond

		result, err := e.Execute(ctx, job)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if result.Success {
			t.Fatal("got success, want failure")
		}
		if !strings.Contains(result.Diagnostic, "timed out after 50ms") {
			t.Fatalf("got diagnostic %q", result.Diagnostic)
		}
		if got := runtime.count("Stop"); got < 2 {
			t.Fatalf("got %d stops, want a forced stop and a teardown stop", got)
		}
		if got := runtime.remaining(); len(got) != 0 {
			t.Fatalf("got %d remaining containers, want none", len(got))
		}
	})

	t.Run("fails without a commit hash", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			delete(files, testingDir+"/assignment/.git/HEAD")
			files[resultsFile] = junit(1, 0)
			return nil
		}
		e, _, _ := newTestExecutor(t, runtime)

		result, err := e.Execute(ctx, newTestJob())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if result.Success {
			t.Fatal("got success, want failure")
		}
		if result.CommitHash != "" {
			t.Fatalf("got commit %q, want none", result.CommitHash)
		}
		if got, want := len(result.Tests), 1; got != want {
			t.Fatalf("got %d tests, want %d", got, want)
		}
		if !strings.Contains(result.Diagnostic, "commit hash") {
			t.Fatalf("got diagnostic %q", result.Diagnostic)
		}
	})

	t.Run("flags a malformed report and keeps the other tests", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			files[resultsFile] = junit(2, 0)
			files[testingDir+"/build/test-results/test/TEST-Broken.xml"] = []byte("<testsuite><testcase")
			return nil
		}
		e, _, _ := newTestExecutor(t, runtime)

		result, err := e.Execute(ctx, newTestJob())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if result.Success || !result.ParseError {
			t.Fatalf("got success %v and parse error %v, want failure with a parse error", result.Success, result.ParseError)
		}
		if got, want := result.Passed(), 2; got != want {
			t.Fatalf("got %d passed, want %d", got, want)
		}
	})

	t.Run("uses the results path of the job", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			files[testingDir+"/target/surefire-reports/TEST-BehaviorTest.xml"] = junit(4, 1)
			return nil
		}
		e, _, _ := newTestExecutor(t, runtime)
		job := newTestJob()
		job.Config.ResultsPath = "target/surefire-reports"

		result, err := e.Execute(ctx, job)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := len(result.Tests), 5; got != want {
			t.Fatalf("got %d tests, want %d", got, want)
		}
	})

	t.Run("returns an infrastructure error when the image is unavailable", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.ensureImageErr = errors.New("pull access denied")
		e, _, _ := newTestExecutor(t, runtime)

		_, err := e.Execute(ctx, newTestJob())

		infraErr := (*InfrastructureError)(nil)
		if !errors.As(err, &infraErr) {
			t.Fatalf("got %v, want *InfrastructureError", err)
		}
		if got, want := infraErr.State, StateReserved; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := runtime.count("Create"); got != 0 {
			t.Fatalf("got %d creates, want none", got)
		}
	})

	t.Run("returns an infrastructure error when the image pull stalls", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		runtime.stallImagePulls = true
		e, _, _ := newTestExecutor(t, runtime)
		e.StepTimeout = 50 * time.Millisecond

		_, err := e.Execute(ctx, newTestJob())

		infraErr := (*InfrastructureError)(nil)
		if !errors.As(err, &infraErr) {
			t.Fatalf("got %v, want *InfrastructureError", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
		}
		if got, want := infraErr.State, StateReserved; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("labels the container with the agent", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		var agentName string
		runtime.exec = func(ctx context.Context, files map[string][]byte, logs io.Writer) error {
			for _, c := range runtime.remaining() {
				agentName = c.AgentName
			}
			files[resultsFile] = junit(1, 0)
			return nil
		}
		e, _, _ := newTestExecutor(t, runtime)

		if _, err := e.Execute(ctx, newTestJob()); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := agentName, "agent1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("removes the container when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runtime := newSpyRuntime()
		runtime.exec = func(execCtx context.Context, files map[string][]byte, logs io.Writer) error {
			cancel()
			<-execCtx.Done()
			return execCtx.Err()
		}
		e, _, _ := newTestExecutor(t, runtime)

		_, err := e.Execute(ctx, newTestJob())
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want %v", err, context.Canceled)
		}
		if got := runtime.remaining(); len(got) != 0 {
			t.Fatalf("got %d remaining containers, want none", len(got))
		}
	})

	t.Run("fails without a build script", func(t *testing.T) {
		ctx := context.Background()
		runtime := newSpyRuntime()
		e, _, _ := newTestExecutor(t, runtime)
		job := newTestJob()
		job.Config.Script = ""

		result, err := e.Execute(ctx, job)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if result.Success {
			t.Fatal("got success, want failure")
		}
		if got := runtime.count("EnsureImage"); got != 0 {
			t.Fatalf("got %d image checks, want none", got)
		}
	})
}

func TestExecutorTimeout(t *testing.T) {
	tests := []struct {
		name string
		e    *Executor
		job  time.Duration
		want time.Duration
	}{
		{"uses the job's timeout", &Executor{}, time.Minute, time.Minute},
		{"falls back to the default", &Executor{DefaultTimeout: 3 * time.Minute}, 0, 3 * time.Minute},
		{"falls back to two minutes", &Executor{}, 0, 2 * time.Minute},
		{"caps at the maximum", &Executor{MaxTimeout: 4 * time.Minute}, time.Hour, 4 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.timeout(tt.job); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		p    string
		want string
	}{
		{"", "/ws"},
		{"assignment", "/ws/assignment"},
		{"../../etc", "/ws/etc"},
		{"/lib/", "/ws/lib"},
	}
	for _, tt := range tests {
		if got := within("/ws", tt.p); got != tt.want {
			t.Fatalf("got %q, want %q", got, tt.want)
		}
	}
}
