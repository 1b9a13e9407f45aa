//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go/modules/compose"
	"golang.org/x/crypto/bcrypt"

	"github.com/k11v/localci/internal/adminhttp"
)

const platformYAML = `
users:
  - login: student1
    passwordHash: %q
    groups: [e2e-students]
  - login: instructor1
    passwordHash: %q
    groups: [e2e-instructors]
courses:
  - id: 1
    groups:
      students: e2e-students
      instructors: e2e-instructors
    exercises:
      - id: 1
        projectKey: E2E
        templateParticipationId: 100
        solutionParticipationId: 101
        build:
          image: alpine:3.20
          script: sh test.sh
          defaultBranch: main
        participations:
          - id: 11
            owners: [student1]
`

const testScript = `mkdir -p build/test-results
if grep -q 42 assignment/answer.txt; then
  r='<testcase name="testAnswer" classname="e2e"/>'
else
  r='<testcase name="testAnswer" classname="e2e"><failure message="wrong answer"/></testcase>'
fi
printf '<testsuite name="e2e" tests="1">%s</testsuite>\n' "$r" > build/test-results/TEST-e2e.xml
`

type cluster struct {
	gitAddr string
	admin   *adminhttp.Client
}

func newTestCluster(tb testing.TB, ctx context.Context) *cluster {
	tb.Helper()

	dir := tb.TempDir()
	studentHash, err := bcrypt.GenerateFromPassword([]byte("student1"), bcrypt.MinCost)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	instructorHash, err := bcrypt.GenerateFromPassword([]byte("instructor1"), bcrypt.MinCost)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	platform := fmt.Sprintf(platformYAML, string(studentHash), string(instructorHash))
	if err = os.WriteFile(filepath.Join(dir, "platform.yaml"), []byte(platform), 0o644); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	privateName := filepath.Join(dir, "jwt.pem")
	if err = adminhttp.WriteKeyFiles(privateName, filepath.Join(dir, "jwt.pub.pem")); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	key, err := adminhttp.ReadPrivateKeyFile(privateName)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	token, err := adminhttp.NewToken(key, "e2e", time.Hour)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	project, err := compose.NewDockerCompose("../../compose.yaml")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	stack := project.WithEnv(map[string]string{
		"LOCALCI_CONFIG_DIR":                      dir,
		"LOCALCI_ADMIN_JWT_VERIFICATION_KEY_FILE": "/etc/localci/jwt.pub.pem",
	})
	tb.Cleanup(func() {
		_ = stack.Down(context.Background(), compose.RemoveImagesLocal, compose.RemoveOrphans(true), compose.RemoveVolumes(true))
	})
	if err = stack.Up(ctx, compose.Wait(true)); err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	gateway, err := stack.ServiceContainer(ctx, "gateway")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	host, err := gateway.Host(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	gitPort, err := gateway.MappedPort(ctx, "8080/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	adminPort, err := gateway.MappedPort(ctx, "8081/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	admin, err := adminhttp.NewClient(fmt.Sprintf("http://%s", net.JoinHostPort(host, adminPort.Port())), token)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return &cluster{
		gitAddr: net.JoinHostPort(host, gitPort.Port()),
		admin:   admin,
	}
}

func (c *cluster) repoURL(login, slug string) string {
	return fmt.Sprintf("http://%s:%s@%s/git/E2E/%s.git", login, login, c.gitAddr, slug)
}

func git(tb testing.TB, dir string, args ...string) {
	tb.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=E2E", "-c", "user.email=e2e@example.com"}, args...)...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		tb.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// pushFiles commits files into a new repository and pushes it to url.
func pushFiles(tb testing.TB, url string, files map[string]string) {
	tb.Helper()
	dir := tb.TempDir()
	git(tb, dir, "init", "-b", "main")
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			tb.Fatalf("didn't want %q", err)
		}
	}
	git(tb, dir, "add", ".")
	git(tb, dir, "commit", "-m", "Add files")
	git(tb, dir, "push", url, "HEAD:main")
}

// waitJob returns the id of the first job seen for slug.
func (c *cluster) waitJob(tb testing.TB, ctx context.Context, slug string) uuid.UUID {
	tb.Helper()
	for {
		queued, err := c.admin.QueuedJobs(ctx)
		if err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		running, err := c.admin.RunningJobs(ctx, nil)
		if err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		for _, j := range append(queued, running...) {
			if j.RepositorySlug == slug {
				return j.ID
			}
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			tb.Fatalf("didn't want %q", ctx.Err())
		}
	}
}

func (c *cluster) waitResult(tb testing.TB, ctx context.Context, jobID uuid.UUID) *adminhttp.ResultResponse {
	tb.Helper()
	for {
		result, err := c.admin.Result(ctx, jobID)
		if err == nil {
			return result
		}
		if !errors.Is(err, adminhttp.ErrNotFound) {
			tb.Fatalf("didn't want %q", err)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			tb.Fatalf("didn't want %q", ctx.Err())
		}
	}
}

func TestPushBuildsAssignment(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	c := newTestCluster(t, ctx)

	resp, err := http.Get("http://" + c.gitAddr + "/health")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	_ = resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}

	pushFiles(t, c.repoURL("instructor1", "e2e-tests"), map[string]string{"test.sh": testScript})

	pushFiles(t, c.repoURL("student1", "e2e-student1"), map[string]string{"answer.txt": "42\n"})
	jobID := c.waitJob(t, ctx, "e2e-student1")
	result := c.waitResult(t, ctx, jobID)

	if !result.Success {
		t.Fatalf("got failed result %+v, want success", result)
	}
	if got, want := [2]int{result.Passed, result.Failed}, [2]int{1, 0}; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if len(result.CommitHash) != 40 {
		t.Fatalf("got commit %q, want a full hash", result.CommitHash)
	}
}
