package gitserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/k11v/localci/internal/buildqueue/buildqueuemem"
	"github.com/k11v/localci/internal/pktline"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/platform/platformstatic"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/push/pushmem"
)

const gatewayYAML = `
users:
  - login: student1
    passwordHash: %[1]q
    groups: [prog1-students]
    publicKey: %[2]q
  - login: student9
    passwordHash: %[1]q
    groups: [prog1-students]
  - login: editor1
    passwordHash: %[1]q
    groups: [prog1-editors]
courses:
  - id: 3
    groups:
      students: prog1-students
      teachingAssistants: prog1-tutors
      editors: prog1-editors
      instructors: prog1-instructors
    exercises:
      - id: 7
        projectKey: PROG1
        startDate: 2024-10-01T08:00:00Z
        dueDate: 2024-10-08T08:00:00Z
        submissionLimit: %[3]d
        templateParticipationId: 100
        solutionParticipationId: 101
        build:
          image: maven:3
        participations:
          - id: 11
            owners: [student1]
`

const (
	password      = "secret"
	agentUser     = "build-agent"
	agentPassword = "agent-secret"
)

var (
	duringWork = time.Date(2024, 10, 2, 10, 0, 0, 0, time.UTC)
	afterDue   = time.Date(2024, 10, 9, 10, 0, 0, 0, time.UTC)
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

type fixture struct {
	gateway *Gateway
	queue   *buildqueuemem.Store
	records *pushmem.Records
	dir     *platformstatic.Directory
	signer  ssh.Signer
	srv     *httptest.Server
	home    string
	now     atomic.Pointer[time.Time]
}

func newFixture(t *testing.T, submissionLimit int) *fixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	authorizedKey := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	dir, err := platformstatic.Parse([]byte(fmt.Sprintf(gatewayYAML, string(hash), authorizedKey, submissionLimit)))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	f := &fixture{
		queue:   buildqueuemem.New(),
		records: pushmem.New(),
		dir:     dir,
		signer:  signer,
		home:    t.TempDir(),
	}
	f.setNow(duringWork)
	base := t.TempDir()
	f.gateway = &Gateway{
		Directory: dir,
		Processor: &push.Processor{
			Directory: dir,
			Queue:     f.queue,
			Records:   f.records,
			BaseDir:   base,
		},
		BaseDir:       base,
		AgentUser:     agentUser,
		AgentPassword: agentPassword,
		Now: func() time.Time {
			return *f.now.Load()
		},
	}
	f.srv = httptest.NewServer(NewHandler(f.gateway, slog.Default()))
	t.Cleanup(func() {
		f.srv.Close()
		f.gateway.Processor.Wait()
	})
	return f
}

func (f *fixture) setNow(now time.Time) {
	f.now.Store(&now)
}

func (f *fixture) url(login, pass, slug string) string {
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		panic(err)
	}
	u.User = url.UserPassword(login, pass)
	u.Path = "/git/PROG1/" + slug + ".git"
	return u.String()
}

// git runs git in dir and returns its combined output.
func (f *fixture) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"HOME="+f.home,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=Student One", "GIT_AUTHOR_EMAIL=student1@example.com",
		"GIT_COMMITTER_NAME=Student One", "GIT_COMMITTER_EMAIL=student1@example.com",
		"GIT_AUTHOR_DATE=2024-10-02T10:00:00Z", "GIT_COMMITTER_DATE=2024-10-02T10:00:00Z",
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (f *fixture) mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := f.git(dir, args...)
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(out)
}

func (f *fixture) newWork(t *testing.T) string {
	t.Helper()
	work := filepath.Join(t.TempDir(), "work")
	f.mustGit(t, filepath.Dir(work), "init", "--quiet", "--initial-branch=main", work)
	return work
}

// commit writes name and commits it, returning the commit hash.
func (f *fixture) commit(t *testing.T, work, name, content, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(work, name), []byte(content), 0o644); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	f.mustGit(t, work, "add", ".")
	f.mustGit(t, work, "commit", "--quiet", "-m", message)
	return f.mustGit(t, work, "rev-parse", "HEAD")
}

func TestReceivePack(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	t.Run("accepts a push within the window and enqueues a job", func(t *testing.T) {
		f := newFixture(t, 0)
		work := f.newWork(t)
		head := f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")

		f.mustGit(t, work, "push", f.url("student1", password, "prog1-student1"), "main")
		f.gateway.Processor.Wait()

		jobs, err := f.queue.QueuedJobs(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := len(jobs), 1; got != want {
			t.Fatalf("got %d jobs, want %d", got, want)
		}
		j := jobs[0]
		if got, want := j.CommitHash, head; got != want {
			t.Fatalf("got commit %s, want %s", got, want)
		}
		if got, want := j.ParticipationID, int64(11); got != want {
			t.Fatalf("got participation %d, want %d", got, want)
		}
		if j.Commit == nil || j.Commit.Message != "Add sorting" || j.Commit.Branch != "main" {
			t.Fatalf("got commit %+v", j.Commit)
		}
		recs := f.records.All()
		if len(recs) != 1 || recs[0].Status != push.StatusQueued || recs[0].Login != "student1" {
			t.Fatalf("got records %+v", recs)
		}
	})

	t.Run("rejects a push after the due date", func(t *testing.T) {
		f := newFixture(t, 0)
		f.setNow(afterDue)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")

		out, err := f.git(work, "push", f.url("student1", password, "prog1-student1"), "main")
		if err == nil {
			t.Fatalf("got accepted push, want rejection")
		}
		if !strings.Contains(out, "403") {
			t.Fatalf("got output %q, want 403", out)
		}
		f.gateway.Processor.Wait()
		if jobs, _ := f.queue.QueuedJobs(ctx); len(jobs) != 0 {
			t.Fatalf("got %d jobs, want none", len(jobs))
		}
		if recs := f.records.All(); len(recs) != 0 {
			t.Fatalf("got records %+v, want none", recs)
		}
	})

	t.Run("rejects a branch deletion", func(t *testing.T) {
		f := newFixture(t, 0)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")
		remote := f.url("student1", password, "prog1-student1")
		f.mustGit(t, work, "push", remote, "main")

		out, err := f.git(work, "push", remote, ":main")
		if err == nil {
			t.Fatalf("got accepted deletion, want rejection")
		}
		if !strings.Contains(out, MessageDelete) {
			t.Fatalf("got output %q, want %q", out, MessageDelete)
		}
	})

	t.Run("rejects a force push", func(t *testing.T) {
		f := newFixture(t, 0)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")
		remote := f.url("student1", password, "prog1-student1")
		f.mustGit(t, work, "push", remote, "main")
		f.mustGit(t, work, "commit", "--quiet", "--amend", "-m", "Rewrite history")

		out, err := f.git(work, "push", "--force", remote, "main")
		if err == nil {
			t.Fatalf("got accepted force push, want rejection")
		}
		if !strings.Contains(out, MessageForcePush) {
			t.Fatalf("got output %q, want %q", out, MessageForcePush)
		}
		f.gateway.Processor.Wait()
		if jobs, _ := f.queue.QueuedJobs(ctx); len(jobs) != 1 {
			t.Fatalf("got %d jobs, want 1", len(jobs))
		}
		recs := f.records.All()
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		discarded := 0
		for _, r := range recs {
			if r.Status == push.StatusDiscarded {
				discarded++
			}
		}
		if discarded != 1 {
			t.Fatalf("got records %+v, want one discarded", recs)
		}
	})

	t.Run("rejects a push to another branch", func(t *testing.T) {
		f := newFixture(t, 0)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")

		out, err := f.git(work, "push", f.url("student1", password, "prog1-student1"), "main:feature")
		if err == nil {
			t.Fatalf("got accepted push, want rejection")
		}
		if !strings.Contains(out, MessageOtherBranch) {
			t.Fatalf("got output %q, want %q", out, MessageOtherBranch)
		}
		if recs := f.records.All(); len(recs) != 0 {
			t.Fatalf("got records %+v, want none", recs)
		}
	})

	t.Run("allows editors to force push to the template", func(t *testing.T) {
		f := newFixture(t, 0)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add template")
		remote := f.url("editor1", password, "prog1-exercise")
		f.mustGit(t, work, "push", remote, "main")
		f.mustGit(t, work, "commit", "--quiet", "--amend", "-m", "Fix template")
		f.mustGit(t, work, "push", "--force", remote, "main")
		f.gateway.Processor.Wait()

		jobs, _ := f.queue.QueuedJobs(ctx)
		if got, want := len(jobs), 2; got != want {
			t.Fatalf("got %d jobs, want %d", got, want)
		}
		if got, want := jobs[0].ParticipationID, int64(100); got != want {
			t.Fatalf("got participation %d, want %d", got, want)
		}
	})

	t.Run("rejects the push after the submission limit", func(t *testing.T) {
		f := newFixture(t, 1)
		work := f.newWork(t)
		f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")
		remote := f.url("student1", password, "prog1-student1")
		f.mustGit(t, work, "push", remote, "main")
		f.gateway.Processor.Wait()

		f.commit(t, work, "Sort.java", "class Sort { void sort() {} }\n", "Implement sorting")
		out, err := f.git(work, "push", remote, "main")
		if err == nil {
			t.Fatalf("got accepted push, want rejection")
		}
		if !strings.Contains(out, "403") {
			t.Fatalf("got output %q, want 403", out)
		}
		f.gateway.Processor.Wait()
		if jobs, _ := f.queue.QueuedJobs(ctx); len(jobs) != 1 {
			t.Fatalf("got %d jobs, want 1", len(jobs))
		}
	})
}

func TestUploadPack(t *testing.T) {
	requireGit(t)

	f := newFixture(t, 0)
	work := f.newWork(t)
	f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")
	f.mustGit(t, work, "push", f.url("student1", password, "prog1-student1"), "main")

	for _, tc := range []struct {
		name  string
		login string
		pass  string
	}{
		{"clones as the owner", "student1", password},
		{"clones as the build agent", agentUser, agentPassword},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clone := filepath.Join(t.TempDir(), "clone")
			f.mustGit(t, filepath.Dir(clone), "clone", "--quiet", f.url(tc.login, tc.pass, "prog1-student1"), clone)
			got, err := os.ReadFile(filepath.Join(clone, "Sort.java"))
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if want := "class Sort {}\n"; string(got) != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}

	t.Run("fetches after the due date", func(t *testing.T) {
		f.setNow(afterDue)
		defer f.setNow(duringWork)
		clone := filepath.Join(t.TempDir(), "clone")
		f.mustGit(t, filepath.Dir(clone), "clone", "--quiet", f.url("student1", password, "prog1-student1"), clone)
	})
}

func TestHandlerStatus(t *testing.T) {
	requireGit(t)
	f := newFixture(t, 0)

	tests := []struct {
		name       string
		path       string
		login      string
		pass       string
		wantStatus int
	}{
		{"requires credentials", "/git/PROG1/prog1-student1.git/info/refs?service=git-upload-pack", "", "", http.StatusUnauthorized},
		{"rejects a wrong password", "/git/PROG1/prog1-student1.git/info/refs?service=git-upload-pack", "student1", "wrong", http.StatusUnauthorized},
		{"rejects a wrong agent password", "/git/PROG1/prog1-student1.git/info/refs?service=git-upload-pack", agentUser, "wrong", http.StatusUnauthorized},
		{"doesn't find an unknown exercise", "/git/NOPE/nope-student1.git/info/refs?service=git-upload-pack", "student1", password, http.StatusNotFound},
		{"doesn't find an invalid slug", "/git/PROG1/other-student1.git/info/refs?service=git-upload-pack", "student1", password, http.StatusNotFound},
		{"forbids students to read the template", "/git/PROG1/prog1-exercise.git/info/refs?service=git-upload-pack", "student1", password, http.StatusForbidden},
		{"fails on a missing participation when pushing", "/git/PROG1/prog1-student9.git/info/refs?service=git-receive-pack", "student1", password, http.StatusInternalServerError},
		{"fails on a missing participation", "/git/PROG1/prog1-student9.git/info/refs?service=git-upload-pack", "student9", password, http.StatusInternalServerError},
		{"forbids the build agent to push", "/git/PROG1/prog1-student1.git/info/refs?service=git-receive-pack", agentUser, agentPassword, http.StatusForbidden},
		{"doesn't find a missing repository for the build agent", "/git/PROG1/prog1-student1.git/info/refs?service=git-upload-pack", agentUser, agentPassword, http.StatusNotFound},
		{"rejects the dumb protocol", "/git/PROG1/prog1-student1.git/info/refs", "student1", password, http.StatusBadRequest},
		{"advertises refs to the owner", "/git/PROG1/prog1-student1.git/info/refs?service=git-upload-pack", "student1", password, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if tt.login != "" {
				req.SetBasicAuth(tt.login, tt.pass)
			}
			resp, err := f.srv.Client().Do(req)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if got, want := resp.StatusCode, tt.wantStatus; got != want {
				t.Fatalf("got status %d, want %d: %s", got, want, body)
			}
			if tt.wantStatus == http.StatusUnauthorized && resp.Header.Get(headerWWWAuthenticate) == "" {
				t.Fatalf("got no %s header", headerWWWAuthenticate)
			}
			if tt.wantStatus == http.StatusOK {
				if got, want := resp.Header.Get("Content-Type"), "application/x-git-upload-pack-advertisement"; got != want {
					t.Fatalf("got content type %q, want %q", got, want)
				}
				if !bytes.HasPrefix(body, []byte("001e# service=git-upload-pack\n0000")) {
					t.Fatalf("got body %q", body)
				}
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	newCommit := strings.Repeat("b", 40)
	exercise := &platform.Exercise{ProjectKey: "PROG1"}
	branching := &platform.Exercise{ProjectKey: "PROG1", AllowBranching: true, BranchRegex: "feature/.*"}

	tests := []struct {
		name     string
		exercise *platform.Exercise
		cmd      pktline.Command
		want     string
	}{
		{"allows the default branch", exercise, pktline.Command{Old: pktline.ZeroHash, New: newCommit, Ref: "refs/heads/main"}, ""},
		{"rejects a deletion", exercise, pktline.Command{Old: newCommit, New: pktline.ZeroHash, Ref: "refs/heads/main"}, MessageDelete},
		{"rejects another branch", exercise, pktline.Command{Old: pktline.ZeroHash, New: newCommit, Ref: "refs/heads/dev"}, MessageOtherBranch},
		{"rejects a tag", exercise, pktline.Command{Old: pktline.ZeroHash, New: newCommit, Ref: "refs/tags/v1"}, MessageOtherBranch},
		{"allows a matching branch", branching, pktline.Command{Old: pktline.ZeroHash, New: newCommit, Ref: "refs/heads/feature/sort"}, ""},
		{"rejects a branch matching a prefix only", branching, pktline.Command{Old: pktline.ZeroHash, New: newCommit, Ref: "refs/heads/x-feature/sort"}, MessageOtherBranch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkCommand(tt.cmd, tt.exercise)
			got := ""
			if err != nil {
				got = err.Message
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAcceptedUpdate(t *testing.T) {
	a, b := strings.Repeat("a", 40), strings.Repeat("b", 40)
	commands := []pktline.Command{
		{Old: pktline.ZeroHash, New: a, Ref: "refs/heads/feature/x"},
		{Old: pktline.ZeroHash, New: b, Ref: "refs/heads/main"},
	}

	t.Run("prefers the default branch", func(t *testing.T) {
		rep := &pktline.Report{Refs: []pktline.RefStatus{{Ref: "refs/heads/feature/x"}, {Ref: "refs/heads/main"}}}
		got, ok := acceptedUpdate(commands, rep, "main")
		if !ok || got.New != b {
			t.Fatalf("got %+v, %v", got, ok)
		}
	})

	t.Run("skips rejected refs", func(t *testing.T) {
		rep := &pktline.Report{Refs: []pktline.RefStatus{{Ref: "refs/heads/feature/x"}, {Ref: "refs/heads/main", Error: MessageForcePush}}}
		got, ok := acceptedUpdate(commands, rep, "main")
		if !ok || got.New != a {
			t.Fatalf("got %+v, %v", got, ok)
		}
	})

	t.Run("reports nothing when every ref was rejected", func(t *testing.T) {
		rep := &pktline.Report{Refs: []pktline.RefStatus{{Ref: "refs/heads/feature/x", Error: "x"}, {Ref: "refs/heads/main", Error: "y"}}}
		if _, ok := acceptedUpdate(commands, rep, "main"); ok {
			t.Fatalf("got an update, want none")
		}
	})
}

func TestSkipPack(t *testing.T) {
	requireGit(t)
	f := newFixture(t, 0)
	work := f.newWork(t)
	f.commit(t, work, "Sort.java", strings.Repeat("class Sort {}\n", 100), "Add sorting")
	f.commit(t, work, "Sort.java", strings.Repeat("class Sort {}\n", 101), "Grow sorting")

	cmd := exec.Command("git", "pack-objects", "--stdout", "--revs")
	cmd.Dir = work
	cmd.Stdin = strings.NewReader("HEAD\n")
	pack, err := cmd.Output()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	br := bufio.NewReader(io.MultiReader(bytes.NewReader(pack), strings.NewReader("rest")))
	if err = skipPack(br); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rest, _ := io.ReadAll(br)
	if got, want := string(rest), "rest"; got != want {
		t.Fatalf("got %q after the pack, want %q", got, want)
	}

	if err = skipPack(bufio.NewReader(strings.NewReader("NOPE00000000"))); !errors.Is(err, errInvalidPack) {
		t.Fatalf("got %v, want %v", err, errInvalidPack)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		command     string
		wantService string
		wantPath    string
		wantErr     bool
	}{
		{"git-upload-pack '/git/PROG1/prog1-student1'", "upload-pack", "/git/PROG1/prog1-student1.git", false},
		{"git-receive-pack '/git/PROG1/prog1-student1.git'", "receive-pack", "/git/PROG1/prog1-student1.git", false},
		{"git-receive-pack 'git/PROG1/prog1-student1'", "receive-pack", "/git/PROG1/prog1-student1.git", false},
		{"rm -rf /", "", "", true},
		{"git-upload-pack", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			service, p, err := parseCommand(tt.command)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("got nil error, want one")
				}
				return
			}
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if string(service) != tt.wantService || p != tt.wantPath {
				t.Fatalf("got %s %s, want %s %s", service, p, tt.wantService, tt.wantPath)
			}
		})
	}
}

func newTestSSHServer(t *testing.T, f *fixture) string {
	t.Helper()
	s, err := NewSSHServer(&SSHConfig{HostKeyFile: filepath.Join(t.TempDir(), "keys", "host_key")}, slog.Default(), f.gateway, f.dir)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func TestSSHServer(t *testing.T) {
	requireGit(t)
	f := newFixture(t, 0)
	addr := newTestSSHServer(t, f)

	dial := func(t *testing.T, signer ssh.Signer) (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            "student1",
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		})
	}

	work := f.newWork(t)
	hash := f.commit(t, work, "Sort.java", "class Sort {}\n", "Add sorting")
	f.mustGit(t, work, "push", f.url("student1", password, "prog1-student1"), "main")

	t.Run("advertises refs to the owner", func(t *testing.T) {
		client, err := dial(t, f.signer)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer client.Close()
		session, err := client.NewSession()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer session.Close()

		var stdout bytes.Buffer
		session.Stdout = &stdout
		session.Stdin = strings.NewReader("0000")
		if err = session.Run("git-upload-pack '/git/PROG1/prog1-student1'"); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := hash + " refs/heads/main\n"; !strings.Contains(stdout.String(), want) {
			t.Fatalf("got %q, want a line containing %q", stdout.String(), want)
		}
	})

	t.Run("forbids students to read the template", func(t *testing.T) {
		client, err := dial(t, f.signer)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer client.Close()
		session, err := client.NewSession()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer session.Close()

		var stderr bytes.Buffer
		session.Stderr = &stderr
		err = session.Run("git-upload-pack '/git/PROG1/prog1-exercise'")
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
			t.Fatalf("got %v, want exit status 1", err)
		}
		if !strings.Contains(stderr.String(), "Students cannot access this repository.") {
			t.Fatalf("got stderr %q", stderr.String())
		}
	})

	t.Run("rejects an unknown key", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		other, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if client, err := dial(t, other); err == nil {
			client.Close()
			t.Fatalf("got a connection, want an authentication failure")
		}
	})
}

func TestLoadHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	first, err := LoadHostKey(path)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	second, err := LoadHostKey(path)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := ssh.FingerprintSHA256(second.PublicKey()), ssh.FingerprintSHA256(first.PublicKey()); got != want {
		t.Fatalf("got fingerprint %s, want %s", got, want)
	}
}
