package buildagent

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/repo"
)

// spyRuntime records calls and keeps the files of its containers in memory.
type spyRuntime struct {
	// exec simulates the build script. It may change files and write logs.
	exec func(ctx context.Context, files map[string][]byte, logs io.Writer) error
	// ensureImageErr and createErr are returned by every call when set.
	ensureImageErr error
	createErr      error
	// stallImagePulls makes EnsureImage block until its ctx is done.
	stallImagePulls bool

	mu            sync.Mutex
	calls         []string
	files         map[string]map[string][]byte // container id, path, content
	containers    map[string]*Container
	removedImages []string
}

var _ Runtime = (*spyRuntime)(nil)

func newSpyRuntime() *spyRuntime {
	return &spyRuntime{
		files:      make(map[string]map[string][]byte),
		containers: make(map[string]*Container),
	}
}

func (r *spyRuntime) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *spyRuntime) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// remaining returns the containers that weren't removed.
func (r *spyRuntime) remaining() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cs []*Container
	for _, c := range r.containers {
		cs = append(cs, c)
	}
	return cs
}

func (r *spyRuntime) EnsureImage(ctx context.Context, image string) error {
	r.record("EnsureImage")
	if r.stallImagePulls {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.ensureImageErr
}

func (r *spyRuntime) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	r.record("Create")
	if r.createErr != nil {
		return "", r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "c-" + spec.JobID.String()
	r.containers[id] = &Container{ID: id, Name: spec.Name, JobID: spec.JobID, AgentName: spec.AgentName, Created: time.Now()}
	r.files[id] = make(map[string][]byte)
	return id, nil
}

func (r *spyRuntime) Start(ctx context.Context, id string) error {
	r.record("Start")
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return errors.New("no such container")
	}
	c.Running = true
	return nil
}

func (r *spyRuntime) Exec(ctx context.Context, id string, cmd []string, dir string, logs io.Writer) error {
	r.record("Exec")
	r.mu.Lock()
	files := r.files[id]
	r.mu.Unlock()
	if r.exec == nil {
		return nil
	}
	return r.exec(ctx, files, logs)
}

func (r *spyRuntime) CopyIn(ctx context.Context, id string, dir string, rd io.Reader) error {
	r.record("CopyIn")
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.files[id][path.Join(dir, hdr.Name)] = b
		r.mu.Unlock()
	}
}

func (r *spyRuntime) CopyOut(ctx context.Context, id string, p string) (io.ReadCloser, error) {
	r.record("CopyOut")
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	found := false
	for name, content := range r.files[id] {
		if name != p && !strings.HasPrefix(name, p+"/") {
			continue
		}
		found = true
		rel := strings.TrimPrefix(name, path.Dir(p)+"/")
		err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: rel, Mode: 0o644, Size: int64(len(content))})
		if err != nil {
			return nil, err
		}
		if _, err = tw.Write(content); err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(buf), nil
}

func (r *spyRuntime) Stop(ctx context.Context, id string) error {
	r.record("Stop")
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
	return nil
}

func (r *spyRuntime) Remove(ctx context.Context, id string) error {
	r.record("Remove")
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	delete(r.files, id)
	return nil
}

func (r *spyRuntime) Containers(ctx context.Context) ([]*Container, error) {
	r.record("Containers")
	return r.remaining(), nil
}

func (r *spyRuntime) RemoveImage(ctx context.Context, image string) error {
	r.record("RemoveImage")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedImages = append(r.removedImages, image)
	return nil
}

// spySources writes a fake checkout with a detached HEAD.
type spySources struct {
	mu        sync.Mutex
	checkouts []string
}

// headOf is the commit a checkout without an explicit commit ends up at.
func headOf(id repo.Identity) string {
	return fmt.Sprintf("%040x", len(id.Slug))
}

func (s *spySources) Checkout(ctx context.Context, id repo.Identity, branch, commit, dir string) error {
	s.mu.Lock()
	s.checkouts = append(s.checkouts, id.String())
	s.mu.Unlock()

	if commit == "" {
		commit = headOf(id)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte(commit+"\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "README.md"), []byte(id.String()), 0o644)
}

// spyLogs stores uploaded logs.
type spyLogs struct {
	mu   sync.Mutex
	logs map[uuid.UUID]string
}

func (l *spyLogs) Upload(ctx context.Context, jobID uuid.UUID, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logs == nil {
		l.logs = make(map[uuid.UUID]string)
	}
	l.logs[jobID] = string(b)
	return "builds/" + jobID.String() + "/log", nil
}

// spyNotifier records notifications.
type spyNotifier struct {
	mu      sync.Mutex
	queued  int
	results []uuid.UUID
}

func (n *spyNotifier) JobQueued(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queued++
	return nil
}

func (n *spyNotifier) ResultStored(ctx context.Context, jobID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, jobID)
	return nil
}

// junit returns a report with passed passing and failed failing tests.
func junit(passed, failed int) []byte {
	b := &strings.Builder{}
	fmt.Fprintf(b, `<testsuite name="BehaviorTest" tests="%d">`, passed+failed)
	for i := range passed {
		fmt.Fprintf(b, `<testcase name="passes%d" classname="BehaviorTest" time="0.01"/>`, i)
	}
	for i := range failed {
		fmt.Fprintf(b, `<testcase name="fails%d" classname="BehaviorTest"><failure message="expected 1 but was 2"/></testcase>`, i)
	}
	b.WriteString(`</testsuite>`)
	return []byte(b.String())
}
