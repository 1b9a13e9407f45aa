package buildagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Runtime.CopyOut when the path doesn't exist.
var ErrNotFound = errors.New("not found")

// ContainerPrefix starts the name of every build container.
const ContainerPrefix = "localci-build-"

// Container labels set on every build container.
const (
	LabelJobID = "localci.job-id"
	LabelAgent = "localci.agent"
)

type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code is %d", e.ExitCode)
}

// Limits are applied to every build container.
type Limits struct {
	NanoCPUs   int64
	Memory     int64 // bytes
	MemorySwap int64 // bytes
	PidsLimit  int64
	Network    string
}

type ContainerSpec struct {
	Name      string // required
	Image     string // required
	JobID     uuid.UUID
	AgentName string
	Limits    Limits
}

type Container struct {
	ID        string
	Name      string
	JobID     uuid.UUID // uuid.Nil when the label is missing
	AgentName string    // empty when the label is missing
	Created   time.Time
	Running   bool
}

// ContainerName returns the name of the container running jobID.
func ContainerName(jobID uuid.UUID) string {
	return ContainerPrefix + jobID.String()
}

// IsBuildContainer reports whether name follows the build container naming convention.
func IsBuildContainer(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "/"), ContainerPrefix)
}

// Runtime runs build containers. A created container idles until it is
// stopped, commands run in it with Exec.
type Runtime interface {
	// EnsureImage pulls image unless it is present.
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec *ContainerSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	// Exec runs cmd in dir and writes its stdout and stderr to logs.
	// A non-zero exit code is returned as *ExitError.
	Exec(ctx context.Context, id string, cmd []string, dir string, logs io.Writer) error
	// CopyIn extracts the tar stream r into dir.
	CopyIn(ctx context.Context, id string, dir string, r io.Reader) error
	// CopyOut returns path as a tar stream or ErrNotFound.
	CopyOut(ctx context.Context, id string, path string) (io.ReadCloser, error)
	// Stop kills the container without a grace period.
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Containers lists build containers, running or not.
	Containers(ctx context.Context) ([]*Container, error)
	RemoveImage(ctx context.Context, image string) error
}
