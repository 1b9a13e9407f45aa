package buildagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

var _ Runtime = (*DockerRuntime)(nil)

// capAdd are the capabilities Docker grants by default.
// Build containers get them back after dropping ALL.
var capAdd = strslice.StrSlice{"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FSETID", "CAP_FOWNER", "CAP_MKNOD", "CAP_NET_RAW", "CAP_SETGID", "CAP_SETUID", "CAP_SETFCAP", "CAP_SETPCAP", "CAP_NET_BIND_SERVICE", "CAP_SYS_CHROOT", "CAP_KILL", "CAP_AUDIT_WRITE"}

type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime(cfg *DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping checks that the daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}

	slog.Info("pulling image", "image", ref)
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	defer rc.Close()
	// The pull finishes when its progress stream ends.
	if _, err = io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Limits.Network),
		CapDrop:     strslice.StrSlice{"ALL"},
		CapAdd:      capAdd,
		Resources: container.Resources{
			NanoCPUs:   spec.Limits.NanoCPUs,
			Memory:     spec.Limits.Memory,
			MemorySwap: spec.Limits.MemorySwap,
		},
		LogConfig: container.LogConfig{
			Type: "none",
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	cont, err := r.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:      spec.Image,
			Entrypoint: strslice.StrSlice{},
			// The container idles until it is stopped, the build runs with Exec.
			Cmd:    strslice.StrSlice{"tail", "-f", "/dev/null"},
			Labels: map[string]string{
				LabelJobID: spec.JobID.String(),
				LabelAgent: spec.AgentName,
			},
		},
		hostConfig,
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return cont.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Exec(ctx context.Context, id string, cmd []string, dir string, logs io.Writer) error {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}

	conn, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	defer conn.Close()

	// The hijacked connection ignores ctx, closing it unblocks StdCopy.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_, err = stdcopy.StdCopy(logs, logs, conn.Reader)
	if ctx.Err() != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	if inspect.Running {
		return errors.New("buildagent.DockerRuntime: didn't exit")
	}
	if inspect.ExitCode != 0 {
		return &ExitError{ExitCode: inspect.ExitCode}
	}
	return nil
}

func (r *DockerRuntime) CopyIn(ctx context.Context, id string, dir string, rd io.Reader) error {
	err := r.cli.CopyToContainer(ctx, id, dir, rd, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) CopyOut(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	rc, _, err := r.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			err = errors.Join(ErrNotFound, err)
		}
		return nil, fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return rc, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, id string) error {
	timeout := 0
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Signal: "SIGKILL", Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Containers(ctx context.Context) ([]*Container, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", ContainerPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}

	containers := make([]*Container, 0, len(list))
	for _, c := range list {
		name := ""
		for _, n := range c.Names {
			if IsBuildContainer(n) {
				name = strings.TrimPrefix(n, "/")
				break
			}
		}
		// The name filter matches substrings.
		if name == "" {
			continue
		}
		jobID, _ := uuid.Parse(c.Labels[LabelJobID])
		containers = append(containers, &Container{
			ID:        c.ID,
			Name:      name,
			JobID:     jobID,
			AgentName: c.Labels[LabelAgent],
			Created:   time.Unix(c.Created, 0),
			Running:   c.State == "running",
		})
	}
	return containers, nil
}

func (r *DockerRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("buildagent.DockerRuntime: %w", err)
	}
	return nil
}
