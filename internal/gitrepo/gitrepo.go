// Package gitrepo runs the git binary against bare repositories on disk.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/k11v/localci/internal/buildqueue"
)

var ErrNotFound = errors.New("repository not found")

// Service is a Git transfer service.
type Service string

const (
	UploadPack  Service = "upload-pack"
	ReceivePack Service = "receive-pack"
)

func ServiceFromString(s string) (Service, bool) {
	switch s {
	case "git-upload-pack", "upload-pack":
		return UploadPack, true
	case "git-receive-pack", "receive-pack":
		return ReceivePack, true
	default:
		return "", false
	}
}

// CommandError is returned when git exits unsuccessfully.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Options tune a transfer service run.
type Options struct {
	Config   []string // "key=value" pairs passed with -c
	Protocol string   // value of GIT_PROTOCOL, e.g. "version=2"
	Stderr   io.Writer
}

func command(ctx context.Context, opts *Options, args ...string) *exec.Cmd {
	var full []string
	if opts != nil {
		for _, c := range opts.Config {
			full = append(full, "-c", c)
		}
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if opts != nil && opts.Protocol != "" {
		cmd.Env = append(cmd.Env, "GIT_PROTOCOL="+opts.Protocol)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func run(cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: cmd.Args[1:], Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// Exists reports whether dir holds a bare repository.
func Exists(dir string) bool {
	info, err := os.Stat(dir + "/HEAD")
	return err == nil && info.Mode().IsRegular()
}

// Init creates a bare repository in dir whose HEAD points at defaultBranch.
// It does nothing when the repository exists.
func Init(ctx context.Context, dir, defaultBranch string) error {
	if Exists(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("gitrepo.Init: %w", err)
	}
	if _, err := run(command(ctx, nil, "init", "--quiet", "--bare", "--initial-branch="+defaultBranch, dir)); err != nil {
		return fmt.Errorf("gitrepo.Init: %w", err)
	}
	return nil
}

// AdvertiseRefs writes the ref advertisement of service for dir to w.
func AdvertiseRefs(ctx context.Context, dir string, service Service, opts *Options, w io.Writer) error {
	if !Exists(dir) {
		return ErrNotFound
	}
	cmd := command(ctx, opts, string(service), "--stateless-rpc", "--advertise-refs", dir)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gitrepo.AdvertiseRefs: %w", &CommandError{Args: cmd.Args[1:], Stderr: stderr.String(), Err: err})
	}
	return nil
}

// ServeStateless runs one stateless RPC round of service, as smart HTTP does.
func ServeStateless(ctx context.Context, dir string, service Service, opts *Options, r io.Reader, w io.Writer) error {
	return serve(ctx, dir, service, opts, r, w, "--stateless-rpc")
}

// Serve runs service as a full session, as SSH does.
func Serve(ctx context.Context, dir string, service Service, opts *Options, r io.Reader, w io.Writer) error {
	return serve(ctx, dir, service, opts, r, w)
}

func serve(ctx context.Context, dir string, service Service, opts *Options, r io.Reader, w io.Writer, flags ...string) error {
	if !Exists(dir) {
		return ErrNotFound
	}
	args := append([]string{string(service)}, flags...)
	args = append(args, dir)
	cmd := command(ctx, opts, args...)
	cmd.Stdout = w
	var stderr bytes.Buffer
	if opts != nil && opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, opts.Stderr)
	} else {
		cmd.Stderr = &stderr
	}

	// The copy isn't waited for. An SSH client keeps its side open until it
	// has read the response, so r may only end after git has exited.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("gitrepo.Serve: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("gitrepo.Serve: %w", err)
	}
	go func() {
		_, _ = io.Copy(stdin, r)
		_ = stdin.Close()
	}()
	if err = cmd.Wait(); err != nil {
		return fmt.Errorf("gitrepo.Serve: %w", &CommandError{Args: cmd.Args[1:], Stderr: stderr.String(), Err: err})
	}
	return nil
}

// CommitInfo returns the metadata of commit hash in dir.
func CommitInfo(ctx context.Context, dir, hash string) (*buildqueue.Commit, error) {
	out, err := run(command(ctx, nil, "--git-dir", dir, "log", "-1", "--format=%an%x00%ae%x00%ct%x00%B", hash, "--"))
	if err != nil {
		return nil, fmt.Errorf("gitrepo.CommitInfo: %w", err)
	}
	parts := strings.SplitN(out, "\x00", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("gitrepo.CommitInfo: unexpected output %q", out)
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gitrepo.CommitInfo: %w", err)
	}
	return &buildqueue.Commit{
		Author:      parts[0],
		AuthorEmail: parts[1],
		Time:        time.Unix(unix, 0).UTC(),
		Message:     strings.TrimRight(parts[3], "\n"),
	}, nil
}

// HasObject reports whether dir contains the commit hash.
func HasObject(ctx context.Context, dir, hash string) bool {
	_, err := run(command(ctx, nil, "--git-dir", dir, "cat-file", "-e", hash+"^{commit}"))
	return err == nil
}

// Clone clones url into dir and detaches HEAD at commit,
// or at the tip of branch when commit is empty.
func Clone(ctx context.Context, url, dir, branch, commit string) error {
	args := []string{"clone", "--quiet", "--no-checkout"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	if _, err := run(command(ctx, nil, args...)); err != nil {
		return fmt.Errorf("gitrepo.Clone: %w", redact(err, url))
	}
	target := "HEAD"
	if commit != "" {
		target = commit
	}
	if _, err := run(command(ctx, nil, "-C", dir, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--detach", target)); err != nil {
		return fmt.Errorf("gitrepo.Clone: %w", err)
	}
	return nil
}

// redact removes url, which may carry credentials, from err.
func redact(err error, url string) error {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}
	args := make([]string, len(cmdErr.Args))
	for i, a := range cmdErr.Args {
		if a == url {
			a = "<url>"
		}
		args[i] = a
	}
	return &CommandError{Args: args, Stderr: strings.ReplaceAll(cmdErr.Stderr, url, "<url>"), Err: cmdErr.Err}
}
