package buildagent

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/repo"
)

// Sources checks out the repositories of a build.
type Sources interface {
	// Checkout puts commit of id into dir, or the tip of branch when commit is empty.
	Checkout(ctx context.Context, id repo.Identity, branch, commit, dir string) error
}

var _ Sources = (*GitSources)(nil)

// GitSources clones through the gateway as the build agent user.
type GitSources struct {
	baseURL *url.URL
}

// NewGitSources returns sources for the gateway and credentials in cfg.
func NewGitSources(cfg *Config) (*GitSources, error) {
	u, err := url.Parse(cfg.gatewayURL())
	if err != nil {
		return nil, fmt.Errorf("buildagent.GitSources: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("buildagent.GitSources: unsupported scheme %q", u.Scheme)
	}
	u.User = url.UserPassword(cfg.gitUser(), cfg.GitPassword)
	return &GitSources{baseURL: u}, nil
}

func (s *GitSources) url(id repo.Identity) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + id.Path()
	return u.String()
}

func (s *GitSources) Checkout(ctx context.Context, id repo.Identity, branch, commit, dir string) error {
	if err := gitrepo.Clone(ctx, s.url(id), dir, branch, commit); err != nil {
		return fmt.Errorf("buildagent.GitSources: %s: %w", id, err)
	}
	return nil
}

// within joins a slash-separated path below root, never escaping it.
func within(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+p)))
}

// writeTar writes the tree under root to w. Entry names start with prefix.
// Everything is made writable for the build user.
func writeTar(w io.Writer, root, prefix string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		switch {
		case d.IsDir():
			hdr.Name += "/"
			hdr.Mode |= 0o777
		case info.Mode().IsRegular():
			hdr.Mode |= 0o666
		}
		if err = tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// readFirstFile returns the content of the first regular file of a tar stream.
func readFirstFile(r io.Reader, limit int64) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(io.LimitReader(tr, limit))
		}
	}
}

// tail returns at most the last n bytes of f.
func tail(f *os.File, n int64) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	off := max(info.Size()-n, 0)
	b := make([]byte, info.Size()-off)
	if _, err = f.ReadAt(b, off); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.ToValidUTF8(string(b), ""), nil
}
