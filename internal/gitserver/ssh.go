package gitserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/platform"
)

const extensionLogin = "login"

// SSHServer serves git-upload-pack and git-receive-pack over SSH.
// Users authenticate with the public key the platform stores for them.
type SSHServer struct {
	Addr string

	g      *Gateway
	keys   platform.KeyStore
	log    *slog.Logger
	config *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewSSHServer returns the SSH server. The host key is created when the
// configured file doesn't exist.
// It should be started with SSHServer's ListenAndServe.
func NewSSHServer(cfg *SSHConfig, log *slog.Logger, g *Gateway, keys platform.KeyStore) (*SSHServer, error) {
	signer, err := LoadHostKey(cfg.hostKeyFile())
	if err != nil {
		return nil, fmt.Errorf("gitserver.NewSSHServer: %w", err)
	}
	s := &SSHServer{
		Addr:  net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port())),
		g:     g,
		keys:  keys,
		log:   log.With("component", "gitserver-ssh"),
		conns: make(map[net.Conn]struct{}),
	}
	s.config = &ssh.ServerConfig{PublicKeyCallback: s.authenticate}
	s.config.AddHostKey(signer)
	return s, nil
}

// LoadHostKey reads a PEM encoded private key from path. When path doesn't
// exist it generates an ed25519 key and writes it there.
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return generateHostKey(path)
	} else if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func generateHostKey(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	slog.Info("generated ssh host key", "path", path)
	return ssh.NewSignerFromKey(priv)
}

func (s *SSHServer) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	login := conn.User()
	want, err := s.keys.PublicKeyFingerprint(context.Background(), login)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			s.log.Error("didn't look up public key", "login", login, "err", err)
		}
		return nil, ErrUnauthorized
	}
	got := ssh.FingerprintSHA256(key)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, ErrUnauthorized
	}
	return &ssh.Permissions{Extensions: map[string]string{extensionLogin: login}}, nil
}

func (s *SSHServer) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close is called.
func (s *SSHServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return net.ErrClosed
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting connections, closes the open ones and waits for
// their handlers to return.
func (s *SSHServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *SSHServer) handleConn(nConn net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		s.log.Debug("didn't establish ssh connection", "remote", nConn.RemoteAddr().String(), "err", err)
		_ = nConn.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	login := conn.Permissions.Extensions[extensionLogin]
	var wg sync.WaitGroup
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			s.log.Error("didn't accept channel", "login", login, "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ctx, login, ch, requests)
		}()
	}
	wg.Wait()
}

func (s *SSHServer) handleSession(ctx context.Context, login string, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	var protocol string
	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil && kv.Name == "GIT_PROTOCOL" {
				protocol = kv.Value
			}
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			code := s.exec(ctx, login, payload.Command, protocol, ch)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// parseCommand parses a command like "git-receive-pack '/git/PROG1/prog1-student1'".
func parseCommand(command string) (gitrepo.Service, string, error) {
	name, arg, ok := strings.Cut(strings.TrimSpace(command), " ")
	if !ok {
		return "", "", fmt.Errorf("unsupported command %q", command)
	}
	service, ok := gitrepo.ServiceFromString(name)
	if !ok {
		return "", "", fmt.Errorf("unsupported command %q", name)
	}
	p := strings.Trim(strings.TrimSpace(arg), `'"`)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, ".git") {
		p += ".git"
	}
	return service, p, nil
}

// exec runs one Git command and returns its exit status.
// The access decision is made again for every command.
func (s *SSHServer) exec(ctx context.Context, login, command, protocol string, ch ssh.Channel) uint32 {
	fail := func(msg string) uint32 {
		_, _ = io.WriteString(ch.Stderr(), "fatal: "+msg+"\n")
		return 1
	}

	service, p, err := parseCommand(command)
	if err != nil {
		return fail(err.Error())
	}

	user, err := s.g.Directory.User(ctx, login)
	if errors.Is(err, platform.ErrNotFound) {
		return fail("unauthorized")
	} else if err != nil {
		s.log.Error("didn't look up user", "login", login, "err", err)
		return fail("internal server error")
	}
	principal := &Principal{User: user}

	t, err := s.g.authorize(ctx, principal, p, service)
	if err != nil {
		logAuthorizeError(s.log, p, principal, err)
		_, msg := statusOf(err)
		return fail(msg)
	}

	opts := &gitrepo.Options{Protocol: protocol}
	switch service {
	case gitrepo.UploadPack:
		err = gitrepo.Serve(ctx, t.dir, gitrepo.UploadPack, opts, ch, ch)
	case gitrepo.ReceivePack:
		if err = gitrepo.AdvertiseRefs(ctx, t.dir, gitrepo.ReceivePack, opts, ch); err != nil {
			break
		}
		err = s.g.receivePack(ctx, &receiveParams{principal: principal, target: t, protocol: protocol}, ch, ch)
	}
	if err != nil {
		s.log.Error("didn't serve ssh command", "repository", t.id.String(), "login", login, "service", service, "err", err)
		return fail("internal server error")
	}
	return 0
}
