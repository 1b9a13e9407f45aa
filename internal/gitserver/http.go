package gitserver

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/pktline"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repoaccess"
)

const (
	headerGitProtocol     = "Git-Protocol"
	headerWWWAuthenticate = "WWW-Authenticate"
	realm                 = `Basic realm="LocalVC"`
)

// NewServer returns the smart HTTP server.
// It should be started with http.Server's ListenAndServe.
func NewServer(cfg *Config, log *slog.Logger, g *Gateway) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "gitserver")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           NewHandler(g, subLogger),
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}
}

type handler struct {
	mux *http.ServeMux
	g   *Gateway
	log *slog.Logger
}

// NewHandler returns the smart HTTP handler of g.
func NewHandler(g *Gateway, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &handler{mux: mux, g: g, log: log}

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.HandleFunc("GET /git/{projectKey}/{slug}/info/refs", h.GetInfoRefs)
	mux.HandleFunc("POST /git/{projectKey}/{slug}/git-upload-pack", h.UploadPack)
	mux.HandleFunc("POST /git/{projectKey}/{slug}/git-receive-pack", h.ReceivePack)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func repositoryPath(r *http.Request) string {
	slug := r.PathValue("slug")
	if !strings.HasSuffix(slug, ".git") {
		slug += ".git"
	}
	return "/git/" + r.PathValue("projectKey") + "/" + slug
}

// authorize authenticates r and authorizes it for service.
// It writes the error response and returns nil when r can't proceed.
func (h *handler) authorize(w http.ResponseWriter, r *http.Request, service gitrepo.Service) (*Principal, *target) {
	login, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set(headerWWWAuthenticate, realm)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, nil
	}
	principal, err := h.g.AuthenticatePassword(r.Context(), login, password)
	if errors.Is(err, ErrUnauthorized) {
		w.Header().Set(headerWWWAuthenticate, realm)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return nil, nil
	} else if err != nil {
		h.log.Error("didn't authenticate", "login", login, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, nil
	}

	p := repositoryPath(r)
	t, err := h.g.authorize(r.Context(), principal, p, service)
	if err != nil {
		logAuthorizeError(h.log, p, principal, err)
		status, msg := statusOf(err)
		http.Error(w, msg, status)
		return nil, nil
	}
	return principal, t
}

// statusOf maps an authorize error to an HTTP status and a message for the Git client.
func statusOf(err error) (int, string) {
	var deny *repoaccess.DenyError
	switch {
	case errors.Is(err, ErrRepositoryNotFound):
		return http.StatusNotFound, "repository not found"
	case errors.As(err, &deny):
		return http.StatusForbidden, string(deny.Reason)
	case errors.Is(err, push.ErrLimitExceeded):
		return http.StatusForbidden, MessageLimit
	case errors.Is(err, platform.ErrNoParticipation):
		return http.StatusInternalServerError, "internal server error: no participation"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *handler) GetInfoRefs(w http.ResponseWriter, r *http.Request) {
	service, ok := gitrepo.ServiceFromString(r.URL.Query().Get("service"))
	if !ok {
		http.Error(w, "only the smart protocol is supported", http.StatusBadRequest)
		return
	}
	_, t := h.authorize(w, r, service)
	if t == nil {
		return
	}

	protocol := r.Header.Get(headerGitProtocol)
	w.Header().Set("Content-Type", "application/x-git-"+string(service)+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Protocol v2 capability advertisements carry no service line.
	if service != gitrepo.UploadPack || !strings.Contains(protocol, "version=2") {
		pw := pktline.NewWriter(w)
		if err := pw.WriteLine("# service=git-" + string(service)); err != nil {
			return
		}
		if err := pw.WriteFlush(); err != nil {
			return
		}
	}
	opts := &gitrepo.Options{Protocol: protocol}
	if err := gitrepo.AdvertiseRefs(r.Context(), t.dir, service, opts, w); err != nil {
		h.log.Error("didn't advertise refs", "repository", t.id.String(), "err", err)
	}
}

func (h *handler) UploadPack(w http.ResponseWriter, r *http.Request) {
	_, t := h.authorize(w, r, gitrepo.UploadPack)
	if t == nil {
		return
	}
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	opts := &gitrepo.Options{Protocol: r.Header.Get(headerGitProtocol)}
	if err = gitrepo.ServeStateless(r.Context(), t.dir, gitrepo.UploadPack, opts, body, w); err != nil {
		h.log.Error("didn't upload pack", "repository", t.id.String(), "err", err)
	}
}

func (h *handler) ReceivePack(w http.ResponseWriter, r *http.Request) {
	principal, t := h.authorize(w, r, gitrepo.ReceivePack)
	if t == nil {
		return
	}
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	params := &receiveParams{principal: principal, target: t, protocol: r.Header.Get(headerGitProtocol)}
	if err = h.g.receivePack(r.Context(), params, body, w); err != nil {
		h.log.Error("didn't receive pack", "repository", t.id.String(), "login", principal.Login(), "err", err)
	}
}

// requestBody returns the body of r, inflated when the client compressed it.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	switch r.Header.Get("Content-Encoding") {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		return zr, nil
	default:
		return r.Body, nil
	}
}
