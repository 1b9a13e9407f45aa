// Package adminhttp serves the read-only operator API over the build queue.
//
//	@title						LocalCI admin API
//	@version					1.0
//	@description				Read-only view of build jobs, agents and results.
//	@BasePath					/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package adminhttp

import (
	"crypto/ed25519"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/k11v/localci/internal/buildqueue"

	_ "github.com/k11v/localci/internal/adminhttp/docs"
)

// NewServer returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func NewServer(cfg *Config, log *slog.Logger, reader buildqueue.Reader, logs LogReader, key ed25519.PublicKey, development bool) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "adminhttp")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(subLogger, reader, logs, key, development)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
