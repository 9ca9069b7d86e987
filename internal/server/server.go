// Package server exports the daemon over HTTP on a unix socket. Callers are
// identified by the socket's peer credentials.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/sigreer/diskd/internal/config"
	"github.com/sigreer/diskd/internal/daemon"
)

// Server serves the daemon API
type Server struct {
	d       *daemon.Daemon
	log     logr.Logger
	limiter *callerLimiter
	mux     *http.ServeMux
}

// New builds the API for d
func New(d *daemon.Daemon, cfg *config.Config, log logr.Logger) *Server {
	s := &Server{
		d:       d,
		log:     log.WithName("server"),
		limiter: newCallerLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the API handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen opens the unix socket at path, replacing a stale one. The socket is
// world-connectable; access control happens per request.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket mode: %w", err)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ConnContext:       connContext,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.log.Info("Serving API", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
