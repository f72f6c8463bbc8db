// Package server runs the platform behind an HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/txn2/plume-admin/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
)

// Server couples a platform with its HTTP listener.
type Server struct {
	platform *platform.Platform
	http     *http.Server
}

// New creates a server for p using the platform's server configuration.
func New(p *platform.Platform) *Server {
	cfg := p.Config().Server
	return &Server{
		platform: p,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           Handler(p),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Handler mounts the health probes and the API.
func Handler(p *platform.Platform) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", p.Health().LivenessHandler())
	mux.Handle("GET /readyz", p.Health().ReadinessHandler())
	mux.Handle("/", p.Handler())
	return logRequests(mux)
}

// Platform returns the served platform.
func (s *Server) Platform() *platform.Platform {
	return s.platform
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// SetAddr overrides the listen address. It must be called before Run.
func (s *Server) SetAddr(addr string) {
	s.http.Addr = addr
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the platform, serves on ln until ctx is cancelled, then
// drains in-flight requests and stops the platform.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.platform.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting platform: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "address", ln.Addr().String(), "version", Version)
		serveErr <- s.http.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.platform.Config().Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		_ = s.http.Close()
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := s.platform.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stopping platform: %w", err))
	}
	return runErr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests logs one line per request. Probe requests log at debug.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
