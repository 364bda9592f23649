// Package server exposes a veritas.Service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/internal/telemetry"
)

// DefaultAllowedOrigins is the CORS allowlist used when none is configured
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// Config controls the HTTP listener
type Config struct {
	Addr                string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	AllowedOrigins      []string      `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxRequestBodyBytes int64         `json:"max_request_body_bytes" yaml:"max_request_body_bytes" mapstructure:"max_request_body_bytes"`
	ReadHeaderTimeout   time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" mapstructure:"read_header_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout     time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the listener defaults
func DefaultConfig() Config {
	return Config{
		Addr:                ":8000",
		AllowedOrigins:      DefaultAllowedOrigins,
		MaxRequestBodyBytes: 12 << 20,
		ReadHeaderTimeout:   5 * time.Second,
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Server routes HTTP requests to a veritas.Service. If a Broadcaster is set,
// /veritas/stream tails newly committed links over a websocket.
type Server struct {
	service     *veritas.Service
	broadcaster *audit.Broadcaster
	config      Config
}

// New creates a server. broadcaster may be nil, which disables streaming.
func New(service *veritas.Service, broadcaster *audit.Broadcaster, config Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = DefaultAllowedOrigins
	}
	return &Server{service: service, broadcaster: broadcaster, config: config}, nil
}

// Handler returns the routed handler with its middleware chain
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(CORSMiddleware(s.config.AllowedOrigins))
	r.Use(SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("veritas"))

	r.Get("/", s.status)
	r.Get("/veritas/stream", s.stream)

	r.Group(func(r chi.Router) {
		r.Use(limitRequestBody(s.config.MaxRequestBodyBytes))
		r.Post("/veritas/log", s.logAuditEvent)
		r.Post("/veritas/resume", s.resume)
		r.Get("/veritas/chain", s.chain)
		r.Get("/veritas/verify", s.verify)
		r.Post("/umbrella/encrypt", s.encryptData)
		r.Post("/umbrella/shred", s.shredKey)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("veritas listening on %s\n", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// end live streams, Shutdown does not track hijacked connections
	if s.broadcaster != nil {
		_ = s.broadcaster.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
