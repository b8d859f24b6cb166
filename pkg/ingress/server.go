package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/observability"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
)

// HealthCheck probes one dependency for the health surface.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Server routes ingress operations into the case store and workflow engine.
type Server struct {
	cases     *casestore.Store
	engine    *workflow.Engine
	auth      *Authenticator
	limiter   Limiter
	dedupe    Deduper
	checks    []HealthCheck
	logger    *slog.Logger
	clock     func() time.Time
	telemetry *observability.Provider
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLimiter installs the per-tenant rate limiter. Absent limiter admits all.
func WithLimiter(l Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithDeduper installs the fast-path signal dedupe.
func WithDeduper(d Deduper) ServerOption {
	return func(s *Server) { s.dedupe = d }
}

// WithHealthCheck registers a named dependency probe.
func WithHealthCheck(name string, check func(context.Context) error) ServerOption {
	return func(s *Server) { s.checks = append(s.checks, HealthCheck{Name: name, Check: check}) }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// WithTelemetry attaches ingress metrics. A nil provider is a no-op.
func WithTelemetry(p *observability.Provider) ServerOption {
	return func(s *Server) { s.telemetry = p }
}

func NewServer(cases *casestore.Store, engine *workflow.Engine, auth *Authenticator,
	logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cases:  cases,
		engine: engine,
		auth:   auth,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the middleware chain around the route table:
// recovery → correlation id → auth → rate limit → routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", s.handleSubmitOrder)
	mux.HandleFunc("/signals/reupload", s.handleSignalReupload)
	mux.HandleFunc("/signals/corrections", s.handleSignalCorrections)
	mux.HandleFunc("/signals/selections", s.handleSignalSelections)
	mux.HandleFunc("/signals/approval", s.handleSignalApproval)
	mux.HandleFunc("/cases/", s.handleGetCase)
	mux.HandleFunc("/health", s.handleHealth)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.authenticate(h)
	h = s.correlate(h)
	h = s.recoverPanics(h)
	return h
}

// ListenAndServe runs the server until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("ingress listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
