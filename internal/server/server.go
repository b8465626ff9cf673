// Package server exposes runnerguard over HTTP: the self-service runner
// API, the administrative sync, policy and security event endpoints, the
// GitHub webhook receiver, health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/runnerguard/internal/audit"
	"github.com/terrpan/runnerguard/internal/health"
	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/provision"
	"github.com/terrpan/runnerguard/internal/reconcile"
	"github.com/terrpan/runnerguard/internal/runner"
)

const (
	APIPrefix   = "/api/v1"
	WebhookPath = "/webhooks/github"

	// shutdownTimeout is the time given for outstanding requests to finish
	// before shutdown.
	shutdownTimeout = 10 * time.Second

	maxBodyBytes int64 = 1 << 20
)

// Runners is the self-service runner API.
type Runners interface {
	Provision(ctx context.Context, req provision.Request, subject runner.Subject) (*provision.Result, error)
	List(ctx context.Context, subject runner.Subject, activeOnly bool) ([]*runner.Runner, error)
	Get(ctx context.Context, name string, subject runner.Subject) (*runner.Runner, error)
	Refresh(ctx context.Context, name string, subject runner.Subject) (*runner.Runner, error)
	Deprovision(ctx context.Context, name string, subject runner.Subject) error
}

// Cycles exposes the reconciliation engine.
type Cycles interface {
	health.CycleReporter
	History(ctx context.Context, limit int) ([]*reconcile.CycleSummary, error)
	Trigger(ctx context.Context) (*reconcile.CycleSummary, error)
}

// SecurityEvents lists recorded security events.
type SecurityEvents interface {
	ListSecurityEvents(ctx context.Context, filter audit.Filter) ([]*audit.SecurityEvent, error)
}

// PolicyStore reads and writes policies.
type PolicyStore interface {
	policy.Store
	policy.Writer
}

// Config holds the dependencies and settings of a Server.
type Config struct {
	Runners  Runners
	Cycles   Cycles
	Events   SecurityEvents
	Policies PolicyStore
	// Webhook, when set, is mounted at WebhookPath.
	Webhook http.Handler

	Identity IdentityConfig
	// Launcher is reported by the health endpoint.
	Launcher string

	EnableRequestLogging bool
	Logger               *slog.Logger
}

// Server is the HTTP server for runnerguard.
type Server struct {
	runners  Runners
	cycles   Cycles
	events   SecurityEvents
	policies PolicyStore
	identity IdentityConfig
	logger   *slog.Logger

	handler http.Handler
	server  *http.Server
}

// New constructs the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		runners:  cfg.Runners,
		cycles:   cfg.Cycles,
		events:   cfg.Events,
		policies: cfg.Policies,
		identity: cfg.Identity.withDefaults(),
		logger:   cfg.Logger,
	}

	r := mux.NewRouter()

	// Catch panics and return 500s
	r.Use(gorillaHandlers.RecoveryHandler(
		gorillaHandlers.RecoveryLogger(recoveryLogger{s.logger}),
		gorillaHandlers.PrintRecoveryStack(true),
	))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/healthz", health.Handler(cfg.Launcher, cfg.Cycles))

	if cfg.Webhook != nil {
		r.Handle(WebhookPath, cfg.Webhook).Methods(http.MethodPost)
	}

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/runners", s.provisionRunner).Methods(http.MethodPost)
	api.HandleFunc("/runners", s.listRunners).Methods(http.MethodGet)
	api.HandleFunc("/runners/{name}", s.getRunner).Methods(http.MethodGet)
	api.HandleFunc("/runners/{name}/refresh", s.refreshRunner).Methods(http.MethodPost)
	api.HandleFunc("/runners/{name}", s.deprovisionRunner).Methods(http.MethodDelete)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)

	admin.HandleFunc("/sync/status", s.syncStatus).Methods(http.MethodGet)
	admin.HandleFunc("/sync/trigger", s.syncTrigger).Methods(http.MethodPost)
	admin.HandleFunc("/security-events", s.listSecurityEvents).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{kind}/{id}", s.getPolicy).Methods(http.MethodGet)
	admin.HandleFunc("/policies/{kind}/{id}", s.putPolicy).Methods(http.MethodPut)
	admin.HandleFunc("/policies/{kind}/{id}", s.deletePolicy).Methods(http.MethodDelete)

	s.handler = r
	if cfg.EnableRequestLogging {
		s.handler = s.logRequests(r)
	}
	// Honour X-Forwarded-For and friends from the fronting proxy that also
	// supplies identity headers.
	s.handler = gorillaHandlers.ProxyHeaders(s.handler)

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves http traffic on ln and blocks until the server fails or ctx
// is cancelled, in which case it shuts down gracefully.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	errch := make(chan error, 1)
	go func() {
		errch <- s.server.Serve(ln)
	}()

	s.logger.Info("started server", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errch:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("gracefully shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return s.server.Close()
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", m.Code),
			slog.Int64("bytes", m.Written),
			slog.Duration("duration", m.Duration),
			slog.String("remote", r.RemoteAddr),
		)
	})
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(args ...any) {
	l.logger.Error("recovered from panic in http handler", slog.String("panic", fmt.Sprint(args...)))
}
