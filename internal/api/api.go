// Package api provides the HTTP surface of AdvisorFlow: template and roster
// management, workflow execution control, campaign operations, trigger
// events, and read-only analytics.
//
// Handlers follow one shape: method check, JSON decode, payload validation,
// service call, JSON envelope response.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/markus41/advisorflow/internal/analytics"
	"github.com/markus41/advisorflow/internal/campaign"
	"github.com/markus41/advisorflow/internal/engine"
	"github.com/markus41/advisorflow/internal/models"
	"github.com/markus41/advisorflow/internal/scheduler"
	"github.com/markus41/advisorflow/internal/store"
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP endpoints to the engine, campaign runner, trigger
// service, and analytics aggregator.
type Server struct {
	engine    *engine.Engine
	campaigns *campaign.Runner
	reports   *analytics.Aggregator
	triggers  *scheduler.TriggerService
	store     store.Store
	validate  *validator.Validate
	httpSrv   *http.Server
}

// NewServer creates a Server. triggers may be nil when no trigger service is
// deployed; the events endpoint then responds 503.
func NewServer(eng *engine.Engine, campaigns *campaign.Runner, reports *analytics.Aggregator, triggers *scheduler.TriggerService, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		engine:    eng,
		campaigns: campaigns,
		reports:   reports,
		triggers:  triggers,
		store:     st,
		validate:  validator.New(),
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/workflows/start", s.startWorkflowHandler)
	mux.HandleFunc("/executions/", s.executionsHandler)
	mux.HandleFunc("/campaigns", s.campaignsHandler)
	mux.HandleFunc("/campaigns/start", s.startCampaignHandler)
	mux.HandleFunc("/campaigns/executions/", s.campaignExecutionsHandler)
	mux.HandleFunc("/team", s.teamHandler)
	mux.HandleFunc("/segments", s.segmentsHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/analytics/workflows", s.workflowAnalyticsHandler)
	mux.HandleFunc("/analytics/campaigns", s.campaignAnalyticsHandler)
	mux.HandleFunc("/health", s.healthHandler)
}

// Handler returns the server's HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "up"}))
}
