// Package control exposes the driver to the host UI over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-form-autofill/models"
	"github.com/aluiziolira/go-form-autofill/source"
	"github.com/aluiziolira/go-form-autofill/store"
)

// Runner is the driver surface the server controls.
type Runner interface {
	Start(ctx context.Context, cfg models.RunConfig) error
	Pause() error
	Resume() error
	Stop() bool
	State() models.RunState
}

// Store persists processed items, settings and run history.
type Store interface {
	ProcessedItems(ctx context.Context) ([]string, error)
	ClearProcessed(ctx context.Context) (int64, error)
	LoadSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error
	ClearSettings(ctx context.Context) error
	Runs(ctx context.Context, limit int) ([]store.RunRecord, error)
	Events(ctx context.Context, runID string, limit int) ([]models.ProgressEvent, error)
}

// ListLoader fetches item lists from a URL.
type ListLoader interface {
	Load(ctx context.Context, rawURL string) (*source.Result, error)
}

// Options wires the server's collaborators. Only Runner is required.
type Options struct {
	Runner  Runner
	Store   Store
	Loader  ListLoader
	Events  http.Handler
	Metrics prometheus.Gatherer
}

// Server is the HTTP control surface.
type Server struct {
	runner  Runner
	store   Store
	loader  ListLoader
	events  http.Handler
	metrics prometheus.Gatherer

	// runCtx outlives requests; runs started over HTTP are bound to it.
	runCtx context.Context
	router *mux.Router
	http   *http.Server
}

// NewServer creates a server. Runs it starts live until runCtx is cancelled.
func NewServer(runCtx context.Context, addr string, opts Options) *Server {
	s := &Server{
		runner:  opts.Runner,
		store:   opts.Store,
		loader:  opts.Loader,
		events:  opts.Events,
		metrics: opts.Metrics,
		runCtx:  runCtx,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	api.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings", s.handleClearSettings).Methods(http.MethodDelete)
	api.HandleFunc("/processed", s.handleGetProcessed).Methods(http.MethodGet)
	api.HandleFunc("/processed", s.handleClearProcessed).Methods(http.MethodDelete)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods(http.MethodGet)
	api.HandleFunc("/items/load", s.handleLoadItems).Methods(http.MethodPost)
	if s.events != nil {
		api.Handle("/events", s.events).Methods(http.MethodGet)
	}

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("Control server listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("Encoding response failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
