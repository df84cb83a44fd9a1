// Package httpapi exposes the operational HTTP surface: health, metrics,
// monitoring snapshots in several formats, alert listing and the frozen
// startup report.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/GigaElk/worrybox-sub002/internal/config"
	"github.com/GigaElk/worrybox-sub002/internal/jobs"
	"github.com/GigaElk/worrybox-sub002/internal/monitoring"
	"github.com/GigaElk/worrybox-sub002/internal/orchestrator"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Server serves the operational endpoints. It holds no domain state of
// its own; every handler reads from the engine, tracker or orchestrator.
type Server struct {
	cfg          config.ServerConfig
	engine       *monitoring.Engine
	collector    *monitoring.Collector
	tracker      *jobs.Tracker
	orchestrator *orchestrator.Orchestrator
	log          *logger.Logger

	httpServer *http.Server
}

// Options wires the server's read-only views. Collector may be nil, in
// which case /metrics is not mounted.
type Options struct {
	Config       config.ServerConfig
	Engine       *monitoring.Engine
	Collector    *monitoring.Collector
	Tracker      *jobs.Tracker
	Orchestrator *orchestrator.Orchestrator
	Logger       *logger.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	s := &Server{
		cfg:          opts.Config,
		engine:       opts.Engine,
		collector:    opts.Collector,
		tracker:      opts.Tracker,
		orchestrator: opts.Orchestrator,
		log:          log,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed separately so tests can drive
// handlers through httptest without binding a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.collector != nil {
		r.Handle("/metrics", s.collector.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/monitoring/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/snapshot.prom", s.handleSnapshotLines).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/snapshot.tsv", s.handleSnapshotTSV).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/performance", s.handlePerformance).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)

	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/startup/report", s.handleStartupReport).Methods(http.MethodGet)

	return r
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("Operational HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for request instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument feeds every request's route, status and duration into the
// monitoring engine and the prometheus collector.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, req)
		duration := time.Since(started)

		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.engine != nil {
			s.engine.RecordRequestOutcome(route, duration, rec.status)
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	status := jobs.OverallPass
	if s.tracker != nil {
		status = s.tracker.OverallStatus()
	}
	code := http.StatusOK
	if status == jobs.OverallFail {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	snap, ok := s.engine.Latest()
	if !ok {
		snap = s.engine.CollectSnapshot(req.Context())
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshotLines(w http.ResponseWriter, req *http.Request) {
	snap, ok := s.engine.Latest()
	if !ok {
		snap = s.engine.CollectSnapshot(req.Context())
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, monitoring.RenderLineFormat(snap))
}

func (s *Server) handleSnapshotTSV(w http.ResponseWriter, req *http.Request) {
	snap, ok := s.engine.Latest()
	if !ok {
		snap = s.engine.CollectSnapshot(req.Context())
	}
	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	fmt.Fprint(w, monitoring.RenderTSV(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": s.engine.History(),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, req *http.Request) {
	window := time.Hour
	if raw := req.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = parsed
	}
	s.writeJSON(w, http.StatusOK, s.engine.GetPerformanceWindow(window))
}

func (s *Server) handleAlerts(w http.ResponseWriter, req *http.Request) {
	severity := monitoring.Severity(req.URL.Query().Get("severity"))
	alerts := s.engine.GetAlerts(severity)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if !s.engine.Acknowledge(id) {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": id})
}

func (s *Server) handleJobs(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"overallStatus": s.tracker.OverallStatus(),
		"jobs":          s.tracker.All(),
	})
}

func (s *Server) handleStartupReport(w http.ResponseWriter, req *http.Request) {
	report := s.orchestrator.Report()
	if report == nil {
		s.writeError(w, http.StatusServiceUnavailable, "startup has not completed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
