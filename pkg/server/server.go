// Package server exposes the read-only status surface: health and
// readiness probes, Prometheus metrics, and a small JSON API over the
// rollout, override, and discovery stores. Everything mutating stays in
// the CLI; the collaborating UI talks to this surface through its own
// gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/db"
	"github.com/otto-bgp/otto-bgp/pkg/discovery"
	"github.com/otto-bgp/otto-bgp/pkg/override"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Server owns the HTTP listener and the store handles it reads from.
type Server struct {
	srv       *http.Server
	pool      *pgxpool.Pool
	runs      *rollout.Store
	overrides *override.Store
	routers   *discovery.Store
}

// New wires the mux over the shared pool. The pool may be nil in tests;
// readiness then reports not_ready.
func New(cfg config.ServerConfig, pool *pgxpool.Pool) *Server {
	s := &Server{pool: pool}
	if pool != nil {
		s.runs = rollout.NewStore(pool)
		s.overrides = override.NewStore(pool)
		s.routers = discovery.NewStore(pool)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/overrides", s.handleOverrides)
	mux.HandleFunc("GET /api/v1/routers", s.handleRouters)

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start binds the listener and serves in the background. Binding errors
// surface immediately; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return util.WrapError(util.KindConnection, "listen", s.srv.Addr, err)
	}
	util.Infof("status server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("status server: %v", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx, s.pool); err != nil {
			checks["postgres"] = "error"
			ready = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "not_configured"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, errNoDatabase)
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []rollout.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, errNoDatabase)
		return
	}
	detail, err := s.runs.LoadRunDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, errNoDatabase)
		return
	}
	runID := r.PathValue("id")
	// Events of an unknown run are an empty trail; resolve the run first
	// so missing IDs 404 instead.
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.runs.Events(r.Context(), runID, limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []rollout.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeError(w, errNoDatabase)
		return
	}
	overrides, err := s.overrides.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if overrides == nil {
		overrides = []override.Override{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

func (s *Server) handleRouters(w http.ResponseWriter, r *http.Request) {
	if s.routers == nil {
		writeError(w, errNoDatabase)
		return
	}
	routers, err := s.routers.Routers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if routers == nil {
		routers = []discovery.RouterRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routers": routers})
}

var errNoDatabase = util.NewPipelineError(util.KindConfiguration, "status api", "database",
	"no database configured")

// limitParam parses ?limit with a sane default and ceiling.
func limitParam(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Debugf("status server encode: %v", err)
	}
}

// writeError maps classified errors onto HTTP statuses. Internal detail
// stays in the logs; clients get the kind and a terse message.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, util.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, util.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, util.ErrConfiguration):
		code = http.StatusServiceUnavailable
	}

	detail := err.Error()
	if code == http.StatusInternalServerError {
		util.Errorf("status api: %v", err)
		detail = "internal error"
	}
	writeJSON(w, code, map[string]string{
		"error":  util.KindOf(err).String(),
		"detail": detail,
	})
}
