package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gexflow/strategy-engine/internal/engine"
	"github.com/gexflow/strategy-engine/internal/metrics"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/store"
)

// Server is the control API over one or more engine instances.
type Server struct {
	log       *slog.Logger
	store     store.Store
	instances map[string]*engine.Orchestrator
	hub       *Hub
	metrics   *metrics.Bot
	gatherer  prometheus.Gatherer
}

// NewServer creates the control API.
func NewServer(log *slog.Logger, st store.Store, instances map[string]*engine.Orchestrator, hub *Hub, m *metrics.Bot, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:       log.With("component", "api"),
		store:     st,
		instances: instances,
		hub:       hub,
		metrics:   m,
		gatherer:  gatherer,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if s.metrics != nil {
		r.Use(s.metrics.HTTPMiddleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		r.Get("/v1/stream", s.hub.HandleWS)
	}

	r.Route("/v1/instances", func(r chi.Router) {
		r.Get("/", s.listInstances)
		r.Route("/{instance}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Post("/enable", s.setEnabled(true))
			r.Post("/disable", s.setEnabled(false))
			r.Post("/cycle", s.runCycle)
			r.Get("/positions", s.listPositions)
			r.Get("/positions/{id}", s.getPosition)
			r.Post("/positions/{id}/close", s.closePosition)
			r.Get("/account", s.getAccount)
			r.Get("/audit", s.getAudit)
			r.Get("/equity", s.getEquity)
		})
	})

	return r
}

// orchestrator resolves the {instance} path parameter, writing a 404 and
// returning nil when unknown.
func (s *Server) orchestrator(w http.ResponseWriter, r *http.Request) *engine.Orchestrator {
	id := chi.URLParam(r, "instance")
	o, ok := s.instances[id]
	if !ok {
		writeError(w, "unknown instance: "+id, http.StatusNotFound)
		return nil
	}
	return o
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	out := make([]*engine.Status, 0, len(s.instances))
	for _, o := range s.instances {
		st, err := o.Status(r.Context())
		if err != nil {
			writeError(w, "failed to load status", http.StatusInternalServerError)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}
	st, err := o.Status(r.Context())
	if err != nil {
		writeError(w, "failed to load status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) setEnabled(v bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o := s.orchestrator(w, r)
		if o == nil {
			return
		}
		o.SetEnabled(v)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": v})
	}
}

// CycleRequest is the JSON body for POST /cycle.
type CycleRequest struct {
	CloseOnly bool `json:"close_only"`
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	var req CycleRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := o.RunCycle(r.Context(), req.CloseOnly); err != nil {
		s.log.Error("cycle failed", "instance", o.InstanceID(), "error", err)
		writeError(w, "cycle failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": true, "close_only": req.CloseOnly})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	status := model.Status(r.URL.Query().Get("status"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	positions, err := s.store.ListPositions(r.Context(), o.InstanceID(), status, limit)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	p, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.InstanceID != o.InstanceID()) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	id := chi.URLParam(r, "id")
	err := o.CloseManually(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "position not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrAlreadyClosed):
		writeError(w, "position already closed", http.StatusConflict)
	case err != nil:
		s.log.Error("manual close failed", "position_id", id, "error", err)
		writeError(w, "close failed", http.StatusInternalServerError)
	default:
		p, err := s.store.GetPosition(r.Context(), id)
		if err != nil {
			writeError(w, "failed to reload position", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	acct, err := s.store.GetAccount(r.Context(), o.InstanceID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.AuditEntries(r.Context(), o.InstanceID(), limit)
	if err != nil {
		writeError(w, "failed to load audit log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getEquity(w http.ResponseWriter, r *http.Request) {
	o := s.orchestrator(w, r)
	if o == nil {
		return
	}

	snap, err := s.store.LatestEquitySnapshot(r.Context(), o.InstanceID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no equity snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load equity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
