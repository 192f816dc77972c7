package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridingest/internal/metrics"
	"gridingest/internal/scheduler"
	"gridingest/internal/store"
)

// StatusSource reports poller state.
type StatusSource interface {
	Status() []scheduler.Status
}

// Router builds HTTP handlers for /ops and /metrics.
type Router struct {
	store    store.Store
	sched    StatusSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	started  time.Time
}

func NewRouter(st store.Store, sched StatusSource, m *metrics.Metrics, g prometheus.Gatherer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, sched: sched, metrics: m, gatherer: g, logger: logger, started: time.Now()}
}

func (r *Router) Register(m *mux.Router) {
	m.HandleFunc("/ops/health", r.health).Methods(http.MethodGet)
	m.HandleFunc("/ops/status", r.status).Methods(http.MethodGet)
	m.HandleFunc("/ops/sources", r.sources).Methods(http.MethodGet)
	m.HandleFunc("/ops/errors", r.listErrors).Methods(http.MethodGet)
	m.HandleFunc("/ops/schema/{target}", r.schema).Methods(http.MethodGet)
	if r.gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler returns the routes wrapped with panic recovery and access logs.
func (r *Router) Handler() http.Handler {
	m := mux.NewRouter()
	r.Register(m)
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelError)),
	)(m)
	return handlers.CustomLoggingHandler(io.Discard, recovered, func(_ io.Writer, p handlers.LogFormatterParams) {
		r.logger.Debug("http_request",
			"method", p.Request.Method, "path", p.URL.Path,
			"status", p.StatusCode, "bytes", p.Size)
	})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	body := map[string]any{
		"store":   r.store.Driver(),
		"uptime":  time.Since(r.started).Round(time.Second).String(),
		"sources": r.sched.Status(),
	}
	if r.metrics != nil {
		body["totals"] = r.metrics.Snapshot()
	}
	respondJSON(w, body)
}

func (r *Router) sources(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, r.sched.Status())
}

func (r *Router) listErrors(w http.ResponseWriter, req *http.Request) {
	q := store.ErrorQuery{SourceKey: req.URL.Query().Get("source")}
	if s := req.URL.Query().Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		q.Since = since
	}
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	list, err := r.store.ListErrors(req.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) schema(w http.ResponseWriter, req *http.Request) {
	target := mux.Vars(req)["target"]
	fields, err := r.store.Fields(req.Context(), target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(fields) == 0 {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, map[string]any{"target": target, "fields": fields})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("write json", "err", err)
	}
}
