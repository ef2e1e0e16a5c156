// Package httpserver is the operational HTTP surface: health, readiness,
// metrics, orchestration status and per-ccpair retry. Auth and the product
// API live elsewhere; this server is for operators and probes.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/internal/db"
	"github.com/quarryhq/quarry/pkg/fences"
	"github.com/quarryhq/quarry/pkg/kv"
	"github.com/quarryhq/quarry/pkg/queue"
	"github.com/quarryhq/quarry/pkg/tenant"
)

// Server holds the ops HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Driver    *queue.Driver
	startedAt time.Time
}

// NewServer creates the ops server with health and metrics endpoints.
func NewServer(logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, driver *queue.Driver, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        pool,
		Redis:     rdb,
		Driver:    driver,
		startedAt: time.Now(),
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/status", s.handleStatus)
	s.Router.Post("/tenants/{slug}/ccpairs/{id}/retry", s.handleRetry)
	s.Router.Post("/tenants/{slug}/ccpairs/{id}/cancel", s.handleCancel)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{"status": "db unreachable"})
		return
	}
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{"status": "redis unreachable"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type tenantStatus struct {
	Tenant       string `json:"tenant"`
	ActiveFences int    `json:"active_fences"`
	InProgress   int    `json:"in_progress_attempts"`
}

type statusResponse struct {
	UptimeSeconds int64          `json:"uptime_seconds"`
	IndexingDepth int64          `json:"indexing_queue_depth"`
	DocSyncDepth  int64          `json:"docsync_queue_depth"`
	Tenants       []tenantStatus `json:"tenants"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Tenants:       []tenantStatus{},
	}
	resp.IndexingDepth, _ = s.Driver.Depth(ctx, queue.QueueIndexing)
	resp.DocSyncDepth, _ = s.Driver.Depth(ctx, queue.QueueDocSync)

	tenants, err := db.New(s.DB).ListTenants(ctx)
	if err != nil {
		s.Logger.Error("listing tenants for status", "error", err)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "listing tenants"})
		return
	}

	for _, t := range tenants {
		kvc := kv.NewClient(s.Redis, nil, t.Slug)
		ts := tenantStatus{Tenant: t.Slug}
		if n, err := fences.NewRegistry(kvc).Size(ctx); err == nil {
			ts.ActiveFences = n
		}
		if conn, err := tenant.Acquire(ctx, s.DB, t.Slug); err == nil {
			if attempts, err := db.New(conn).ListInProgressAttempts(ctx); err == nil {
				ts.InProgress = len(attempts)
			}
			conn.Release()
		}
		resp.Tenants = append(resp.Tenants, ts)
	}
	respond(w, http.StatusOK, resp)
}

// handleRetry sets the UPDATE trigger so the beat schedules the pair on its
// next pass.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid ccpair id"})
		return
	}

	conn, err := tenant.Acquire(r.Context(), s.DB, slug)
	if err != nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		return
	}
	defer conn.Release()
	q := db.New(conn)

	if _, err := q.GetCCPair(r.Context(), id); err != nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "unknown ccpair"})
		return
	}
	if err := q.SetCCPairIndexingTrigger(r.Context(), id, db.TriggerUpdate); err != nil {
		s.Logger.Error("setting indexing trigger", "cc_pair_id", id, "error", err)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "setting trigger"})
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
}

// handleCancel writes the terminate signal for the pair's in-flight attempt.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid ccpair id"})
		return
	}

	conn, err := tenant.Acquire(r.Context(), s.DB, slug)
	if err != nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "unknown tenant"})
		return
	}
	defer conn.Release()
	q := db.New(conn)

	settingsList, err := q.ListActiveSearchSettings(r.Context())
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "listing search settings"})
		return
	}

	kvc := kv.NewClient(s.Redis, nil, slug)
	requested := 0
	for _, settings := range settingsList {
		fence := fences.NewIndexingFence(kvc, id, settings.ID)
		payload, err := fence.Payload(r.Context())
		if err != nil || payload == nil || payload.TaskID == nil {
			continue
		}
		if err := fence.RequestTermination(r.Context(), *payload.TaskID); err != nil {
			s.Logger.Error("requesting termination", "cc_pair_id", id, "error", err)
			continue
		}
		requested++
	}

	if requested == 0 {
		respond(w, http.StatusConflict, map[string]string{"error": "no in-flight attempt"})
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"status": "termination requested"})
}
