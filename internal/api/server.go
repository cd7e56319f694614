// Package api provides the HTTP server for the vault: treasury, task
// lifecycle, worker registry and audit journal endpoints.
//
// Callers authenticate with an X-API-Key header that maps to a principal.
// Requests without a key run as the anonymous principal, which can read
// everything and trigger expiry but cannot move funds.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/app/tasks"
	"github.com/tutu-network/taskvault/internal/app/treasury"
	"github.com/tutu-network/taskvault/internal/app/workers"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/health"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
	"github.com/tutu-network/taskvault/internal/infra/sqlite"
	"github.com/tutu-network/taskvault/internal/security"
)

// AuditLog is the journal surface served under /api/audit.
type AuditLog interface {
	Events(ctx context.Context, f sqlite.EventFilter) ([]domain.Event, error)
	VerifyJournal(ctx context.Context) (sqlite.JournalReport, error)
}

// Journaled reports how far published events have been made durable.
type Journaled interface {
	Sequence() int64
	WaitDelivered(ctx context.Context, seq int64) error
}

// Server is the vault HTTP API server.
type Server struct {
	treasury *treasury.Service
	tasks    *tasks.Registry
	workers  *workers.Registry
	audit    AuditLog
	health   *health.Checker
	signer   *security.NodeKey
	journal  Journaled
	keys     map[string]domain.Principal
	log      zerolog.Logger
	now      domain.Clock

	metricsEnabled bool
}

// NewServer creates a new API server. keys maps API keys to principals.
func NewServer(tr *treasury.Service, reg *tasks.Registry, wr *workers.Registry, keys map[string]domain.Principal, log zerolog.Logger) *Server {
	return &Server{
		treasury: tr,
		tasks:    reg,
		workers:  wr,
		keys:     keys,
		log:      log.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAudit serves the journal under /api/audit.
func (s *Server) SetAudit(a AuditLog) { s.audit = a }

// SetSigner attaches a signed head to /api/audit/verify responses.
func (s *Server) SetSigner(k *security.NodeKey) { s.signer = k }

// SetJournaled makes write requests answer only after their events are
// durable.
func (s *Server) SetJournaled(j Journaled) { s.journal = j }

// SetHealth serves checker results on /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetClock replaces time.Now for relative deadlines.
func (s *Server) SetClock(now domain.Clock) {
	if now != nil {
		s.now = now
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.durable)

		r.Get("/whoami", s.handleWhoAmI)

		r.Route("/treasury", func(r chi.Router) {
			r.Get("/", s.handleTreasury)
			r.Get("/reservations", s.handleReservations)
			r.Post("/deposit", s.handleDeposit)
			r.Put("/rules", s.handleSetRules)
			r.Post("/withdraw", s.handleWithdraw)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/open", s.handleOpenTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/propose", s.handlePropose)
				r.Post("/submit", s.handleSubmit)
				r.Post("/verify", s.handleVerify)
				r.Post("/cancel", s.handleCancel)
				r.Post("/expire", s.handleExpire)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Put("/categories", s.handleSetCategories)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Post("/deactivate", s.handleDeactivate)
				r.Post("/reactivate", s.handleReactivate)
				r.Post("/penalize", s.handlePenalize)
			})
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.handleAuditEvents)
			r.Get("/verify", s.handleAuditVerify)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"principal": string(principalFrom(r.Context()))})
}

// ─── Middleware ─────────────────────────────────────────────────────────────

type ctxKey struct{}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(ctxKey{}).(domain.Principal)
	return p
}

// authMiddleware resolves X-API-Key to a principal. An unknown key is
// rejected outright; a missing key proceeds anonymously.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := s.keys[key]
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, p)))
	})
}

// observe records latency per route pattern and logs each request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.HTTPLatency.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.log.Debug().Str("method", r.Method).Str("route", route).Int("status", status).
			Dur("elapsed", elapsed).Str("request_id", middleware.GetReqID(r.Context())).Msg("request")
	})
}

// durable buffers the response to a write request until every event
// published so far has been delivered, so an acknowledged change is never
// lost to a crash.
func (s *Server) durable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.journal == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		buf := &bufferedResponse{header: w.Header()}
		next.ServeHTTP(buf, r)

		if err := s.journal.WaitDelivered(r.Context(), s.journal.Sequence()); err != nil {
			s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
				Msg("change not confirmed durable")
			writeError(w, http.StatusServiceUnavailable, "change accepted but not yet durable: "+err.Error())
			return
		}
		if buf.status == 0 {
			buf.status = http.StatusOK
		}
		w.WriteHeader(buf.status)
		w.Write(buf.body.Bytes())
	})
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func taskID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
