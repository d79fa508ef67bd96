// Package api exposes the oracle over HTTP: active policies, claim
// projections, engine counters, and the draft/purchase flow. Claim
// settlement is never reachable from here; it belongs to the
// reconciliation engine alone.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripguard/oracle/internal/listener"
	"github.com/tripguard/oracle/internal/oracle"
	"github.com/tripguard/oracle/internal/platform/storage"
	"github.com/tripguard/oracle/internal/policy"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// policyReader is the read-only slice of the policy repository.
type policyReader interface {
	ListActive(ctx context.Context, now time.Time) ([]policy.Policy, error)
	List(ctx context.Context, limit int) ([]policy.Policy, error)
	FindByID(ctx context.Context, id string) (*policy.Policy, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// claimReader is the read-only slice of the claim repository.
type claimReader interface {
	ListByPolicy(ctx context.Context, policyID string) ([]policy.Claim, error)
	ListOrphaned(ctx context.Context) ([]policy.Claim, error)
}

// engineStats reports reconciliation counters.
type engineStats interface {
	Stats() oracle.Stats
}

// projectorStats reports event projection counters.
type projectorStats interface {
	Stats() listener.ProjectorStats
}

// healthChecker verifies a dependency is reachable.
type healthChecker func(ctx context.Context) error

// Server serves the oracle view.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	policies  policyReader
	claims    claimReader
	engine    engineStats
	projector projectorStats
	health    map[string]healthChecker

	creator   policyCreator
	purchases purchaseService

	httpServer *http.Server
}

// NewServer creates the HTTP view server.
func NewServer(cfg Config, policies policyReader, claims claimReader, engine engineStats, projector projectorStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		policies:  policies,
		claims:    claims,
		engine:    engine,
		projector: projector,
		health:    make(map[string]healthChecker),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// AddHealthCheck registers a named dependency check for /healthz.
func (s *Server) AddHealthCheck(name string, check func(ctx context.Context) error) {
	s.health[name] = check
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/oracle", func(r chi.Router) {
		r.Get("/policies", s.handleListPolicies)
		r.Get("/policies/active", s.handleListActive)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.Get("/claims/orphaned", s.handleOrphanedClaims)

		if s.creator != nil && s.purchases != nil {
			r.Post("/policies", s.handleCreatePolicy)
			r.Post("/policies/{id}/purchase", s.handlePurchase)
		}
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer.Handler = s.routes()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.policies.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("counting policies failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies":       counts,
		"reconciliation": s.engine.Stats(),
		"projection":     s.projector.Stats(),
	})
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.ListActive(r.Context(), time.Now().UTC())
	if err != nil {
		s.logger.Error("listing active policies failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": toPolicyViews(policies)})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	policies, err := s.policies.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing policies failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": toPolicyViews(policies)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pol, err := s.policies.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		s.logger.Error("policy lookup failed", "policy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	claims, err := s.claims.ListByPolicy(r.Context(), pol.ID)
	if err != nil {
		s.logger.Error("claim lookup failed", "policy_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	view := toPolicyView(*pol)
	writeJSON(w, http.StatusOK, map[string]any{
		"policy": view,
		"claims": toClaimViews(claims),
	})
}

func (s *Server) handleOrphanedClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.claims.ListOrphaned(r.Context())
	if err != nil {
		s.logger.Error("listing orphaned claims failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": toClaimViews(claims)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
