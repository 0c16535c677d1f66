// Package api serves the monitoring and operator HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/services"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	healthTimeout    = 2 * time.Second
)

type Monitor interface {
	Stats(ctx context.Context) (*services.Stats, error)
	Conflicts(ctx context.Context, status models.ResolutionStatus, limit int) ([]*models.SyncConflict, error)
	Runs(ctx context.Context, limit int) ([]*models.ReconciliationRun, error)
	Run(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error)
}

type Resolver interface {
	GetConflict(ctx context.Context, ref models.EntityRef) (*models.SyncConflict, error)
	ResolveConflict(ctx context.Context, ref models.EntityRef, method models.ResolutionMethod, resolvedBy, notes string) (*models.SyncConflict, error)
}

type Reconciliation interface {
	RunFullReconciliation(ctx context.Context, opts services.ReconcileOptions) (*models.ReconciliationRun, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (*services.OperatorClaims, error)
}

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

type Deps struct {
	Monitor    Monitor
	Resolver   Resolver
	Reconciler Reconciliation
	Auth       TokenVerifier
	Checks     map[string]Checker
	Logger     *zap.Logger
}

type handler struct {
	Deps
	logger *zap.Logger
}

func NewRouter(deps Deps) http.Handler {
	h := &handler{Deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.listConflicts)
			r.Get("/{entityType}/{entityID}", h.getConflict)
			r.With(requireOperator(deps.Auth)).Post("/{entityType}/{entityID}/resolve", h.resolveConflict)
		})

		r.Route("/reconciliation/runs", func(r chi.Router) {
			r.Get("/", h.listRuns)
			r.Get("/{runID}", h.getRun)
			r.With(requireOperator(deps.Auth)).Post("/", h.startRun)
		})
	})
	return r
}
