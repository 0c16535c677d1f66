package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/services"
	"go.uber.org/zap"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Monitor.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var status models.ResolutionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		if status, err = models.ParseResolutionStatus(raw); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	conflicts, err := h.Monitor.Conflicts(r.Context(), status, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func entityRef(r *http.Request) models.EntityRef {
	return models.NewEntityRef(models.EntityType(chi.URLParam(r, "entityType")), chi.URLParam(r, "entityID"))
}

func (h *handler) getConflict(w http.ResponseWriter, r *http.Request) {
	ref := entityRef(r)
	conflict, err := h.Resolver.GetConflict(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if conflict == nil {
		writeError(w, http.StatusNotFound, services.ErrNoOpenConflict.Error())
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type resolveRequest struct {
	Method string `json:"method"`
	Notes  string `json:"notes"`
}

func (h *handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	method, err := models.ParseResolutionMethod(req.Method)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	operator := operatorFrom(r.Context())
	conflict, err := h.Resolver.ResolveConflict(r.Context(), entityRef(r), method, operator.Subject, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.Monitor.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.ReconciliationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := h.Monitor.Run(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type startRunRequest struct {
	EntityTypes []string `json:"entity_types"`
	EntityIDs   []string `json:"entity_ids"`
	BatchSize   int      `json:"batch_size"`
}

// startRun runs a reconciliation to completion within the request.
func (h *handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	opts := services.ReconcileOptions{EntityIDs: req.EntityIDs, BatchSize: req.BatchSize}
	for _, t := range req.EntityTypes {
		opts.EntityTypes = append(opts.EntityTypes, models.EntityType(t))
	}

	h.logger.Info("reconciliation requested",
		zap.String("operator", operatorFrom(r.Context()).Subject),
		zap.Strings("entity_types", req.EntityTypes),
		zap.Int("entity_ids", len(req.EntityIDs)))

	run, err := h.Reconciler.RunFullReconciliation(r.Context(), opts)
	if err != nil && run == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, run)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}
