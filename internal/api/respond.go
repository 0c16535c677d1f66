package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/prudhvinik1/graphsync/internal/services"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, services.ErrNoOpenConflict):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidResolution),
		errors.Is(err, models.ErrInvalidResolutionStatus),
		errors.Is(err, services.ErrEntityNotSynchronized):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrMergeUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrReconciliationRunning),
		errors.Is(err, services.ErrAlreadyInReview),
		errors.Is(err, services.ErrTargetMissing),
		errors.Is(err, models.ErrConflictAlreadyClosed),
		errors.Is(err, repositories.ErrTransitionRejected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}
