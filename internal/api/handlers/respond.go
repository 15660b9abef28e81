package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/service"
	"github.com/mnemora/mnemora/internal/store"
)

// Error kinds surfaced at the HTTP boundary. Every failure maps to exactly
// one of these.
const (
	KindValidation   = "validation_error"
	KindNotFound     = "not_found"
	KindConflict     = "conflict"
	KindUnauthorized = "unauthorized"
	KindUnavailable  = "unavailable"
	KindTimeout      = "timeout"
	KindInternal     = "internal"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

var validationErrors = []error{
	service.ErrAgentIDRequired,
	service.ErrTextRequired,
	service.ErrTextTooLong,
	service.ErrTooManyTags,
	service.ErrTagTooLong,
	service.ErrInvalidTTL,
	service.ErrInvalidMemoryType,
	service.ErrInvalidMemoryID,
	service.ErrQueryRequired,
	service.ErrInvalidEdgeType,
	service.ErrInvalidEdgeWeight,
	service.ErrInvalidSemanticLevel,
	service.ErrInvalidStageKey,
	service.ErrInvalidResolution,
	service.ErrInvalidDimensions,
}

var notFoundErrors = []error{
	service.ErrMemoryNotFound,
	service.ErrPendingEdgeNotFound,
	service.ErrEdgeTargetMissing,
	service.ErrJobNotFound,
	store.ErrNotFound,
}

// writeServiceError translates a service-layer error into a single boundary
// error kind. Internal details are never exposed.
func writeServiceError(w http.ResponseWriter, err error) {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			writeError(w, http.StatusBadRequest, KindValidation, err.Error())
			return
		}
	}
	for _, n := range notFoundErrors {
		if errors.Is(err, n) {
			writeError(w, http.StatusNotFound, KindNotFound, err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, KindTimeout, "operation timed out")
	case errors.Is(err, service.ErrReflectStopped), errors.Is(err, service.ErrJobQueueFull):
		writeError(w, http.StatusServiceUnavailable, KindUnavailable, err.Error())
	case errors.Is(err, embedding.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, KindUnavailable, "embedding service unavailable")
	case store.Retryable(err):
		writeError(w, http.StatusServiceUnavailable, KindUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, KindInternal, "internal error")
	}
}
