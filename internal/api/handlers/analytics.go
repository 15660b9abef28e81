package handlers

import (
	"net/http"
	"strconv"

	"github.com/mnemora/mnemora/internal/service"
)

type AnalyticsHandler struct {
	svc *service.AnalyticsService
}

func NewAnalyticsHandler(svc *service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc}
}

func (h *AnalyticsHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := intParam(q.Get("days"), 30)

	result, err := h.svc.Timeline(r.Context(), q.Get("agentId"), days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AnalyticsHandler) Wordcloud(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	minCount := intParam(q.Get("minCount"), 1)

	result, err := h.svc.Wordcloud(r.Context(), q.Get("agentId"), limit, minCount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AnalyticsHandler) Projection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 500)
	dims := intParam(q.Get("dimensions"), 2)

	result, err := h.svc.EmbeddingsProjection(r.Context(), q.Get("agentId"), limit, dims)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
