package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/service"
)

type ReflectHandler struct {
	svc *service.ReflectService
}

func NewReflectHandler(svc *service.ReflectService) *ReflectHandler {
	return &ReflectHandler{svc: svc}
}

type triggerReflectRequest struct {
	AgentID           string `json:"agentId"`
	SessionID         string `json:"sessionId,omitempty"`
	SessionTranscript string `json:"sessionTranscript,omitempty"`
}

func (h *ReflectHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReflectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	job, err := h.svc.Trigger(r.Context(), req.AgentID, req.SessionID, req.SessionTranscript)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID.String()})
}

func (h *ReflectHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid job id")
		return
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *ReflectHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := h.svc.ListJobs(r.Context(), q.Get("agentId"), intParam(q.Get("limit"), 20))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
