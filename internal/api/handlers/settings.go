package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/service"
)

type SettingsHandler struct {
	svc *service.SettingsService
}

func NewSettingsHandler(svc *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{svc: svc}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type upsertSettingsRequest struct {
	SemanticLevel string           `json:"semanticLevel,omitempty"`
	Stages        map[string]*bool `json:"stages,omitempty"`
	LLM           domain.LLMConfig `json:"llm,omitempty"`
}

func (h *SettingsHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req upsertSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	doc := &domain.Settings{
		AgentID:       chi.URLParam(r, "agentId"),
		SemanticLevel: domain.SemanticLevel(req.SemanticLevel),
		Stages:        req.Stages,
		LLM:           req.LLM,
	}
	if err := h.svc.Upsert(r.Context(), doc); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *SettingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "agentId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Resolved returns the effective pipeline settings for an agent, after the
// agent/global/daemon merge.
func (h *SettingsHandler) Resolved(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
