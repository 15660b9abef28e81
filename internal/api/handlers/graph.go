package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/service"
)

type GraphHandler struct {
	svc *service.GraphService
}

func NewGraphHandler(svc *service.GraphService) *GraphHandler {
	return &GraphHandler{svc: svc}
}

func (h *GraphHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter domain.PendingEdgeFilter
	if t := q.Get("type"); t != "" {
		if !domain.ValidEdgeType(t) {
			writeError(w, http.StatusBadRequest, KindValidation, "invalid edge type")
			return
		}
		edgeType := domain.EdgeType(t)
		filter.Type = &edgeType
	}
	if mp := q.Get("minProbability"); mp != "" {
		p, err := strconv.ParseFloat(mp, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "minProbability must be a number")
			return
		}
		filter.MinProbability = p
	}
	filter.Limit = intParam(q.Get("limit"), 50)

	edges, err := h.svc.ListPending(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pendingEdges": edges, "count": len(edges)})
}

func (h *GraphHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid pending edge id")
		return
	}
	if err := h.svc.Approve(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *GraphHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid pending edge id")
		return
	}
	if err := h.svc.Reject(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type approveBatchRequest struct {
	IDs []string `json:"ids"`
}

func (h *GraphHandler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	var req approveBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "invalid pending edge id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	results := h.svc.ApproveBatch(r.Context(), ids)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type createEdgeRequest struct {
	SourceID string         `json:"sourceId"`
	TargetID string         `json:"targetId"`
	Type     string         `json:"type"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *GraphHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid sourceId")
		return
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid targetId")
		return
	}

	err = h.svc.CreateDirect(r.Context(), sourceID, targetID, domain.EdgeType(req.Type), req.Weight, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (h *GraphHandler) Traverse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid memory id")
		return
	}

	q := r.URL.Query()
	opts := domain.TraverseOpts{
		Direction: domain.TraverseDirection(q.Get("direction")),
		MaxDepth:  intParam(q.Get("maxDepth"), 2),
	}
	if types := q.Get("edgeTypes"); types != "" {
		for _, t := range strings.Split(types, ",") {
			t = strings.TrimSpace(t)
			if !domain.ValidEdgeType(t) {
				writeError(w, http.StatusBadRequest, KindValidation, "invalid edge type: "+t)
				return
			}
			opts.EdgeTypes = append(opts.EdgeTypes, domain.EdgeType(t))
		}
	}

	result, err := h.svc.Traverse(r.Context(), id, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *GraphHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid memory id")
		return
	}
	m, err := h.svc.GetNode(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
