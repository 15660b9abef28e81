package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/service"
)

type MemoryHandler struct {
	svc    *service.MemoryService
	recall *service.RecallService
}

func NewMemoryHandler(svc *service.MemoryService, recall *service.RecallService) *MemoryHandler {
	return &MemoryHandler{svc: svc, recall: recall}
}

type rememberRequest struct {
	AgentID    string         `json:"agentId"`
	ProjectID  string         `json:"projectId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Text       string         `json:"text"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MemoryType string         `json:"memoryType,omitempty"`
	TTLSeconds int            `json:"ttlSeconds,omitempty"`
}

func (h *MemoryHandler) Remember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	result, err := h.svc.Remember(r.Context(), service.RememberInput{
		AgentID:    req.AgentID,
		ProjectID:  req.ProjectID,
		SessionID:  req.SessionID,
		Text:       req.Text,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		MemoryType: req.MemoryType,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *MemoryHandler) Forget(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.svc.Forget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *MemoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.svc.Clear(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *MemoryHandler) Purge(w http.ResponseWriter, r *http.Request) {
	olderThan, err := time.Parse(time.RFC3339, r.URL.Query().Get("olderThan"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "olderThan must be an ISO-8601 timestamp")
		return
	}

	deleted, err := h.svc.Purge(r.Context(), chi.URLParam(r, "agentId"), olderThan)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type restoreRequest struct {
	AgentID   string                `json:"agentId"`
	ProjectID string                `json:"projectId,omitempty"`
	Memories  []service.RestoreItem `json:"memories"`
}

func (h *MemoryHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}

	result, err := h.svc.Restore(r.Context(), req.AgentID, req.ProjectID, req.Memories)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *MemoryHandler) Recall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	in := service.RecallInput{
		AgentID:   q.Get("agentId"),
		Query:     q.Get("query"),
		ProjectID: q.Get("projectId"),
		Tags:      splitTags(q.Get("tags")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "limit must be an integer")
			return
		}
		in.Limit = n
	}
	if ms := q.Get("minScore"); ms != "" {
		score, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "minScore must be a number")
			return
		}
		in.MinScore = &score
	}

	out, err := h.recall.Recall(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type listMemoriesResponse struct {
	Memories   []domain.Memory `json:"memories"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	in := service.ListInput{
		AgentID: q.Get("agentId"),
		Tags:    splitTags(q.Get("tags")),
		Asc:     q.Get("sort") == "asc",
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "limit must be an integer")
			return
		}
		in.Limit = n
	}
	if cursor := q.Get("cursor"); cursor != "" {
		parsed, err := parseCursor(cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "invalid cursor")
			return
		}
		in.Cursor = parsed
	}

	page, err := h.svc.List(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := listMemoriesResponse{Memories: page.Memories, HasMore: page.HasMore}
	if resp.Memories == nil {
		resp.Memories = []domain.Memory{}
	}
	if page.NextCursor != nil {
		resp.NextCursor = formatCursor(page.NextCursor)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MemoryHandler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.svc.Export(r.Context(), q.Get("agentId"), q.Get("projectId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid memory id")
		return
	}
	m, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type resolveContradictionRequest struct {
	TargetMemoryID string `json:"targetMemoryId"`
	Resolution     string `json:"resolution"`
	Note           string `json:"note,omitempty"`
}

func (h *MemoryHandler) ResolveContradiction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid memory id")
		return
	}

	var req resolveContradictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	targetID, err := uuid.Parse(req.TargetMemoryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid targetMemoryId")
		return
	}

	err = h.svc.ResolveContradiction(r.Context(), id, targetID, domain.ContradictionResolution(req.Resolution), req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// Cursor wire format: "<RFC3339Nano createdAt>|<id>".
func parseCursor(raw string) (*domain.Cursor, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return nil, strconv.ErrSyntax
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, err
	}
	return &domain.Cursor{CreatedAt: createdAt, ID: id}, nil
}

func formatCursor(c *domain.Cursor) string {
	return c.CreatedAt.Format(time.RFC3339Nano) + "|" + c.ID.String()
}
