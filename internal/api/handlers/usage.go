package handlers

import (
	"net/http"
	"time"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/service"
)

type UsageHandler struct {
	tracker *service.UsageTracker
}

func NewUsageHandler(tracker *service.UsageTracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := domain.UsageQuery{
		AgentID: q.Get("agentId"),
		GroupBy: domain.UsageGroupBy(q.Get("groupBy")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "since must be an ISO-8601 timestamp")
			return
		}
		query.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindValidation, "until must be an ISO-8601 timestamp")
			return
		}
		query.Until = &t
	}

	summaries, err := h.tracker.Summarize(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []domain.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func (h *UsageHandler) RunningTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":      h.tracker.GetRunningTotals(),
		"writeErrors": h.tracker.WriteErrors(),
	})
}
