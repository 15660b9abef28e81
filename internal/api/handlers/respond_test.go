package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/service"
	"github.com/mnemora/mnemora/internal/store"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("expected an error body, got %v", err)
	}
	return out
}

func TestWriteServiceError_Kinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", service.ErrAgentIDRequired, http.StatusBadRequest, KindValidation},
		{"wrapped validation", fmt.Errorf("remember: %w", service.ErrTextTooLong), http.StatusBadRequest, KindValidation},
		{"not found", service.ErrMemoryNotFound, http.StatusNotFound, KindNotFound},
		{"store row missing", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound, KindNotFound},
		{"timeout", fmt.Errorf("recall: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, KindTimeout},
		{"queue full", service.ErrJobQueueFull, http.StatusServiceUnavailable, KindUnavailable},
		{"embedding outage", fmt.Errorf("embed: %w", embedding.ErrUnavailable), http.StatusServiceUnavailable, KindUnavailable},
		{"store connection down", fmt.Errorf("insert memory: %w", &pgconn.PgError{Code: "08006"}), http.StatusServiceUnavailable, KindUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.status, rec.Code)
		}
		if body := decodeError(t, rec); body.Error != tc.kind {
			t.Fatalf("%s: expected kind %s, got %s", tc.name, tc.kind, body.Error)
		}
	}
}

func TestWriteServiceError_InternalHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, errors.New("pq: password authentication failed for user"))

	body := decodeError(t, rec)
	if body.Message != "internal error" {
		t.Fatalf("expected internal details hidden, got %q", body.Message)
	}
}
