package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVectorIndexUnavailable signals that the vector index is absent or the
// backend cannot serve nearest-neighbor queries; callers fall back to
// in-memory scoring.
var ErrVectorIndexUnavailable = errors.New("vector index unavailable")

// ErrStopIteration ends a StreamWhere early without error.
var ErrStopIteration = errors.New("stop iteration")

// Retryable reports whether an operation may be retried once at the
// operation layer. Only transient connection failures qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx: connection exceptions
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
