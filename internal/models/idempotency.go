package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord caches the result of a mutation keyed by a
// client-supplied token. Keys are scoped to (user, operation); reuse across
// either is rejected.
type IdempotencyRecord struct {
	Key       string          `json:"key" db:"key"`
	UserID    uuid.UUID       `json:"user_id" db:"user_id"`
	Operation string          `json:"operation" db:"operation"`
	Response  json.RawMessage `json:"response,omitempty" db:"response"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
}

// Completed reports whether the original execution has stored its response.
// A reservation without a response means the first attempt is still in
// flight (or died before completing).
func (r *IdempotencyRecord) Completed() bool {
	return len(r.Response) > 0
}
