package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// IdempotencyRepository defines data access for idempotency records. The
// layer works reserve-then-execute: a reservation row is inserted before the
// operation runs, the cached response is attached after it succeeds, and the
// reservation is released if it fails.
type IdempotencyRepository interface {
	// Reserve atomically claims the key. Returns (true, nil) when this
	// caller holds the fresh reservation, or (false, existing) when the key
	// is already taken.
	Reserve(ctx context.Context, key string, userID uuid.UUID, operation string, expiresAt time.Time) (bool, *models.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, response json.RawMessage) error
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type idempotencyRepo struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepository creates a new idempotency repository.
func NewIdempotencyRepository(pool *pgxpool.Pool) IdempotencyRepository {
	return &idempotencyRepo{pool: pool}
}

// Reserve claims the key with INSERT ON CONFLICT DO NOTHING; losing the
// insert means a record already exists and is returned for classification.
// An expired leftover record is replaced in place.
func (r *idempotencyRepo) Reserve(ctx context.Context, key string, userID uuid.UUID, operation string, expiresAt time.Time) (bool, *models.IdempotencyRecord, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, user_id, operation, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, userID, operation, expiresAt,
	)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	var rec models.IdempotencyRecord
	err = r.pool.QueryRow(ctx, `
		SELECT key, user_id, operation, response, created_at, expires_at
		FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.UserID, &rec.Operation, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the insert to a record that was purged in between; retry
		// the claim once.
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO idempotency_records (key, user_id, operation, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING`,
			key, userID, operation, expiresAt,
		)
		if err != nil {
			return false, nil, err
		}
		return tag.RowsAffected() > 0, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	// Replace an expired leftover so stale keys do not block forever.
	if rec.ExpiresAt.Before(time.Now()) {
		tag, err := r.pool.Exec(ctx, `
			UPDATE idempotency_records
			SET user_id = $1, operation = $2, response = NULL, created_at = now(), expires_at = $3
			WHERE key = $4 AND expires_at = $5`,
			userID, operation, expiresAt, key, rec.ExpiresAt,
		)
		if err != nil {
			return false, nil, err
		}
		if tag.RowsAffected() > 0 {
			return true, nil, nil
		}
	}

	return false, &rec, nil
}

// Complete attaches the cached response to the reservation.
func (r *idempotencyRepo) Complete(ctx context.Context, key string, response json.RawMessage) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE idempotency_records SET response = $1 WHERE key = $2`,
		response, key,
	)
	return err
}

// Release drops the reservation so the caller may retry with the same key.
func (r *idempotencyRepo) Release(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	return err
}

// PurgeExpired deletes records past their TTL.
func (r *idempotencyRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
