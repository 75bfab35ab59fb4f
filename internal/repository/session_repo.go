package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// SessionRepository defines data access for durable device sessions.
type SessionRepository interface {
	Upsert(ctx context.Context, session *models.DeviceSession) error
	ListByPorter(ctx context.Context, porterID uuid.UUID) ([]*models.DeviceSession, error)
}

type sessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new device session repository.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepo{pool: pool}
}

// Upsert inserts the session or refreshes an existing one.
func (r *sessionRepo) Upsert(ctx context.Context, session *models.DeviceSession) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO device_sessions (device_id, porter_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE
		SET porter_id = EXCLUDED.porter_id, platform = EXCLUDED.platform, last_seen_at = now()
		RETURNING registered_at, last_seen_at`,
		session.DeviceID, session.PorterID, session.Platform,
	).Scan(&session.RegisteredAt, &session.LastSeenAt)
}

// ListByPorter returns a porter's registered devices.
func (r *sessionRepo) ListByPorter(ctx context.Context, porterID uuid.UUID) ([]*models.DeviceSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_id, porter_id, platform, registered_at, last_seen_at
		FROM device_sessions
		WHERE porter_id = $1
		ORDER BY last_seen_at DESC`,
		porterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.DeviceSession
	for rows.Next() {
		var s models.DeviceSession
		if err := rows.Scan(&s.DeviceID, &s.PorterID, &s.Platform, &s.RegisteredAt, &s.LastSeenAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}
