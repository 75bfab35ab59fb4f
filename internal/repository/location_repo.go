package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// LocationRepository defines data access for the append-only location
// snapshot history.
type LocationRepository interface {
	InsertSnapshot(ctx context.Context, snapshot *models.LocationSnapshot) error
	LatestCapturedAt(ctx context.Context, porterID uuid.UUID) (*time.Time, error)
	History(ctx context.Context, porterID uuid.UUID, orderID *string, limit int) ([]*models.LocationSnapshot, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type locationRepo struct {
	pool *pgxpool.Pool
}

// NewLocationRepository creates a new location history repository.
func NewLocationRepository(pool *pgxpool.Pool) LocationRepository {
	return &locationRepo{pool: pool}
}

// InsertSnapshot appends one history row.
func (r *locationRepo) InsertSnapshot(ctx context.Context, snapshot *models.LocationSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO location_history (id, porter_id, latitude, longitude, accuracy, order_id, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snapshot.ID,
		snapshot.PorterID,
		snapshot.Latitude,
		snapshot.Longitude,
		snapshot.Accuracy,
		snapshot.OrderID,
		snapshot.CapturedAt,
	)
	return err
}

// LatestCapturedAt returns the capture time of the porter's newest
// snapshot, or nil when no history exists.
func (r *locationRepo) LatestCapturedAt(ctx context.Context, porterID uuid.UUID) (*time.Time, error) {
	var capturedAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT captured_at FROM location_history WHERE porter_id = $1 ORDER BY captured_at DESC LIMIT 1`,
		porterID,
	).Scan(&capturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &capturedAt, nil
}

// History returns a porter's snapshots, newest first, optionally scoped to
// an order.
func (r *locationRepo) History(ctx context.Context, porterID uuid.UUID, orderID *string, limit int) ([]*models.LocationSnapshot, error) {
	query := `
		SELECT id, porter_id, latitude, longitude, accuracy, order_id, captured_at
		FROM location_history
		WHERE porter_id = $1 AND ($2::text IS NULL OR order_id = $2)
		ORDER BY captured_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, porterID, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.LocationSnapshot
	for rows.Next() {
		var s models.LocationSnapshot
		if err := rows.Scan(&s.ID, &s.PorterID, &s.Latitude, &s.Longitude, &s.Accuracy, &s.OrderID, &s.CapturedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}

// DeleteOlderThan prunes snapshots captured before the cutoff.
func (r *locationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM location_history WHERE captured_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
