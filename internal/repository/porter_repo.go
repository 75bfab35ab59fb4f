// Package repository provides Durable Store access, one repository per
// aggregate.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// PorterRepository defines data access for porter profiles and their
// verification history.
type PorterRepository interface {
	Create(ctx context.Context, porter *models.Porter) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Porter, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Porter, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Porter, error)
	UpdateVerificationStatus(ctx context.Context, porterID uuid.UUID, from, to models.VerificationStatus, reviewer, notes *string) (bool, error)
	SetSuspended(ctx context.Context, porterID uuid.UUID, suspended bool, reason *string) (bool, error)
	IncrementCompletedJobs(ctx context.Context, porterID uuid.UUID) error
	VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error)
}

type porterRepo struct {
	pool *pgxpool.Pool
}

// NewPorterRepository creates a new porter repository.
func NewPorterRepository(pool *pgxpool.Pool) PorterRepository {
	return &porterRepo{pool: pool}
}

const porterColumns = `id, user_id, name, phone, vehicle_type, verification_status,
	       suspended, suspension_reason, active, completed_jobs, total_earnings,
	       metadata, created_at, updated_at`

func scanPorter(row pgx.Row) (*models.Porter, error) {
	var p models.Porter
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Phone,
		&p.VehicleType,
		&p.VerificationStatus,
		&p.Suspended,
		&p.SuspensionReason,
		&p.Active,
		&p.CompletedJobs,
		&p.TotalEarnings,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new porter profile.
func (r *porterRepo) Create(ctx context.Context, porter *models.Porter) error {
	query := `
		INSERT INTO porters (id, user_id, name, phone, vehicle_type, verification_status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	if porter.ID == uuid.Nil {
		porter.ID = uuid.New()
	}
	if porter.VerificationStatus == "" {
		porter.VerificationStatus = models.VerificationPending
	}
	porter.Active = true

	return r.pool.QueryRow(ctx, query,
		porter.ID,
		porter.UserID,
		porter.Name,
		porter.Phone,
		porter.VehicleType,
		porter.VerificationStatus,
		porter.Metadata,
	).Scan(&porter.CreatedAt, &porter.UpdatedAt)
}

// GetByID retrieves a porter by id.
func (r *porterRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Porter, error) {
	query := `SELECT ` + porterColumns + ` FROM porters WHERE id = $1`

	porter, err := scanPorter(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return porter, nil
}

// GetByUserID retrieves a porter by its owning user id.
func (r *porterRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Porter, error) {
	query := `SELECT ` + porterColumns + ` FROM porters WHERE user_id = $1`

	porter, err := scanPorter(r.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return porter, nil
}

// GetByIDs retrieves porters by id, keyed by id. Missing ids are absent
// from the result map.
func (r *porterRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Porter, error) {
	result := make(map[uuid.UUID]*models.Porter, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT ` + porterColumns + ` FROM porters WHERE id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		porter, err := scanPorter(rows)
		if err != nil {
			return nil, err
		}
		result[porter.ID] = porter
	}
	return result, rows.Err()
}

// UpdateVerificationStatus transitions the verification status
// conditionally on the expected current status and appends a history row in
// the same transaction. Returns false when the porter is missing or not in
// the expected status.
func (r *porterRepo) UpdateVerificationStatus(ctx context.Context, porterID uuid.UUID, from, to models.VerificationStatus, reviewer, notes *string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE porters SET verification_status = $1, updated_at = now()
		WHERE id = $2 AND verification_status = $3`,
		to, porterID, from,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO verification_history (id, porter_id, from_status, to_status, reviewer, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), porterID, from, to, reviewer, notes,
	)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// SetSuspended flips the suspension flag. Returns false when the porter is
// missing or already in the requested state.
func (r *porterRepo) SetSuspended(ctx context.Context, porterID uuid.UUID, suspended bool, reason *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE porters SET suspended = $1, suspension_reason = $2, updated_at = now()
		WHERE id = $3 AND suspended <> $1`,
		suspended, reason, porterID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementCompletedJobs bumps the completed-jobs counter.
func (r *porterRepo) IncrementCompletedJobs(ctx context.Context, porterID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE porters SET completed_jobs = completed_jobs + 1, updated_at = now()
		WHERE id = $1`,
		porterID,
	)
	return err
}

// VerificationHistory returns the porter's verification log, newest first.
func (r *porterRepo) VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error) {
	query := `
		SELECT id, porter_id, from_status, to_status, reviewer, notes, created_at
		FROM verification_history
		WHERE porter_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, porterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.VerificationRecord
	for rows.Next() {
		var rec models.VerificationRecord
		if err := rows.Scan(&rec.ID, &rec.PorterID, &rec.FromStatus, &rec.ToStatus, &rec.Reviewer, &rec.Notes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
