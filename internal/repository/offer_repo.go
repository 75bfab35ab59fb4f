package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// RevokeReasonOrderAssigned is recorded on offers revoked because the order
// went to another porter.
const RevokeReasonOrderAssigned = "order assigned to another porter"

// uniqueViolation is the Postgres error code raised by the partial unique
// index on accepted offers.
const uniqueViolation = "23505"

// OfferRepository defines data access for job offers. Accept and Reject run
// the state-machine transitions; the acceptance race for an order is decided
// here, inside a single transaction.
type OfferRepository interface {
	Create(ctx context.Context, offer *models.JobOffer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.JobOffer, error)
	CountPending(ctx context.Context, porterID uuid.UUID) (int, error)
	Accept(ctx context.Context, offerID, porterID uuid.UUID, now time.Time) (*models.AcceptResult, error)
	Reject(ctx context.Context, offerID, porterID uuid.UUID, reason *string, now time.Time) (*models.AcceptResult, error)
	RevokeOthers(ctx context.Context, orderID string, exceptID uuid.UUID, reason string, now time.Time) (int64, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	ListByPorter(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.JobOffer, error)
	GetAccepted(ctx context.Context, orderID string, porterID uuid.UUID) (*models.JobOffer, error)
}

type offerRepo struct {
	pool *pgxpool.Pool
}

// NewOfferRepository creates a new offer repository.
func NewOfferRepository(pool *pgxpool.Pool) OfferRepository {
	return &offerRepo{pool: pool}
}

const offerColumns = `id, order_id, porter_id, offer_status, assignment_status,
	       correlation_id, rejection_reason, revoke_reason, offered_at, expires_at,
	       accepted_at, rejected_at, expired_at, revoked_at, assigned_at, confirmed_at`

func scanOffer(row pgx.Row) (*models.JobOffer, error) {
	var o models.JobOffer
	err := row.Scan(
		&o.ID,
		&o.OrderID,
		&o.PorterID,
		&o.OfferStatus,
		&o.AssignmentStatus,
		&o.CorrelationID,
		&o.RejectionReason,
		&o.RevokeReason,
		&o.OfferedAt,
		&o.ExpiresAt,
		&o.AcceptedAt,
		&o.RejectedAt,
		&o.ExpiredAt,
		&o.RevokedAt,
		&o.AssignedAt,
		&o.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts a new PENDING offer.
func (r *offerRepo) Create(ctx context.Context, offer *models.JobOffer) error {
	query := `
		INSERT INTO job_offers (id, order_id, porter_id, offer_status, assignment_status, correlation_id, offered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	offer.OfferStatus = models.OfferPending
	offer.AssignmentStatus = models.AssignmentPending

	_, err := r.pool.Exec(ctx, query,
		offer.ID,
		offer.OrderID,
		offer.PorterID,
		offer.OfferStatus,
		offer.AssignmentStatus,
		offer.CorrelationID,
		offer.OfferedAt,
		offer.ExpiresAt,
	)
	return err
}

// GetByID retrieves an offer by id.
func (r *offerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.JobOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers WHERE id = $1`

	offer, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// CountPending counts a porter's in-flight PENDING offers.
func (r *offerRepo) CountPending(ctx context.Context, porterID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_offers WHERE porter_id = $1 AND offer_status = 'PENDING'`,
		porterID,
	).Scan(&count)
	return count, err
}

// Accept runs the acceptance protocol in one transaction: lock the offer
// row, verify ownership and PENDING status, expire an overdue offer in
// place, check no sibling already holds the confirmed assignment, then flip
// the offer to ACCEPTED/CONFIRMED. The partial unique index on accepted
// offers decides any race the row locks do not serialize; a unique
// violation on commit means another porter won.
//
// Exactly one acceptance per order can ever return AcceptOK.
func (r *offerRepo) Accept(ctx context.Context, offerID, porterID uuid.UUID, now time.Time) (*models.AcceptResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	offer, err := scanOffer(tx.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM job_offers WHERE id = $1 FOR UPDATE`,
		offerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.AcceptResult{Outcome: models.AcceptNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if offer.PorterID != porterID {
		return &models.AcceptResult{Outcome: models.AcceptNotOwned, Offer: offer}, nil
	}

	if offer.OfferStatus != models.OfferPending {
		return &models.AcceptResult{Outcome: models.AcceptNotPending, Offer: offer}, nil
	}

	// An offer at exactly expiresAt is already expired.
	if !offer.ExpiresAt.After(now) {
		err = tx.QueryRow(ctx, `
			UPDATE job_offers SET offer_status = 'EXPIRED', expired_at = $1
			WHERE id = $2
			RETURNING `+offerColumns,
			now, offerID,
		).Scan(scanOfferDest(offer)...)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &models.AcceptResult{Outcome: models.AcceptExpired, Offer: offer}, nil
	}

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_offers
			WHERE order_id = $1 AND offer_status = 'ACCEPTED' AND assignment_status = 'CONFIRMED'
		)`,
		offer.OrderID,
	).Scan(&taken)
	if err != nil {
		return nil, err
	}
	if taken {
		err = tx.QueryRow(ctx, `
			UPDATE job_offers SET offer_status = 'REVOKED', revoked_at = $1, revoke_reason = $2
			WHERE id = $3
			RETURNING `+offerColumns,
			now, RevokeReasonOrderAssigned, offerID,
		).Scan(scanOfferDest(offer)...)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &models.AcceptResult{Outcome: models.AcceptOrderTaken, Offer: offer}, nil
	}

	err = tx.QueryRow(ctx, `
		UPDATE job_offers
		SET offer_status = 'ACCEPTED', assignment_status = 'CONFIRMED',
		    accepted_at = $1, assigned_at = $1, confirmed_at = $1
		WHERE id = $2 AND offer_status = 'PENDING'
		RETURNING `+offerColumns,
		now, offerID,
	).Scan(scanOfferDest(offer)...)
	if err != nil {
		if isUniqueViolation(err) {
			return r.acceptLost(ctx, offerID, now)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return r.acceptLost(ctx, offerID, now)
		}
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &models.AcceptResult{Outcome: models.AcceptOK, Offer: offer}, nil
}

// acceptLost settles the offer after losing the race on the unique index.
// The losing offer is revoked so callers never see it PENDING again; if
// another path already moved it out of PENDING, the current row is reported
// as-is.
func (r *offerRepo) acceptLost(ctx context.Context, offerID uuid.UUID, now time.Time) (*models.AcceptResult, error) {
	var o models.JobOffer
	err := r.pool.QueryRow(ctx, `
		UPDATE job_offers SET offer_status = 'REVOKED', revoked_at = $1, revoke_reason = $2
		WHERE id = $3 AND offer_status = 'PENDING'
		RETURNING `+offerColumns,
		now, RevokeReasonOrderAssigned, offerID,
	).Scan(scanOfferDest(&o)...)
	if err == nil {
		return &models.AcceptResult{Outcome: models.AcceptOrderTaken, Offer: &o}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	offer, err := r.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	return &models.AcceptResult{Outcome: models.AcceptOrderTaken, Offer: offer}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// scanOfferDest returns scan destinations matching offerColumns.
func scanOfferDest(o *models.JobOffer) []any {
	return []any{
		&o.ID, &o.OrderID, &o.PorterID, &o.OfferStatus, &o.AssignmentStatus,
		&o.CorrelationID, &o.RejectionReason, &o.RevokeReason, &o.OfferedAt, &o.ExpiresAt,
		&o.AcceptedAt, &o.RejectedAt, &o.ExpiredAt, &o.RevokedAt, &o.AssignedAt, &o.ConfirmedAt,
	}
}

// Reject transitions a PENDING offer to REJECTED. The same outcome
// classification as Accept applies, minus the order-taken branch.
func (r *offerRepo) Reject(ctx context.Context, offerID, porterID uuid.UUID, reason *string, now time.Time) (*models.AcceptResult, error) {
	var o models.JobOffer
	err := r.pool.QueryRow(ctx, `
		UPDATE job_offers SET offer_status = 'REJECTED', rejected_at = $1, rejection_reason = $2
		WHERE id = $3 AND porter_id = $4 AND offer_status = 'PENDING'
		RETURNING `+offerColumns,
		now, reason, offerID, porterID,
	).Scan(scanOfferDest(&o)...)
	if err == nil {
		return &models.AcceptResult{Outcome: models.AcceptOK, Offer: &o}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// No row matched; load the offer to classify why.
	offer, err := r.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	switch {
	case offer == nil:
		return &models.AcceptResult{Outcome: models.AcceptNotFound}, nil
	case offer.PorterID != porterID:
		return &models.AcceptResult{Outcome: models.AcceptNotOwned, Offer: offer}, nil
	default:
		return &models.AcceptResult{Outcome: models.AcceptNotPending, Offer: offer}, nil
	}
}

// RevokeOthers marks all other PENDING offers for the order REVOKED.
func (r *offerRepo) RevokeOthers(ctx context.Context, orderID string, exceptID uuid.UUID, reason string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_offers SET offer_status = 'REVOKED', revoked_at = $1, revoke_reason = $2
		WHERE order_id = $3 AND id <> $4 AND offer_status = 'PENDING'`,
		now, reason, orderID, exceptID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireDue bulk-expires all PENDING offers whose deadline has passed.
func (r *offerRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_offers SET offer_status = 'EXPIRED', expired_at = $1
		WHERE offer_status = 'PENDING' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByPorter returns a porter's offers, optionally filtered by status,
// newest first.
func (r *offerRepo) ListByPorter(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM job_offers WHERE porter_id = $1`
	args := []any{porterID}
	if status != nil {
		query += ` AND offer_status = $2`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY offered_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOffers(rows)
}

// ListByOrder returns all offers for an order, newest first.
func (r *offerRepo) ListByOrder(ctx context.Context, orderID string) ([]*models.JobOffer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+offerColumns+` FROM job_offers WHERE order_id = $1 ORDER BY offered_at DESC`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOffers(rows)
}

// GetAccepted returns the accepted, confirmed offer binding the order to the
// porter, or nil when none exists.
func (r *offerRepo) GetAccepted(ctx context.Context, orderID string, porterID uuid.UUID) (*models.JobOffer, error) {
	query := `
		SELECT ` + offerColumns + ` FROM job_offers
		WHERE order_id = $1 AND porter_id = $2
		  AND offer_status = 'ACCEPTED' AND assignment_status = 'CONFIRMED'`

	offer, err := scanOffer(r.pool.QueryRow(ctx, query, orderID, porterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return offer, nil
}

func collectOffers(rows pgx.Rows) ([]*models.JobOffer, error) {
	var offers []*models.JobOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}
