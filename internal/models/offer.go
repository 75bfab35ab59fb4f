package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus represents the lifecycle state of a job offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
	OfferRevoked  OfferStatus = "REVOKED"
)

// Valid returns true if the offer status is valid.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferExpired, OfferRevoked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no transitions out of this status exist.
func (s OfferStatus) Terminal() bool {
	return s != OfferPending && s.Valid()
}

// String returns the string representation.
func (s OfferStatus) String() string {
	return string(s)
}

// AssignmentStatus represents whether an accepted offer has been confirmed
// as the order's assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentConfirmed AssignmentStatus = "CONFIRMED"
)

// JobOffer is a time-bounded invitation for one porter to take one order.
type JobOffer struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	OrderID          string           `json:"order_id" db:"order_id"`
	PorterID         uuid.UUID        `json:"porter_id" db:"porter_id"`
	OfferStatus      OfferStatus      `json:"offer_status" db:"offer_status"`
	AssignmentStatus AssignmentStatus `json:"assignment_status" db:"assignment_status"`
	CorrelationID    string           `json:"correlation_id" db:"correlation_id"`
	RejectionReason  *string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	RevokeReason     *string          `json:"revoke_reason,omitempty" db:"revoke_reason"`
	OfferedAt        time.Time        `json:"offered_at" db:"offered_at"`
	ExpiresAt        time.Time        `json:"expires_at" db:"expires_at"`
	AcceptedAt       *time.Time       `json:"accepted_at,omitempty" db:"accepted_at"`
	RejectedAt       *time.Time       `json:"rejected_at,omitempty" db:"rejected_at"`
	ExpiredAt        *time.Time       `json:"expired_at,omitempty" db:"expired_at"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
	AssignedAt       *time.Time       `json:"assigned_at,omitempty" db:"assigned_at"`
	ConfirmedAt      *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// AcceptOutcome classifies the result of an acceptance attempt.
type AcceptOutcome string

const (
	// AcceptOK means the caller won the race and the offer is now
	// ACCEPTED/CONFIRMED.
	AcceptOK AcceptOutcome = "OK"
	// AcceptNotFound means no offer with the given id exists.
	AcceptNotFound AcceptOutcome = "NOT_FOUND"
	// AcceptNotOwned means the offer belongs to a different porter.
	AcceptNotOwned AcceptOutcome = "NOT_OWNED"
	// AcceptNotPending means the offer was already in a terminal state.
	AcceptNotPending AcceptOutcome = "NOT_PENDING"
	// AcceptExpired means the offer deadline passed; it was marked EXPIRED.
	AcceptExpired AcceptOutcome = "EXPIRED"
	// AcceptOrderTaken means another porter holds the confirmed assignment;
	// the offer was marked REVOKED.
	AcceptOrderTaken AcceptOutcome = "ORDER_TAKEN"
)

// AcceptResult carries the outcome of an acceptance attempt together with
// the offer's state after the attempt (nil when the offer does not exist).
type AcceptResult struct {
	Outcome AcceptOutcome
	Offer   *JobOffer
}
