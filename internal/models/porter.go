package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VerificationStatus represents where a porter is in the verification flow.
type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "PENDING"
	VerificationUnderReview VerificationStatus = "UNDER_REVIEW"
	VerificationVerified    VerificationStatus = "VERIFIED"
	VerificationRejected    VerificationStatus = "REJECTED"
)

// Valid returns true if the verification status is valid.
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationUnderReview, VerificationVerified, VerificationRejected:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s VerificationStatus) String() string {
	return string(s)
}

// VehicleType represents a porter's vehicle category.
type VehicleType string

const (
	VehicleBicycle   VehicleType = "bicycle"
	VehicleMotorbike VehicleType = "motorbike"
	VehicleCar       VehicleType = "car"
	VehicleTruck     VehicleType = "truck"
)

// Valid returns true if the vehicle type is valid.
func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBicycle, VehicleMotorbike, VehicleCar, VehicleTruck:
		return true
	default:
		return false
	}
}

// Porter represents a mobile worker who accepts delivery jobs.
type Porter struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	UserID             uuid.UUID          `json:"user_id" db:"user_id"`
	Name               string             `json:"name" db:"name"`
	Phone              string             `json:"phone" db:"phone"`
	VehicleType        VehicleType        `json:"vehicle_type" db:"vehicle_type"`
	VerificationStatus VerificationStatus `json:"verification_status" db:"verification_status"`
	Suspended          bool               `json:"suspended" db:"suspended"`
	SuspensionReason   *string            `json:"suspension_reason,omitempty" db:"suspension_reason"`
	Active             bool               `json:"active" db:"active"`
	CompletedJobs      int64              `json:"completed_jobs" db:"completed_jobs"`
	TotalEarnings      int64              `json:"total_earnings" db:"total_earnings"`
	Metadata           json.RawMessage    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// Dispatchable returns true if the porter may appear in nearby queries and
// receive offers: verified, not suspended, active.
func (p *Porter) Dispatchable() bool {
	return p.VerificationStatus == VerificationVerified && !p.Suspended && p.Active
}

// VerificationRecord is one entry in a porter's verification history.
type VerificationRecord struct {
	ID         uuid.UUID          `json:"id" db:"id"`
	PorterID   uuid.UUID          `json:"porter_id" db:"porter_id"`
	FromStatus VerificationStatus `json:"from_status" db:"from_status"`
	ToStatus   VerificationStatus `json:"to_status" db:"to_status"`
	Reviewer   *string            `json:"reviewer,omitempty" db:"reviewer"`
	Notes      *string            `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
}
