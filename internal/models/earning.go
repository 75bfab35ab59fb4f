package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EarningType represents the kind of an earning row.
type EarningType string

const (
	EarningJobPayment EarningType = "JOB_PAYMENT"
	EarningTip        EarningType = "TIP"
	EarningBonus      EarningType = "BONUS"
	EarningAdjustment EarningType = "ADJUSTMENT"
)

// Valid returns true if the earning type is valid.
func (t EarningType) Valid() bool {
	switch t {
	case EarningJobPayment, EarningTip, EarningBonus, EarningAdjustment:
		return true
	default:
		return false
	}
}

// EarningStatus represents the settlement state of an earning row.
type EarningStatus string

const (
	EarningPending   EarningStatus = "PENDING"
	EarningConfirmed EarningStatus = "CONFIRMED"
	EarningPaidOut   EarningStatus = "PAID_OUT"
	EarningCancelled EarningStatus = "CANCELLED"
)

// Valid returns true if the earning status is valid.
func (s EarningStatus) Valid() bool {
	switch s {
	case EarningPending, EarningConfirmed, EarningPaidOut, EarningCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s EarningStatus) String() string {
	return string(s)
}

// PorterEarning is one accrual row. Amounts are signed minor units;
// withdrawal requests are negative ADJUSTMENT rows.
type PorterEarning struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	PorterID          uuid.UUID       `json:"porter_id" db:"porter_id"`
	Type              EarningType     `json:"type" db:"type"`
	Amount            int64           `json:"amount" db:"amount"`
	Status            EarningStatus   `json:"status" db:"status"`
	OrderID           *string         `json:"order_id,omitempty" db:"order_id"`
	Description       *string         `json:"description,omitempty" db:"description"`
	PayoutID          *string         `json:"payout_id,omitempty" db:"payout_id"`
	PayoutStatus      *string         `json:"payout_status,omitempty" db:"payout_status"`
	WithdrawalRequest bool            `json:"withdrawal_request" db:"withdrawal_request"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	PayoutAt          *time.Time      `json:"payout_at,omitempty" db:"payout_at"`
}

// EarningsSummary aggregates a porter's balances in minor units.
// Confirmed is the withdrawable balance: confirmed earnings minus
// pending withdrawal holds.
type EarningsSummary struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
}
