// Package events defines the lifecycle event contracts published to the
// event bus and the producer that delivers them.
package events

import (
	"encoding/json"
	"time"
)

// Event types published by the dispatch core.
const (
	TypePorterRegistered            = "PorterRegistered"
	TypePorterVerificationRequested = "PorterVerificationRequested"
	TypePorterVerified              = "PorterVerified"
	TypePorterVerificationRejected  = "PorterVerificationRejected"
	TypePorterSuspended             = "PorterSuspended"
	TypePorterUnsuspended           = "PorterUnsuspended"
	TypePorterOnline                = "PorterOnline"
	TypePorterOffline               = "PorterOffline"
	TypePorterLocationUpdated       = "PorterLocationUpdated"
	TypePorterOfferCreated          = "PorterOfferCreated"
	TypePorterAcceptedJob           = "PorterAcceptedJob"
	TypePorterRejectedJob           = "PorterRejectedJob"
)

// Event types consumed from upstream services.
const (
	TypeOrderAssigned          = "OrderAssigned"
	TypeOrderCompleted         = "OrderCompleted"
	TypePaymentPayoutProcessed = "PaymentPayoutProcessed"
)

// Envelope wraps every published event. The partition key is the porter id
// (or user id) so consumers observe a single porter's events in order.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// PorterRegistered is emitted when a new porter profile is created.
type PorterRegistered struct {
	UserID      string `json:"user_id"`
	PorterID    string `json:"porter_id"`
	VehicleType string `json:"vehicle_type"`
}

// PorterVerificationRequested is emitted when a porter asks for review.
type PorterVerificationRequested struct {
	PorterID string `json:"porter_id"`
}

// PorterVerificationDecided is emitted as PorterVerified or
// PorterVerificationRejected.
type PorterVerificationDecided struct {
	PorterID string  `json:"porter_id"`
	Reason   *string `json:"reason,omitempty"`
}

// PorterSuspensionChanged is emitted as PorterSuspended or PorterUnsuspended.
type PorterSuspensionChanged struct {
	PorterID string  `json:"porter_id"`
	By       string  `json:"by"`
	Reason   *string `json:"reason,omitempty"`
}

// PorterPresence is emitted as PorterOnline or PorterOffline.
type PorterPresence struct {
	PorterID  string   `json:"porter_id"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lng,omitempty"`
}

// PorterLocationUpdated is emitted on every accepted location write.
type PorterLocationUpdated struct {
	PorterID  string   `json:"porter_id"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	OrderID   *string  `json:"order_id,omitempty"`
}

// PorterOfferCreated is emitted when an offer is dispatched to a porter.
type PorterOfferCreated struct {
	OfferID   string    `json:"offer_id"`
	OrderID   string    `json:"order_id"`
	PorterID  string    `json:"porter_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PorterOfferDecided is emitted as PorterAcceptedJob or PorterRejectedJob.
type PorterOfferDecided struct {
	OfferID  string  `json:"offer_id"`
	OrderID  string  `json:"order_id"`
	PorterID string  `json:"porter_id"`
	Reason   *string `json:"reason,omitempty"`
}

// OrderAssigned is consumed for sibling-offer reconciliation.
type OrderAssigned struct {
	OrderID  string `json:"order_id"`
	PorterID string `json:"porter_id"`
}

// OrderCompleted is consumed to accrue the job payment.
type OrderCompleted struct {
	OrderID     string    `json:"order_id"`
	PorterID    string    `json:"porter_id"`
	Amount      int64     `json:"amount"`
	CompletedAt time.Time `json:"completed_at"`
}

// PaymentPayoutProcessed is consumed to reconcile payout status.
type PaymentPayoutProcessed struct {
	PayoutID string `json:"payout_id"`
	PorterID string `json:"porter_id"`
	Status   string `json:"status"`
}

// PayoutStatusCompleted is the terminal payout status that flips earnings
// to PAID_OUT.
const PayoutStatusCompleted = "completed"
