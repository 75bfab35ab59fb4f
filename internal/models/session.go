package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceSession records which device a porter is reachable on. The core only
// records sessions; push delivery is an external collaborator.
type DeviceSession struct {
	DeviceID     string    `json:"device_id" db:"device_id"`
	PorterID     uuid.UUID `json:"porter_id" db:"porter_id"`
	Platform     string    `json:"platform" db:"platform"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}
