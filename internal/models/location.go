package models

import (
	"time"

	"github.com/google/uuid"
)

// AvailabilityState is the hot-store record of a porter's availability.
// It is derived state: if lost it is rebuilt by the next heartbeat.
type AvailabilityState struct {
	PorterID uuid.UUID `json:"porter_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Location *GeoPoint `json:"location,omitempty"`
}

// GeoPoint is a WGS84 coordinate with optional accuracy in meters.
type GeoPoint struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// LastLocation is the hot-store record of a porter's last known position.
type LastLocation struct {
	PorterID  uuid.UUID `json:"porter_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	OrderID   *string   `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationSnapshot is one durable row of a porter's location history.
type LocationSnapshot struct {
	ID         uuid.UUID `json:"id" db:"id"`
	PorterID   uuid.UUID `json:"porter_id" db:"porter_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty" db:"accuracy"`
	OrderID    *string   `json:"order_id,omitempty" db:"order_id"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
}

// NearbyPorter is one result row of a radius query, sorted by distance.
type NearbyPorter struct {
	PorterID       uuid.UUID   `json:"porter_id"`
	Latitude       float64     `json:"lat"`
	Longitude      float64     `json:"lng"`
	DistanceMeters float64     `json:"distance_meters"`
	VehicleType    VehicleType `json:"vehicle_type"`
	Online         bool        `json:"online"`
}
