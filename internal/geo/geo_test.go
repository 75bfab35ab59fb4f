package geo

import (
	"math"
	"testing"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		tolerance              float64
	}{
		{
			name: "same point",
			lat1: 40.7128, lng1: -74.0060,
			lat2: 40.7128, lng2: -74.0060,
			want:      0,
			tolerance: 0.001,
		},
		{
			name: "one degree of latitude",
			lat1: 0, lng1: 0,
			lat2: 1, lng2: 0,
			want:      111195,
			tolerance: 100,
		},
		{
			name: "new york to los angeles",
			lat1: 40.7128, lng1: -74.0060,
			lat2: 34.0522, lng2: -118.2437,
			want:      3935746,
			tolerance: 10000,
		},
		{
			name: "short hop within a city",
			lat1: 40.7128, lng1: -74.0060,
			lat2: 40.7138, lng2: -74.0060,
			want:      111.2,
			tolerance: 1,
		},
		{
			name: "across the antimeridian",
			lat1: 0, lng1: 179.5,
			lat2: 0, lng2: -179.5,
			want:      111195,
			tolerance: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Haversine() = %f, want %f ± %f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestValidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"origin", 0, 0, true},
		{"valid city", 40.7128, -74.0060, true},
		{"north pole", 90, 0, true},
		{"south pole", -90, 0, true},
		{"antimeridian", 0, 180, true},
		{"latitude too high", 90.0001, 0, false},
		{"latitude too low", -90.0001, 0, false},
		{"longitude too high", 0, 180.0001, false},
		{"longitude too low", 0, -180.0001, false},
		{"NaN latitude", math.NaN(), 0, false},
		{"NaN longitude", 0, math.NaN(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidCoordinates(tt.lat, tt.lng); got != tt.want {
				t.Errorf("ValidCoordinates(%f, %f) = %v, want %v", tt.lat, tt.lng, got, tt.want)
			}
		})
	}
}
