package models

import "time"

// Device represents a sensor device in the registry
type Device struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	IsActive     bool      `json:"is_active"`
}

// Forecast represents the output of one forecast model invocation
type Forecast struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	CreatedAt    time.Time `json:"created_at"`
	InputLength  int       `json:"input_length"`
	Values       []float64 `json:"values"`
	ModelVersion string    `json:"model_version"`
}
