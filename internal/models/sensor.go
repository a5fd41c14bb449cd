package models

import (
	"fmt"
	"strings"
	"time"
)

// Measurement names used by the series store
const (
	MeasurementRaw         = "raw_readings"
	MeasurementReference   = "reference_readings"
	MeasurementCalibration = "calibration_params"
)

// Reading represents one raw sensor sample
type Reading struct {
	DeviceID string    `json:"device_id"`
	Time     time.Time `json:"timestamp"` // UTC
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	PMRaw    float64   `json:"pm_raw"`
	CO2Raw   float64   `json:"co2_raw"`
	Temp     *float64  `json:"temp,omitempty"` // Celsius
	Hum      *float64  `json:"hum,omitempty"`  // Percentage 0-100
}

// Validate checks the fields required at the ingestion boundary
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("device_id is required")
	}
	if r.Time.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if r.Lat < -90 || r.Lat > 90 {
		return fmt.Errorf("lat %.6f out of range", r.Lat)
	}
	if r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("lon %.6f out of range", r.Lon)
	}
	return nil
}

// ReferenceReading is a trusted measurement used as ground truth.
// DeviceID is the association key of the ingesting device, not the station.
type ReferenceReading struct {
	DeviceID string    `json:"device_id"`
	Time     time.Time `json:"timestamp"` // UTC
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	PM25Ref  *float64  `json:"pm25_ref,omitempty"`
	CORef    *float64  `json:"co_ref,omitempty"`
}

// AlignedPair joins a raw reading with its nearest reference reading
type AlignedPair struct {
	Time      time.Time        `json:"time"`
	Raw       Reading          `json:"raw"`
	Ref       ReferenceReading `json:"ref"`
	DistanceM float64          `json:"distance_m"`
}

// Quantity identifies a calibrated measurement
type Quantity string

const (
	QuantityPM Quantity = "pm"
	QuantityCO Quantity = "co"
)

// CalibrationModel is one persisted fit for a device and quantity
type CalibrationModel struct {
	RunID        string    `json:"run_id"`
	DeviceID     string    `json:"device_id"`
	Quantity     Quantity  `json:"quantity"`
	Slope        float64   `json:"slope"`
	Intercept    float64   `json:"intercept"`
	RMSE         float64   `json:"rmse"`
	NSamples     int       `json:"n_samples"`
	AvgDistanceM float64   `json:"avg_distance_m"`
	FittedAt     time.Time `json:"fitted_at"`
}

// Apply converts a raw value into reference units
func (m *CalibrationModel) Apply(x float64) float64 {
	return m.Slope*x + m.Intercept
}

// Float returns a pointer to v, for optional fields
func Float(v float64) *float64 {
	return &v
}
