// Package database persists readings, reference readings, calibration runs,
// forecasts and the device registry, in ClickHouse or an embedded SQLite file.
package database

import (
	"context"
	"fmt"
	"time"

	"aqi-calibration/internal/models"
)

// Store is the series store used by ingestion, calibration and the API
type Store interface {
	SaveRawReading(ctx context.Context, r *models.Reading) error
	SaveReferenceReading(ctx context.Context, r *models.ReferenceReading) error
	WriteCalibration(ctx context.Context, m models.CalibrationModel) error
	SaveForecast(ctx context.Context, f *models.Forecast) error
	UpsertDevice(ctx context.Context, d *models.Device) error

	RawReadings(ctx context.Context, window models.TimeWindow) ([]models.Reading, error)
	ReferenceReadings(ctx context.Context, window models.TimeWindow) ([]models.ReferenceReading, error)
	DeviceReadings(ctx context.Context, deviceID string, window models.TimeWindow) ([]models.Reading, error)
	LatestCalibration(ctx context.Context, deviceID string) ([]models.CalibrationModel, error)
	ListDevices(ctx context.Context) ([]models.Device, error)

	Close() error
}

// Row is one tabular record; absent optional fields have no key
type Row map[string]any

// QueryRows returns a measurement's records in window as tabular rows,
// ordered by time
func QueryRows(ctx context.Context, s Store, measurement string, window models.TimeWindow) ([]Row, error) {
	switch measurement {
	case models.MeasurementRaw:
		readings, err := s.RawReadings(ctx, window)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, len(readings))
		for i := range readings {
			rows[i] = ReadingRow(&readings[i])
		}
		return rows, nil

	case models.MeasurementReference:
		refs, err := s.ReferenceReadings(ctx, window)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, len(refs))
		for i, r := range refs {
			row := Row{
				"device_id": r.DeviceID,
				"time":      r.Time.UTC().Format(time.RFC3339Nano),
				"lat":       r.Lat,
				"lon":       r.Lon,
			}
			if r.PM25Ref != nil {
				row["pm25_ref"] = *r.PM25Ref
			}
			if r.CORef != nil {
				row["co_ref"] = *r.CORef
			}
			rows[i] = row
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unknown measurement %q", measurement)
}

// ReadingRow renders a raw reading as a tabular row
func ReadingRow(r *models.Reading) Row {
	row := Row{
		"device_id": r.DeviceID,
		"time":      r.Time.UTC().Format(time.RFC3339Nano),
		"lat":       r.Lat,
		"lon":       r.Lon,
		"pm_raw":    r.PMRaw,
		"co2_raw":   r.CO2Raw,
	}
	if r.Temp != nil {
		row["temp"] = *r.Temp
	}
	if r.Hum != nil {
		row["hum"] = *r.Hum
	}
	return row
}
