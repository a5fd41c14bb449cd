package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/models"
)

type ClickHouseDB struct {
	conn   driver.Conn
	logger *zap.SugaredLogger
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(addr, database, username, password string, logger *zap.SugaredLogger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Infof("Connected to ClickHouse at %s", addr)

	db := &ClickHouseDB{conn: conn, logger: logger}

	// Initialize schema
	if err := db.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.logger.Info("Database schema initialized successfully")
	return nil
}

// SaveRawReading saves a raw sensor reading
func (db *ClickHouseDB) SaveRawReading(ctx context.Context, r *models.Reading) error {
	query := `
		INSERT INTO raw_readings (timestamp, device_id, lat, lon, pm_raw, co2_raw, temp, hum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		r.Time.UTC(),
		r.DeviceID,
		r.Lat,
		r.Lon,
		r.PMRaw,
		r.CO2Raw,
		r.Temp,
		r.Hum,
	)

	if err != nil {
		return fmt.Errorf("failed to insert raw reading: %w", err)
	}

	return nil
}

// SaveReferenceReading saves a reference reading fetched for a device
func (db *ClickHouseDB) SaveReferenceReading(ctx context.Context, r *models.ReferenceReading) error {
	query := `
		INSERT INTO reference_readings (timestamp, device_id, lat, lon, pm25_ref, co_ref)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		r.Time.UTC(),
		r.DeviceID,
		r.Lat,
		r.Lon,
		r.PM25Ref,
		r.CORef,
	)

	if err != nil {
		return fmt.Errorf("failed to insert reference reading: %w", err)
	}

	return nil
}

// WriteCalibration appends one calibration record
func (db *ClickHouseDB) WriteCalibration(ctx context.Context, m models.CalibrationModel) error {
	query := `
		INSERT INTO calibration_params (fitted_at, run_id, device_id, quantity, slope, intercept, rmse, n_samples, avg_distance_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		m.FittedAt.UTC(),
		m.RunID,
		m.DeviceID,
		string(m.Quantity),
		m.Slope,
		m.Intercept,
		m.RMSE,
		uint32(m.NSamples),
		m.AvgDistanceM,
	)

	if err != nil {
		return fmt.Errorf("failed to insert calibration params: %w", err)
	}

	return nil
}

// SaveForecast saves a forecast produced by the model
func (db *ClickHouseDB) SaveForecast(ctx context.Context, f *models.Forecast) error {
	query := `
		INSERT INTO forecasts (created_at, id, device_id, input_length, values, model_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		f.CreatedAt.UTC(),
		f.ID,
		f.DeviceID,
		uint32(f.InputLength),
		f.Values,
		f.ModelVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to insert forecast: %w", err)
	}

	return nil
}

// UpsertDevice inserts or updates a device in the registry. The first
// registration time is carried over into every newer row.
func (db *ClickHouseDB) UpsertDevice(ctx context.Context, device *models.Device) error {
	var (
		stored time.Time
		count  uint64
	)
	row := db.conn.QueryRow(ctx,
		`SELECT min(registered_at), count() FROM device_registry WHERE device_id = ?`, device.DeviceID)
	if err := row.Scan(&stored, &count); err != nil {
		return fmt.Errorf("failed to read device registration: %w", err)
	}
	registeredAt := firstRegistration(stored, count > 0, device.RegisteredAt)

	query := `
		INSERT INTO device_registry (device_id, name, lat, lon, registered_at, last_seen, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		device.DeviceID,
		device.Name,
		device.Lat,
		device.Lon,
		registeredAt.UTC(),
		device.LastSeen.UTC(),
		device.IsActive,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// firstRegistration prefers an earlier stored registration time over the
// incoming one
func firstRegistration(stored time.Time, found bool, incoming time.Time) time.Time {
	if found && !stored.IsZero() && stored.Before(incoming) {
		return stored
	}
	return incoming
}

// RawReadings returns all raw readings in the window across devices
func (db *ClickHouseDB) RawReadings(ctx context.Context, window models.TimeWindow) ([]models.Reading, error) {
	query := `
		SELECT timestamp, device_id, lat, lon, pm_raw, co2_raw, temp, hum
		FROM raw_readings
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp
	`
	return db.queryReadings(ctx, query, window.Start.UTC(), window.End.UTC())
}

// DeviceReadings returns one device's raw readings in the window
func (db *ClickHouseDB) DeviceReadings(ctx context.Context, deviceID string, window models.TimeWindow) ([]models.Reading, error) {
	query := `
		SELECT timestamp, device_id, lat, lon, pm_raw, co2_raw, temp, hum
		FROM raw_readings
		WHERE device_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp
	`
	return db.queryReadings(ctx, query, deviceID, window.Start.UTC(), window.End.UTC())
}

func (db *ClickHouseDB) queryReadings(ctx context.Context, query string, args ...any) ([]models.Reading, error) {
	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementRaw)
	}
	defer rows.Close()

	var out []models.Reading
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.Time, &r.DeviceID, &r.Lat, &r.Lon, &r.PMRaw, &r.CO2Raw, &r.Temp, &r.Hum); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "scan %s", models.MeasurementRaw)
		}
		r.Time = r.Time.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "read %s", models.MeasurementRaw)
	}
	return out, nil
}

// ReferenceReadings returns all reference readings in the window across devices
func (db *ClickHouseDB) ReferenceReadings(ctx context.Context, window models.TimeWindow) ([]models.ReferenceReading, error) {
	query := `
		SELECT timestamp, device_id, lat, lon, pm25_ref, co_ref
		FROM reference_readings
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp
	`

	rows, err := db.conn.Query(ctx, query, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementReference)
	}
	defer rows.Close()

	var out []models.ReferenceReading
	for rows.Next() {
		var r models.ReferenceReading
		if err := rows.Scan(&r.Time, &r.DeviceID, &r.Lat, &r.Lon, &r.PM25Ref, &r.CORef); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "scan %s", models.MeasurementReference)
		}
		r.Time = r.Time.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "read %s", models.MeasurementReference)
	}
	return out, nil
}

// LatestCalibration returns the records of the device's most recent calibration run
func (db *ClickHouseDB) LatestCalibration(ctx context.Context, deviceID string) ([]models.CalibrationModel, error) {
	query := `
		SELECT fitted_at, run_id, device_id, quantity, slope, intercept, rmse, n_samples, avg_distance_m
		FROM calibration_params
		WHERE device_id = ? AND run_id = (
			SELECT run_id FROM calibration_params
			WHERE device_id = ?
			ORDER BY fitted_at DESC
			LIMIT 1
		)
		ORDER BY quantity DESC
	`

	rows, err := db.conn.Query(ctx, query, deviceID, deviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementCalibration)
	}
	defer rows.Close()

	var out []models.CalibrationModel
	for rows.Next() {
		var (
			m        models.CalibrationModel
			quantity string
			n        uint32
		)
		if err := rows.Scan(&m.FittedAt, &m.RunID, &m.DeviceID, &quantity, &m.Slope, &m.Intercept, &m.RMSE, &n, &m.AvgDistanceM); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "scan %s", models.MeasurementCalibration)
		}
		m.Quantity = models.Quantity(quantity)
		m.NSamples = int(n)
		m.FittedAt = m.FittedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListDevices returns the registered devices
func (db *ClickHouseDB) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT device_id, name, lat, lon, registered_at, last_seen, is_active
		FROM device_registry FINAL
		ORDER BY device_id
	`

	rows, err := db.conn.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query device_registry")
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.Lat, &d.Lon, &d.RegisteredAt, &d.LastSeen, &d.IsActive); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "scan device_registry")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		db.logger.Info("ClickHouse connection closed")
	}
	return nil
}
