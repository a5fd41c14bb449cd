package database

// SQL schemas for all ClickHouse tables

const (
	// RawReadingsTableSQL creates the raw_readings table
	RawReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS raw_readings (
			timestamp DateTime64(9, 'UTC'),
			device_id String,
			lat Float64,
			lon Float64,
			pm_raw Float64,
			co2_raw Float64,
			temp Nullable(Float64),
			hum Nullable(Float64)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// ReferenceReadingsTableSQL creates the reference_readings table.
	// lat/lon are the reference station coordinates.
	ReferenceReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS reference_readings (
			timestamp DateTime64(9, 'UTC'),
			device_id String,
			lat Float64,
			lon Float64,
			pm25_ref Nullable(Float64),
			co_ref Nullable(Float64)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// CalibrationParamsTableSQL creates the append-only calibration_params table
	CalibrationParamsTableSQL = `
		CREATE TABLE IF NOT EXISTS calibration_params (
			fitted_at DateTime64(9, 'UTC'),
			run_id String,
			device_id String,
			quantity LowCardinality(String),
			slope Float64,
			intercept Float64,
			rmse Float64,
			n_samples UInt32,
			avg_distance_m Float64
		) ENGINE = MergeTree()
		ORDER BY (device_id, quantity, fitted_at)
		PARTITION BY toYYYYMM(fitted_at)
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			name String,
			lat Float64,
			lon Float64,
			registered_at DateTime64(3, 'UTC'),
			last_seen DateTime64(3, 'UTC'),
			is_active Bool
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`

	// ForecastsTableSQL creates the forecasts table
	ForecastsTableSQL = `
		CREATE TABLE IF NOT EXISTS forecasts (
			created_at DateTime64(3, 'UTC'),
			id String,
			device_id String,
			input_length UInt32,
			values Array(Float64),
			model_version String
		) ENGINE = MergeTree()
		ORDER BY (device_id, created_at)
		PARTITION BY toYYYYMM(created_at)
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		RawReadingsTableSQL,
		ReferenceReadingsTableSQL,
		CalibrationParamsTableSQL,
		DeviceRegistryTableSQL,
		ForecastsTableSQL,
	}
}
