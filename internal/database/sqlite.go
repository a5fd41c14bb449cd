package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/models"
)

type rawReadingRow struct {
	ID       uint      `gorm:"primaryKey"`
	Time     time.Time `gorm:"index"`
	DeviceID string    `gorm:"index"`
	Lat      float64
	Lon      float64
	PMRaw    float64
	CO2Raw   float64
	Temp     *float64
	Hum      *float64
}

func (rawReadingRow) TableName() string { return models.MeasurementRaw }

type referenceReadingRow struct {
	ID       uint      `gorm:"primaryKey"`
	Time     time.Time `gorm:"index"`
	DeviceID string    `gorm:"index"`
	Lat      float64
	Lon      float64
	PM25Ref  *float64 `gorm:"column:pm25_ref"`
	CORef    *float64 `gorm:"column:co_ref"`
}

func (referenceReadingRow) TableName() string { return models.MeasurementReference }

type calibrationRow struct {
	ID           uint      `gorm:"primaryKey"`
	FittedAt     time.Time `gorm:"index"`
	RunID        string    `gorm:"index"`
	DeviceID     string    `gorm:"index"`
	Quantity     string
	Slope        float64
	Intercept    float64
	RMSE         float64 `gorm:"column:rmse"`
	NSamples     int     `gorm:"column:n_samples"`
	AvgDistanceM float64 `gorm:"column:avg_distance_m"`
}

func (calibrationRow) TableName() string { return models.MeasurementCalibration }

type deviceRow struct {
	DeviceID     string `gorm:"primaryKey"`
	Name         string
	Lat          float64
	Lon          float64
	RegisteredAt time.Time
	LastSeen     time.Time
	IsActive     bool
}

func (deviceRow) TableName() string { return "device_registry" }

type forecastRow struct {
	ID           string    `gorm:"primaryKey"`
	DeviceID     string    `gorm:"index"`
	CreatedAt    time.Time `gorm:"index"`
	InputLength  int
	Values       []float64 `gorm:"serializer:json"`
	ModelVersion string
}

func (forecastRow) TableName() string { return "forecasts" }

// SQLiteDB is a Store backed by a local SQLite file, for single-node
// deployments and the command line tool
type SQLiteDB struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// NewSQLiteDB opens (creating if needed) the database file at path and
// migrates the schema
func NewSQLiteDB(path string, log *zap.SugaredLogger) (*SQLiteDB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(&rawReadingRow{}, &referenceReadingRow{}, &calibrationRow{}, &deviceRow{}, &forecastRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("Opened SQLite store at %s", path)
	return &SQLiteDB{db: db, logger: log}, nil
}

func (s *SQLiteDB) SaveRawReading(ctx context.Context, r *models.Reading) error {
	row := rawReadingRow{
		Time:     r.Time.UTC(),
		DeviceID: r.DeviceID,
		Lat:      r.Lat,
		Lon:      r.Lon,
		PMRaw:    r.PMRaw,
		CO2Raw:   r.CO2Raw,
		Temp:     r.Temp,
		Hum:      r.Hum,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert raw reading: %w", err)
	}
	return nil
}

func (s *SQLiteDB) SaveReferenceReading(ctx context.Context, r *models.ReferenceReading) error {
	row := referenceReadingRow{
		Time:     r.Time.UTC(),
		DeviceID: r.DeviceID,
		Lat:      r.Lat,
		Lon:      r.Lon,
		PM25Ref:  r.PM25Ref,
		CORef:    r.CORef,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert reference reading: %w", err)
	}
	return nil
}

func (s *SQLiteDB) WriteCalibration(ctx context.Context, m models.CalibrationModel) error {
	row := calibrationRow{
		FittedAt:     m.FittedAt.UTC(),
		RunID:        m.RunID,
		DeviceID:     m.DeviceID,
		Quantity:     string(m.Quantity),
		Slope:        m.Slope,
		Intercept:    m.Intercept,
		RMSE:         m.RMSE,
		NSamples:     m.NSamples,
		AvgDistanceM: m.AvgDistanceM,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert calibration params: %w", err)
	}
	return nil
}

func (s *SQLiteDB) SaveForecast(ctx context.Context, f *models.Forecast) error {
	row := forecastRow{
		ID:           f.ID,
		DeviceID:     f.DeviceID,
		CreatedAt:    f.CreatedAt.UTC(),
		InputLength:  f.InputLength,
		Values:       f.Values,
		ModelVersion: f.ModelVersion,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert forecast: %w", err)
	}
	return nil
}

// UpsertDevice keeps the first registration time and refreshes the rest
func (s *SQLiteDB) UpsertDevice(ctx context.Context, d *models.Device) error {
	row := deviceRow{
		DeviceID:     d.DeviceID,
		Name:         d.Name,
		Lat:          d.Lat,
		Lon:          d.Lon,
		RegisteredAt: d.RegisteredAt.UTC(),
		LastSeen:     d.LastSeen.UTC(),
		IsActive:     d.IsActive,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "lat", "lon", "last_seen", "is_active"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (s *SQLiteDB) RawReadings(ctx context.Context, window models.TimeWindow) ([]models.Reading, error) {
	var rows []rawReadingRow
	err := s.db.WithContext(ctx).
		Where("time >= ? AND time < ?", window.Start.UTC(), window.End.UTC()).
		Order("time").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementRaw)
	}
	return toReadings(rows), nil
}

func (s *SQLiteDB) DeviceReadings(ctx context.Context, deviceID string, window models.TimeWindow) ([]models.Reading, error) {
	var rows []rawReadingRow
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND time >= ? AND time < ?", deviceID, window.Start.UTC(), window.End.UTC()).
		Order("time").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementRaw)
	}
	return toReadings(rows), nil
}

func toReadings(rows []rawReadingRow) []models.Reading {
	out := make([]models.Reading, len(rows))
	for i, row := range rows {
		out[i] = models.Reading{
			DeviceID: row.DeviceID,
			Time:     row.Time.UTC(),
			Lat:      row.Lat,
			Lon:      row.Lon,
			PMRaw:    row.PMRaw,
			CO2Raw:   row.CO2Raw,
			Temp:     row.Temp,
			Hum:      row.Hum,
		}
	}
	return out
}

func (s *SQLiteDB) ReferenceReadings(ctx context.Context, window models.TimeWindow) ([]models.ReferenceReading, error) {
	var rows []referenceReadingRow
	err := s.db.WithContext(ctx).
		Where("time >= ? AND time < ?", window.Start.UTC(), window.End.UTC()).
		Order("time").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementReference)
	}

	out := make([]models.ReferenceReading, len(rows))
	for i, row := range rows {
		out[i] = models.ReferenceReading{
			DeviceID: row.DeviceID,
			Time:     row.Time.UTC(),
			Lat:      row.Lat,
			Lon:      row.Lon,
			PM25Ref:  row.PM25Ref,
			CORef:    row.CORef,
		}
	}
	return out, nil
}

func (s *SQLiteDB) LatestCalibration(ctx context.Context, deviceID string) ([]models.CalibrationModel, error) {
	var latest calibrationRow
	res := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("fitted_at desc, id desc").
		Limit(1).
		Find(&latest)
	if res.Error != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, res.Error, "query %s", models.MeasurementCalibration)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var rows []calibrationRow
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND run_id = ?", deviceID, latest.RunID).
		Order("quantity desc").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query %s", models.MeasurementCalibration)
	}

	out := make([]models.CalibrationModel, len(rows))
	for i, row := range rows {
		out[i] = models.CalibrationModel{
			RunID:        row.RunID,
			DeviceID:     row.DeviceID,
			Quantity:     models.Quantity(row.Quantity),
			Slope:        row.Slope,
			Intercept:    row.Intercept,
			RMSE:         row.RMSE,
			NSamples:     row.NSamples,
			AvgDistanceM: row.AvgDistanceM,
			FittedAt:     row.FittedAt.UTC(),
		}
	}
	return out, nil
}

func (s *SQLiteDB) ListDevices(ctx context.Context) ([]models.Device, error) {
	var rows []deviceRow
	if err := s.db.WithContext(ctx).Order("device_id").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "query device_registry")
	}

	out := make([]models.Device, len(rows))
	for i, row := range rows {
		out[i] = models.Device{
			DeviceID:     row.DeviceID,
			Name:         row.Name,
			Lat:          row.Lat,
			Lon:          row.Lon,
			RegisteredAt: row.RegisteredAt.UTC(),
			LastSeen:     row.LastSeen.UTC(),
			IsActive:     row.IsActive,
		}
	}
	return out, nil
}

func (s *SQLiteDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close SQLite store: %w", err)
	}
	s.logger.Info("SQLite store closed")
	return nil
}
