package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"aqi-calibration/internal/aqicn"
	"aqi-calibration/internal/metrics"
	"aqi-calibration/internal/models"
)

// ReadingStore is the write side of the series store used by ingestion
type ReadingStore interface {
	SaveRawReading(ctx context.Context, r *models.Reading) error
	SaveReferenceReading(ctx context.Context, r *models.ReferenceReading) error
	UpsertDevice(ctx context.Context, d *models.Device) error
}

// ReferenceFetcher returns the reference observation nearest a position
type ReferenceFetcher interface {
	FetchGeo(ctx context.Context, lat, lon float64) (*aqicn.Observation, error)
}

// DeviceTracker is told about every device that reports
type DeviceTracker interface {
	TrackDevice(deviceID string)
}

// IngestService persists raw readings, pairs each with a reference
// observation when one is available, and registers the reporting device
type IngestService struct {
	store   ReadingStore
	ref     ReferenceFetcher
	tracker DeviceTracker
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	// Input channel from the MQTT subscriber
	ReadingChan chan *models.Reading
}

// IngestServiceConfig holds configuration for ingest service
type IngestServiceConfig struct {
	ReadingChannelSize int
}

// DefaultIngestServiceConfig returns default configuration
func DefaultIngestServiceConfig() IngestServiceConfig {
	return IngestServiceConfig{ReadingChannelSize: 100}
}

// NewIngestService creates a new ingest service. ref and tracker may be nil.
func NewIngestService(
	store ReadingStore,
	ref ReferenceFetcher,
	tracker DeviceTracker,
	config IngestServiceConfig,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *IngestService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IngestService{
		store:       store,
		ref:         ref,
		tracker:     tracker,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		ReadingChan: make(chan *models.Reading, config.ReadingChannelSize),
	}
}

// Start processes readings from ReadingChan until ctx is cancelled or the
// channel is closed
func (s *IngestService) Start(ctx context.Context) {
	s.logger.Info("IngestService: Starting...")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("IngestService: Shutting down...")
			return
		case reading, ok := <-s.ReadingChan:
			if !ok {
				s.logger.Info("IngestService: Reading channel closed, shutting down...")
				return
			}
			if err := s.Ingest(ctx, reading, "mqtt"); err != nil {
				s.logger.Errorf("IngestService: %v", err)
			}
		}
	}
}

// Ingest stores one reading. A failed or empty reference fetch never fails
// the ingest; the raw reading is kept and no reference is written.
func (s *IngestService) Ingest(ctx context.Context, r *models.Reading, source string) error {
	if err := r.Validate(); err != nil {
		s.metrics.ReadingIngested(source, "invalid")
		return fmt.Errorf("invalid reading: %w", err)
	}
	r.Time = r.Time.UTC()

	if err := s.store.SaveRawReading(ctx, r); err != nil {
		s.metrics.ReadingIngested(source, "error")
		return fmt.Errorf("save raw reading for %s: %w", r.DeviceID, err)
	}
	s.metrics.ReadingIngested(source, "ok")
	s.logger.Debugf("Saved raw reading: device=%s, pm=%.2f, co2=%.2f", r.DeviceID, r.PMRaw, r.CO2Raw)

	if err := s.storeReference(ctx, r); err != nil {
		return err
	}

	s.registerDevice(ctx, r)
	return nil
}

func (s *IngestService) storeReference(ctx context.Context, r *models.Reading) error {
	if s.ref == nil {
		return nil
	}

	obs, err := s.ref.FetchGeo(ctx, r.Lat, r.Lon)
	if err != nil {
		s.metrics.ReferenceFetch("error")
		s.logger.Warnf("IngestService: reference fetch for %s failed, keeping raw only: %v", r.DeviceID, err)
		return nil
	}
	if obs.PM25 == nil {
		s.metrics.ReferenceFetch("no_pm25")
		s.logger.Debugf("IngestService: reference for %s has no PM2.5, skipping", r.DeviceID)
		return nil
	}
	s.metrics.ReferenceFetch("ok")

	ref := &models.ReferenceReading{
		DeviceID: r.DeviceID,
		Time:     r.Time,
		Lat:      r.Lat,
		Lon:      r.Lon,
		PM25Ref:  obs.PM25,
		CORef:    obs.CO,
	}
	if obs.Time.UTC != nil {
		ref.Time = obs.Time.UTC.UTC()
	}
	if lat, lon, ok := obs.StationPosition(); ok {
		ref.Lat, ref.Lon = lat, lon
	}

	if err := s.store.SaveReferenceReading(ctx, ref); err != nil {
		return fmt.Errorf("save reference reading for %s: %w", r.DeviceID, err)
	}
	return nil
}

// registerDevice auto-registers a device on every message
func (s *IngestService) registerDevice(ctx context.Context, r *models.Reading) {
	now := s.now().UTC()
	device := &models.Device{
		DeviceID:     r.DeviceID,
		Name:         r.DeviceID,
		Lat:          r.Lat,
		Lon:          r.Lon,
		RegisteredAt: now,
		LastSeen:     now,
		IsActive:     true,
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		s.logger.Warnf("IngestService: error registering device %s: %v", r.DeviceID, err)
	}
	if s.tracker != nil {
		s.tracker.TrackDevice(r.DeviceID)
	}
}
