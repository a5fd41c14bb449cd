package forecast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/models"
)

// Model is an opaque sequence predictor. It receives a window of normalized
// values in [0,1] and returns its normalized prediction; the Service owns
// normalization on both sides.
type Model interface {
	Predict(ctx context.Context, window []float64) ([]float64, error)
	FutureSteps() int
	Version() string
}

// SeriesReader loads one device's raw readings
type SeriesReader interface {
	DeviceReadings(ctx context.Context, deviceID string, window models.TimeWindow) ([]models.Reading, error)
}

// Recorder stores produced forecasts
type Recorder interface {
	SaveForecast(ctx context.Context, f *models.Forecast) error
}

// ServiceConfig holds the window shape the model expects
type ServiceConfig struct {
	TargetLength int
	MinLength    int
}

// DefaultServiceConfig returns the default window shape
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TargetLength: DefaultTargetLength,
		MinLength:    DefaultMinLength,
	}
}

// Service produces PM forecasts for a device
type Service struct {
	reader   SeriesReader
	model    Model
	recorder Recorder
	config   ServiceConfig
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewService creates a forecast service. recorder may be nil.
func NewService(reader SeriesReader, model Model, recorder Recorder, config ServiceConfig, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		reader:   reader,
		model:    model,
		recorder: recorder,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
}

// Forecast predicts the next FutureSteps PM values for a device from its raw
// readings inside window
func (s *Service) Forecast(ctx context.Context, deviceID string, window models.TimeWindow) (*models.Forecast, error) {
	readings, err := s.reader.DeviceReadings(ctx, deviceID, window)
	if err != nil {
		return nil, fmt.Errorf("fetch readings: %w", err)
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Time.Before(readings[j].Time)
	})
	series := make([]float64, len(readings))
	for i, r := range readings {
		series[i] = r.PMRaw
	}

	input, err := PrepareWindow(series, s.config.TargetLength, s.config.MinLength)
	if err != nil {
		if e, ok := err.(*apperr.Error); ok {
			e.DeviceID = deviceID
		}
		return nil, err
	}

	scaler := FitScaler(input)
	predicted, err := s.model.Predict(ctx, scaler.Transform(input))
	if err != nil {
		return nil, fmt.Errorf("model %s predict: %w", s.model.Version(), err)
	}
	if len(predicted) != s.model.FutureSteps() {
		return nil, fmt.Errorf("model %s returned %d values, expected %d",
			s.model.Version(), len(predicted), s.model.FutureSteps())
	}

	f := &models.Forecast{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		CreatedAt:    s.now().UTC(),
		InputLength:  len(series),
		Values:       scaler.Inverse(predicted),
		ModelVersion: s.model.Version(),
	}

	s.logger.Infof("ForecastService: device=%s input=%d steps=%d model=%s",
		deviceID, len(series), len(f.Values), f.ModelVersion)

	// A failed write does not fail the forecast
	if s.recorder != nil {
		if err := s.recorder.SaveForecast(ctx, f); err != nil {
			s.logger.Warnf("ForecastService: failed to save forecast for %s: %v", deviceID, err)
		}
	}
	return f, nil
}
