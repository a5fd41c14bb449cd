// Package calibration pairs raw sensor readings with reference readings and
// fits a per-device linear calibration for each measured quantity.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/geo"
	"aqi-calibration/internal/models"
)

// DefaultMaxDistanceM is the pairing radius used when the caller gives none
const DefaultMaxDistanceM = 1000.0

// SeriesSource returns every raw and reference reading inside a window,
// across all devices. Fetch failures are reported as upstream errors.
type SeriesSource interface {
	RawReadings(ctx context.Context, window models.TimeWindow) ([]models.Reading, error)
	ReferenceReadings(ctx context.Context, window models.TimeWindow) ([]models.ReferenceReading, error)
}

// Sink persists fitted calibration models
type Sink interface {
	WriteCalibration(ctx context.Context, m models.CalibrationModel) error
}

// QuantityFit is the fit for one quantity plus the pairing distance it used
type QuantityFit struct {
	LinearFit
	AvgDistanceM float64 `json:"avg_distance_m"`
}

// Result summarizes one calibration run
type Result struct {
	RunID        string            `json:"run_id"`
	DeviceID     string            `json:"device_id"`
	Window       models.TimeWindow `json:"window"`
	MaxDistanceM float64           `json:"max_distance_m"`
	PM           QuantityFit       `json:"pm"`
	CO           *QuantityFit      `json:"co"`
	NSamples     int               `json:"n_samples"`
	AvgDistanceM float64           `json:"avg_distance_m"`
	FittedAt     time.Time         `json:"fitted_at"`
	Persisted    bool              `json:"persisted"`
}

// Models returns the records a run persists, PM first
func (r *Result) Models() []models.CalibrationModel {
	out := []models.CalibrationModel{r.model(models.QuantityPM, r.PM)}
	if r.CO != nil {
		out = append(out, r.model(models.QuantityCO, *r.CO))
	}
	return out
}

func (r *Result) model(q models.Quantity, f QuantityFit) models.CalibrationModel {
	return models.CalibrationModel{
		RunID:        r.RunID,
		DeviceID:     r.DeviceID,
		Quantity:     q,
		Slope:        f.Slope,
		Intercept:    f.Intercept,
		RMSE:         f.RMSE,
		NSamples:     f.N,
		AvgDistanceM: f.AvgDistanceM,
		FittedAt:     r.FittedAt,
	}
}

// Calibrator runs calibrations against a series source and a sink
type Calibrator struct {
	source    SeriesSource
	sink      Sink
	tolerance time.Duration
	now       func() time.Time
	newRunID  func() string
	logger    *zap.SugaredLogger
}

// Option configures a Calibrator
type Option func(*Calibrator)

// WithTolerance overrides DefaultTimeTolerance
func WithTolerance(d time.Duration) Option {
	return func(c *Calibrator) { c.tolerance = d }
}

// WithClock sets the clock used to stamp FittedAt
func WithClock(now func() time.Time) Option {
	return func(c *Calibrator) { c.now = now }
}

// WithRunIDs sets the run id generator
func WithRunIDs(gen func() string) Option {
	return func(c *Calibrator) { c.newRunID = gen }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Calibrator) { c.logger = l }
}

// NewCalibrator creates a calibrator. sink may be nil, in which case results
// are computed but never persisted.
func NewCalibrator(source SeriesSource, sink Sink, opts ...Option) *Calibrator {
	c := &Calibrator{
		source:    source,
		sink:      sink,
		tolerance: DefaultTimeTolerance,
		now:       time.Now,
		newRunID:  func() string { return uuid.NewString() },
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calibrate fits the device's calibration over window using only pairs whose
// sensor and reference positions are at most maxDistanceM apart.
//
// If writing to the sink fails, the computed result is still returned
// together with an ErrPersistence error and Result.Persisted set to false.
func (c *Calibrator) Calibrate(ctx context.Context, deviceID string, window models.TimeWindow, maxDistanceM float64) (*Result, error) {
	raw, err := c.source.RawReadings(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("fetch raw readings: %w", err)
	}
	ref, err := c.source.ReferenceReadings(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("fetch reference readings: %w", err)
	}
	if len(raw) == 0 || len(ref) == 0 {
		return nil, apperr.New(apperr.KindNoData, deviceID,
			"%d raw and %d reference readings in %s", len(raw), len(ref), window)
	}

	device := make([]models.Reading, 0)
	for _, r := range raw {
		if r.DeviceID == deviceID {
			device = append(device, r)
		}
	}
	if len(device) == 0 {
		return nil, apperr.New(apperr.KindNoDeviceData, deviceID,
			"0 of %d raw readings in %s belong to the device", len(raw), window)
	}

	aligned := Align(device, ref, c.tolerance)
	pairs := aligned[:0]
	for _, p := range aligned {
		if p.Ref.PM25Ref != nil && !math.IsNaN(*p.Ref.PM25Ref) {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return nil, apperr.New(apperr.KindNoTemporalMatch, deviceID,
			"none of %d readings has a PM2.5 reference within %s", len(device), c.tolerance)
	}

	nearby := make([]models.AlignedPair, 0, len(pairs))
	for _, p := range pairs {
		p.DistanceM = geo.DistanceM(p.Raw.Lat, p.Raw.Lon, p.Ref.Lat, p.Ref.Lon)
		if p.DistanceM <= maxDistanceM {
			nearby = append(nearby, p)
		}
	}
	if len(nearby) == 0 {
		return nil, apperr.New(apperr.KindNoSpatialMatch, deviceID,
			"none of %d time-matched pairs within %.0f m", len(pairs), maxDistanceM)
	}

	pm, err := fitQuantity(nearby, pmSample)
	if err != nil {
		return nil, withDevice(err, deviceID, "pm")
	}

	result := &Result{
		RunID:        c.newRunID(),
		DeviceID:     deviceID,
		Window:       window,
		MaxDistanceM: maxDistanceM,
		PM:           pm,
		NSamples:     pm.N,
		AvgDistanceM: pm.AvgDistanceM,
		FittedAt:     c.now().UTC(),
	}

	co, err := fitQuantity(nearby, coSample)
	switch {
	case err == nil:
		result.CO = &co
	case errors.Is(err, apperr.ErrInsufficientData), errors.Is(err, apperr.ErrDegenerateFit):
		c.logger.Debugf("Calibrator: CO fit skipped for %s: %v", deviceID, err)
	default:
		return nil, withDevice(err, deviceID, "co")
	}

	c.logger.Infof("Calibrator: device=%s pm a=%.4f b=%.4f rmse=%.4f n=%d avg_distance=%.1fm co=%v",
		deviceID, pm.Slope, pm.Intercept, pm.RMSE, result.NSamples, result.AvgDistanceM, result.CO != nil)

	if c.sink == nil {
		return result, nil
	}
	if err := c.persist(ctx, result); err != nil {
		return result, err
	}
	result.Persisted = true
	return result, nil
}

func (c *Calibrator) persist(ctx context.Context, result *Result) error {
	var errs []error
	for _, m := range result.Models() {
		if err := c.sink.WriteCalibration(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Quantity, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	perr := apperr.Wrap(apperr.KindPersistence, errors.Join(errs...), "write calibration run %s", result.RunID)
	perr.DeviceID = result.DeviceID
	return perr
}

type sampleFunc func(p models.AlignedPair) (x, y float64, ok bool)

func pmSample(p models.AlignedPair) (float64, float64, bool) {
	if p.Ref.PM25Ref == nil {
		return 0, 0, false
	}
	return p.Raw.PMRaw, *p.Ref.PM25Ref, true
}

func coSample(p models.AlignedPair) (float64, float64, bool) {
	if p.Ref.CORef == nil {
		return 0, 0, false
	}
	return p.Raw.CO2Raw, *p.Ref.CORef, true
}

// fitQuantity fits the pairs that carry both values for one quantity
func fitQuantity(pairs []models.AlignedPair, sample sampleFunc) (QuantityFit, error) {
	xs := make([]float64, 0, len(pairs))
	ys := make([]float64, 0, len(pairs))
	dists := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		x, y, ok := sample(p)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
		dists = append(dists, p.DistanceM)
	}

	fit, err := Fit(xs, ys)
	if err != nil {
		return QuantityFit{}, err
	}
	return QuantityFit{LinearFit: fit, AvgDistanceM: stat.Mean(dists, nil)}, nil
}

func withDevice(err error, deviceID, quantity string) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		cp := *e
		cp.DeviceID = deviceID
		cp.Detail = quantity + " fit: " + cp.Detail
		return &cp
	}
	return fmt.Errorf("%s fit for %s: %w", quantity, deviceID, err)
}
