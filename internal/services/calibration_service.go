package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/metrics"
	"aqi-calibration/internal/models"
)

// CalibrationRunner runs one calibration
type CalibrationRunner interface {
	Calibrate(ctx context.Context, deviceID string, window models.TimeWindow, maxDistanceM float64) (*calibration.Result, error)
}

// ResultPublisher announces a finished calibration
type ResultPublisher interface {
	PublishCalibration(ctx context.Context, res *calibration.Result) error
}

// DeviceLister lists registered devices
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// CalibrationService recalibrates every known device on a fixed interval and
// serves on-demand runs for the API
type CalibrationService struct {
	runner     CalibrationRunner
	devices    DeviceLister
	publishers []ResultPublisher
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
	now        func() time.Time

	interval     time.Duration
	window       string
	maxDistanceM float64

	mu             sync.RWMutex
	trackedDevices map[string]bool
}

// CalibrationServiceConfig holds configuration for calibration service
type CalibrationServiceConfig struct {
	Interval     time.Duration // How often to recalibrate
	Window       string        // Relative start, e.g. "-7d"
	MaxDistanceM float64       // Pairing radius
}

// DefaultCalibrationServiceConfig returns default configuration
func DefaultCalibrationServiceConfig() CalibrationServiceConfig {
	return CalibrationServiceConfig{
		Interval:     time.Hour,
		Window:       "-7d",
		MaxDistanceM: calibration.DefaultMaxDistanceM,
	}
}

// NewCalibrationService creates a new calibration service. devices may be
// nil, in which case only devices passed to TrackDevice are calibrated.
func NewCalibrationService(
	runner CalibrationRunner,
	devices DeviceLister,
	publishers []ResultPublisher,
	config CalibrationServiceConfig,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *CalibrationService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CalibrationService{
		runner:         runner,
		devices:        devices,
		publishers:     publishers,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
		interval:       config.Interval,
		window:         config.Window,
		maxDistanceM:   config.MaxDistanceM,
		trackedDevices: make(map[string]bool),
	}
}

// TrackDevice adds a device to the periodic calibration set
func (cs *CalibrationService) TrackDevice(deviceID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.trackedDevices[deviceID] = true
}

// Devices returns the tracked devices in order
func (cs *CalibrationService) Devices() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]string, 0, len(cs.trackedDevices))
	for id := range cs.trackedDevices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start begins the polling loop
func (cs *CalibrationService) Start(ctx context.Context) {
	cs.logger.Infof("CalibrationService: Starting, every %v over %s within %.0f m", cs.interval, cs.window, cs.maxDistanceM)

	cs.discoverDevices(ctx)

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.logger.Info("CalibrationService: Shutdown complete")
			return
		case <-ticker.C:
			cs.calibrateAll(ctx)
		}
	}
}

// discoverDevices seeds the tracked set from the device registry
func (cs *CalibrationService) discoverDevices(ctx context.Context) {
	if cs.devices == nil {
		return
	}
	devices, err := cs.devices.ListDevices(ctx)
	if err != nil {
		cs.logger.Warnf("CalibrationService: Error listing devices: %v", err)
		return
	}
	for _, d := range devices {
		if d.IsActive {
			cs.TrackDevice(d.DeviceID)
		}
	}
	cs.logger.Infof("CalibrationService: Tracking %d registered devices", len(cs.Devices()))
}

func (cs *CalibrationService) calibrateAll(ctx context.Context) {
	devices := cs.Devices()
	if len(devices) == 0 {
		return
	}

	cs.logger.Infof("CalibrationService: Calibrating %d devices", len(devices))
	for _, deviceID := range devices {
		if ctx.Err() != nil {
			return
		}
		window, err := models.ParseWindow(cs.window, cs.now())
		if err != nil {
			cs.logger.Errorf("CalibrationService: invalid window %q: %v", cs.window, err)
			return
		}
		// Failures are logged by Run; the loop moves on to the next device
		cs.Run(ctx, deviceID, window, cs.maxDistanceM)
	}
}

// Run calibrates one device and publishes the result. A result computed
// but not persisted is still published and returned with its error.
func (cs *CalibrationService) Run(ctx context.Context, deviceID string, window models.TimeWindow, maxDistanceM float64) (*calibration.Result, error) {
	start := cs.now()
	res, err := cs.runner.Calibrate(ctx, deviceID, window, maxDistanceM)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	cs.metrics.CalibrationRun(outcome, cs.now().Sub(start))

	if err != nil {
		cs.logger.Warnf("CalibrationService: device %s: %s: %v", deviceID, outcome, err)
	}
	if res == nil {
		return nil, err
	}

	for _, p := range cs.publishers {
		if perr := p.PublishCalibration(ctx, res); perr != nil {
			cs.logger.Warnf("CalibrationService: Error publishing calibration for %s: %v", deviceID, perr)
		}
	}
	return res, err
}
