package calibration

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/models"
)

const (
	slemanLat = -7.7956
	slemanLon = 110.3695
)

type fakeSource struct {
	raw    []models.Reading
	ref    []models.ReferenceReading
	rawErr error
	refErr error
}

func (f *fakeSource) RawReadings(_ context.Context, _ models.TimeWindow) ([]models.Reading, error) {
	return f.raw, f.rawErr
}

func (f *fakeSource) ReferenceReadings(_ context.Context, _ models.TimeWindow) ([]models.ReferenceReading, error) {
	return f.ref, f.refErr
}

type fakeSink struct {
	written []models.CalibrationModel
	err     error
}

func (f *fakeSink) WriteCalibration(_ context.Context, m models.CalibrationModel) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, m)
	return nil
}

var window = models.TimeWindow{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)}

// scenario builds 10 readings over an hour with references 2 minutes later,
// related by pm25_ref = 1.1*pm_raw + 2 and co_ref = 0.01*co2_raw + 0.1
func scenario(refLat, refLon float64) *fakeSource {
	src := &fakeSource{}
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(i) * 6 * time.Minute)
		pm := 10 + float64(i)*3
		co2 := 400 + float64(i)*5
		src.raw = append(src.raw, models.Reading{
			DeviceID: "sensor-001", Time: ts, Lat: slemanLat, Lon: slemanLon, PMRaw: pm, CO2Raw: co2,
		})
		src.ref = append(src.ref, models.ReferenceReading{
			DeviceID: "sensor-001", Time: ts.Add(2 * time.Minute), Lat: refLat, Lon: refLon,
			PM25Ref: models.Float(1.1*pm + 2), CORef: models.Float(0.01*co2 + 0.1),
		})
	}
	// Another device's readings share the store
	src.raw = append(src.raw, models.Reading{DeviceID: "sensor-002", Time: t0, Lat: 0, Lon: 0, PMRaw: 99})
	return src
}

func fixedClock() time.Time { return t0.Add(3 * time.Hour) }

func newTestCalibrator(src SeriesSource, sink Sink) *Calibrator {
	n := 0
	return NewCalibrator(src, sink,
		WithClock(fixedClock),
		WithRunIDs(func() string { n++; return "run-" + string(rune('0'+n)) }),
	)
}

func TestCalibrateEndToEnd(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCalibrator(scenario(slemanLat, slemanLon), sink)

	res, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NSamples != 10 {
		t.Fatalf("expected 10 samples, got %d", res.NSamples)
	}
	if res.AvgDistanceM > 1e-6 {
		t.Fatalf("expected ~0 m average distance, got %f", res.AvgDistanceM)
	}
	if math.Abs(res.PM.Slope-1.1) > 1e-9 || math.Abs(res.PM.Intercept-2) > 1e-9 {
		t.Fatalf("pm fit a=%f b=%f, want 1.1 and 2", res.PM.Slope, res.PM.Intercept)
	}
	if res.CO == nil {
		t.Fatal("expected CO fit")
	}
	if math.Abs(res.CO.Slope-0.01) > 1e-9 || math.Abs(res.CO.Intercept-0.1) > 1e-6 {
		t.Fatalf("co fit a=%f b=%f, want 0.01 and 0.1", res.CO.Slope, res.CO.Intercept)
	}
	if !res.Persisted {
		t.Fatal("expected result to be persisted")
	}
	if !res.FittedAt.Equal(fixedClock()) {
		t.Fatalf("fitted_at = %s, want %s", res.FittedAt, fixedClock())
	}

	if len(sink.written) != 2 {
		t.Fatalf("expected 2 records written, got %d", len(sink.written))
	}
	pm := sink.written[0]
	if pm.Quantity != models.QuantityPM || pm.DeviceID != "sensor-001" || pm.NSamples != 10 || pm.RunID != res.RunID {
		t.Fatalf("unexpected pm record %+v", pm)
	}
	if sink.written[1].Quantity != models.QuantityCO {
		t.Fatalf("expected co record second, got %s", sink.written[1].Quantity)
	}
}

func TestCalibrateSummaryMatchesStoredPMRecord(t *testing.T) {
	src := scenario(slemanLat, slemanLon)
	// Time-matched and nearby, but without a usable raw PM value
	src.raw = append(src.raw, models.Reading{
		DeviceID: "sensor-001", Time: t0.Add(3 * time.Minute), Lat: slemanLat, Lon: slemanLon, PMRaw: math.NaN(), CO2Raw: 410,
	})
	sink := &fakeSink{}
	c := newTestCalibrator(src, sink)

	res, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pm := sink.written[0]
	if res.NSamples != 10 || pm.NSamples != res.NSamples {
		t.Fatalf("summary n=%d, stored pm n=%d, want both 10", res.NSamples, pm.NSamples)
	}
	if res.AvgDistanceM != pm.AvgDistanceM {
		t.Fatalf("summary avg distance %f differs from stored %f", res.AvgDistanceM, pm.AvgDistanceM)
	}
}

func TestCalibrateSpatialExclusion(t *testing.T) {
	// 2000 m north of the device
	dLat := 2000.0 / 6371000.0 * 180 / math.Pi
	c := newTestCalibrator(scenario(slemanLat+dLat, slemanLon), &fakeSink{})

	_, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if !errors.Is(err, apperr.ErrNoSpatialMatch) {
		t.Fatalf("expected ErrNoSpatialMatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "1000 m") {
		t.Fatalf("expected threshold in error detail, got %q", err.Error())
	}

	// Widening the radius accepts the same pairs
	res, err := c.Calibrate(context.Background(), "sensor-001", window, 2500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(res.AvgDistanceM-2000) > 1 {
		t.Fatalf("expected ~2000 m, got %f", res.AvgDistanceM)
	}
}

func TestCalibrateFailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		source func() *fakeSource
		device string
		want   error
	}{
		{
			name:   "no reference data",
			source: func() *fakeSource { s := scenario(slemanLat, slemanLon); s.ref = nil; return s },
			device: "sensor-001",
			want:   apperr.ErrNoData,
		},
		{
			name:   "no raw data",
			source: func() *fakeSource { s := scenario(slemanLat, slemanLon); s.raw = nil; return s },
			device: "sensor-001",
			want:   apperr.ErrNoData,
		},
		{
			name:   "unknown device",
			source: func() *fakeSource { return scenario(slemanLat, slemanLon) },
			device: "sensor-404",
			want:   apperr.ErrNoDeviceData,
		},
		{
			name: "references too far in time",
			source: func() *fakeSource {
				s := scenario(slemanLat, slemanLon)
				for i := range s.ref {
					s.ref[i].Time = s.ref[i].Time.Add(-2 * time.Hour)
				}
				return s
			},
			device: "sensor-001",
			want:   apperr.ErrNoTemporalMatch,
		},
		{
			name: "references without pm25",
			source: func() *fakeSource {
				s := scenario(slemanLat, slemanLon)
				for i := range s.ref {
					s.ref[i].PM25Ref = nil
				}
				return s
			},
			device: "sensor-001",
			want:   apperr.ErrNoTemporalMatch,
		},
		{
			name: "constant raw pm",
			source: func() *fakeSource {
				s := scenario(slemanLat, slemanLon)
				for i := range s.raw {
					s.raw[i].PMRaw = 12
				}
				return s
			},
			device: "sensor-001",
			want:   apperr.ErrDegenerateFit,
		},
		{
			name: "single pair",
			source: func() *fakeSource {
				s := scenario(slemanLat, slemanLon)
				s.raw = s.raw[:1]
				return s
			},
			device: "sensor-001",
			want:   apperr.ErrInsufficientData,
		},
		{
			name: "store unavailable",
			source: func() *fakeSource {
				s := scenario(slemanLat, slemanLon)
				s.refErr = apperr.Wrap(apperr.KindUpstreamUnavailable, errors.New("dial tcp: refused"), "query reference_readings")
				return s
			},
			device: "sensor-001",
			want:   apperr.ErrUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			c := newTestCalibrator(tt.source(), sink)
			res, err := c.Calibrate(context.Background(), tt.device, window, 1000)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Fatalf("expected nil result, got %+v", res)
			}
			if len(sink.written) != 0 {
				t.Fatalf("expected nothing persisted, got %d records", len(sink.written))
			}
		})
	}
}

func TestCalibrateSecondaryQuantityAbsent(t *testing.T) {
	src := scenario(slemanLat, slemanLon)
	for i := range src.ref {
		src.ref[i].CORef = nil
	}
	sink := &fakeSink{}
	c := newTestCalibrator(src, sink)

	res, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CO != nil {
		t.Fatalf("expected CO to be absent, got %+v", res.CO)
	}
	if len(sink.written) != 1 || sink.written[0].Quantity != models.QuantityPM {
		t.Fatalf("expected only the pm record, got %+v", sink.written)
	}
}

func TestCalibratePersistenceFailureKeepsResult(t *testing.T) {
	sink := &fakeSink{err: errors.New("clickhouse: timeout")}
	c := newTestCalibrator(scenario(slemanLat, slemanLon), sink)

	res, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if res == nil {
		t.Fatal("expected computed result despite persistence failure")
	}
	if res.Persisted {
		t.Fatal("expected Persisted=false")
	}
	if math.Abs(res.PM.Slope-1.1) > 1e-9 {
		t.Fatalf("unexpected slope %f", res.PM.Slope)
	}
}

func TestCalibrateIdempotent(t *testing.T) {
	src := scenario(slemanLat, slemanLon)
	c := NewCalibrator(src, &fakeSink{})

	first, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.PM.LinearFit != second.PM.LinearFit {
		t.Fatalf("pm fits differ: %+v vs %+v", first.PM.LinearFit, second.PM.LinearFit)
	}
	if first.CO.LinearFit != second.CO.LinearFit {
		t.Fatalf("co fits differ: %+v vs %+v", first.CO.LinearFit, second.CO.LinearFit)
	}
	if first.NSamples != second.NSamples || first.AvgDistanceM != second.AvgDistanceM {
		t.Fatal("pairing statistics differ between runs")
	}
	if first.RunID == second.RunID {
		t.Fatal("expected distinct run ids")
	}
}

func TestCalibrateWithoutSink(t *testing.T) {
	c := NewCalibrator(scenario(slemanLat, slemanLon), nil)
	res, err := c.Calibrate(context.Background(), "sensor-001", window, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Persisted {
		t.Fatal("nothing to persist to")
	}
}
