package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/aqicn"
	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/database"
	"aqi-calibration/internal/metrics"
	"aqi-calibration/internal/models"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type stubIngester struct {
	got []*models.Reading
	err error
}

func (s *stubIngester) Ingest(_ context.Context, r *models.Reading, _ string) error {
	s.got = append(s.got, r)
	return s.err
}

type stubRunner struct {
	deviceID string
	window   models.TimeWindow
	maxDist  float64
	res      *calibration.Result
	err      error
}

func (s *stubRunner) Run(_ context.Context, deviceID string, window models.TimeWindow, maxDistanceM float64) (*calibration.Result, error) {
	s.deviceID, s.window, s.maxDist = deviceID, window, maxDistanceM
	return s.res, s.err
}

type stubReference struct {
	station int
	obs     *aqicn.Observation
	err     error
}

func (s *stubReference) FetchGeo(_ context.Context, _, _ float64) (*aqicn.Observation, error) {
	return s.obs, s.err
}

func (s *stubReference) FetchStation(_ context.Context, id int) (*aqicn.Observation, error) {
	s.station = id
	return s.obs, s.err
}

type stubForecaster struct {
	f   *models.Forecast
	err error
}

func (s *stubForecaster) Forecast(_ context.Context, _ string, _ models.TimeWindow) (*models.Forecast, error) {
	return s.f, s.err
}

type testEnv struct {
	handler  http.Handler
	store    *database.SQLiteDB
	ingester *stubIngester
	runner   *stubRunner
	ref      *stubReference
	forecast *stubForecaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		ingester: &stubIngester{},
		runner:   &stubRunner{},
		ref:      &stubReference{},
		forecast: &stubForecaster{},
	}
	env.handler = NewRouter(&Handlers{
		Store:       store,
		Ingester:    env.ingester,
		Calibration: env.runner,
		Reference:   env.ref,
		Forecaster:  env.forecast,
		Metrics:     metrics.New(),
		Now:         func() time.Time { return now },
	})
	return env
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestIngest(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/v1/ingest", `{"device_id":"sensor-001","timestamp":"2025-03-10T11:59:00Z","lat":-7.79,"lon":110.36,"pm_raw":20,"co2_raw":410}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.ingester.got) != 1 || env.ingester.got[0].PMRaw != 20 {
		t.Fatalf("reading not passed to ingester: %+v", env.ingester.got)
	}

	rr = env.do(http.MethodPost, "/api/v1/ingest", `{"lat":1,"lon":2}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing device_id, got %d", rr.Code)
	}
	rr = env.do(http.MethodPost, "/api/v1/ingest", `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestCalibrateSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.runner.res = &calibration.Result{
		RunID:        "run-1",
		DeviceID:     "sensor-001",
		PM:           calibration.QuantityFit{LinearFit: calibration.LinearFit{Slope: 1.1, Intercept: 2, RMSE: 0.3, N: 10}},
		NSamples:     10,
		AvgDistanceM: 120,
		MaxDistanceM: 500,
		Persisted:    true,
	}

	rr := env.do(http.MethodPost, "/api/v1/calibrate/sensor-001?start=-1d&max_distance_m=500", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.runner.deviceID != "sensor-001" || env.runner.maxDist != 500 || !env.runner.window.Start.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected run arguments %+v", env.runner)
	}

	body := decode(t, rr)
	params := body["params"].(map[string]any)
	pm := params["pm"].(map[string]any)
	if pm["a"] != 1.1 || pm["b"] != 2.0 || params["co"] != nil {
		t.Fatalf("unexpected params %v", params)
	}
	meta := body["meta"].(map[string]any)
	if meta["n_samples"] != 10.0 || meta["avg_distance_m"] != 120.0 {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestCalibrateDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = apperr.New(apperr.KindNoData, "sensor-001", "nothing")

	env.do(http.MethodPost, "/api/v1/calibrate/sensor-001", "")
	if env.runner.maxDist != calibration.DefaultMaxDistanceM || !env.runner.window.Start.Equal(now.Add(-7*24*time.Hour)) {
		t.Fatalf("expected default window and distance, got %+v", env.runner)
	}
}

func TestCalibrateErrors(t *testing.T) {
	cases := []struct {
		name   string
		target string
		err    error
		status int
		reason string
	}{
		{"bad start", "/api/v1/calibrate/sensor-001?start=yesterday", nil, http.StatusBadRequest, "invalid_request"},
		{"bad distance", "/api/v1/calibrate/sensor-001?max_distance_m=far", nil, http.StatusBadRequest, "invalid_request"},
		{"no spatial match", "/api/v1/calibrate/sensor-001", apperr.New(apperr.KindNoSpatialMatch, "sensor-001", "x"), http.StatusUnprocessableEntity, "no_spatial_match"},
		{"degenerate", "/api/v1/calibrate/sensor-001", apperr.New(apperr.KindDegenerateFit, "sensor-001", "x"), http.StatusUnprocessableEntity, "degenerate_fit"},
		{"store down", "/api/v1/calibrate/sensor-001", apperr.New(apperr.KindUpstreamUnavailable, "", "x"), http.StatusServiceUnavailable, "upstream_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.runner.err = tc.err

			rr := env.do(http.MethodPost, tc.target, "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decode(t, rr)
			if body["status"] != "error" || body["reason"] != tc.reason {
				t.Fatalf("unexpected error body %v", body)
			}
			wantRetry := ""
			if tc.status == http.StatusServiceUnavailable {
				wantRetry = "30"
			}
			if got := rr.Header().Get("Retry-After"); got != wantRetry {
				t.Fatalf("Retry-After = %q, want %q", got, wantRetry)
			}
		})
	}
}

func TestCalibrateNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.runner.res = &calibration.Result{RunID: "run-1", DeviceID: "sensor-001"}
	env.runner.err = apperr.New(apperr.KindPersistence, "sensor-001", "write failed")

	rr := env.do(http.MethodPost, "/api/v1/calibrate/sensor-001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected computed result to be returned, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["meta"].(map[string]any)["persisted"] != false || !strings.Contains(body["message"].(string), "not stored") {
		t.Fatalf("expected unpersisted marker, got %v", body)
	}
}

func TestReadingsAddsCalibratedPM(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.SaveRawReading(ctx, &models.Reading{DeviceID: "sensor-001", Time: now.Add(-10 * time.Minute), PMRaw: 10})
	env.store.SaveRawReading(ctx, &models.Reading{DeviceID: "sensor-002", Time: now.Add(-5 * time.Minute), PMRaw: 10})
	env.store.SaveRawReading(ctx, &models.Reading{DeviceID: "sensor-001", Time: now.Add(-2 * time.Hour), PMRaw: 10})
	env.store.WriteCalibration(ctx, models.CalibrationModel{RunID: "r", DeviceID: "sensor-001", Quantity: models.QuantityPM, Slope: 2, Intercept: 1, FittedAt: now})

	rr := env.do(http.MethodGet, "/api/v1/readings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	data := decode(t, rr)["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("expected 2 rows in the last hour, got %d", len(data))
	}
	first := data[0].(map[string]any)
	second := data[1].(map[string]any)
	if first["pm_calibrated"] != 21.0 {
		t.Fatalf("expected calibrated pm 21, got %v", first)
	}
	if _, ok := second["pm_calibrated"]; ok {
		t.Fatalf("uncalibrated device should not carry pm_calibrated: %v", second)
	}

	rr = env.do(http.MethodGet, "/api/v1/readings?measurement=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown measurement, got %d", rr.Code)
	}
	rr = env.do(http.MethodGet, "/api/v1/readings?measurement=reference_readings&start=-1h", "")
	if rr.Code != http.StatusOK || len(decode(t, rr)["data"].([]any)) != 0 {
		t.Fatalf("expected empty reference listing")
	}
}

func TestLatestCalibration(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/v1/calibrations/sensor-001", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	env.store.WriteCalibration(context.Background(), models.CalibrationModel{RunID: "r", DeviceID: "sensor-001", Quantity: models.QuantityPM, Slope: 2, FittedAt: now})
	rr = env.do(http.MethodGet, "/api/v1/calibrations/sensor-001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReferenceRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.ref.obs = &aqicn.Observation{Status: "ok", PM25: models.Float(40)}

	rr := env.do(http.MethodGet, "/api/v1/aqicn/sleman", "")
	if rr.Code != http.StatusOK || env.ref.station != aqicn.SlemanStationID {
		t.Fatalf("expected sleman station lookup, got %d station=%d", rr.Code, env.ref.station)
	}
	rr = env.do(http.MethodGet, "/api/v1/aqicn/station/42", "")
	if rr.Code != http.StatusOK || env.ref.station != 42 {
		t.Fatalf("expected station 42, got %d station=%d", rr.Code, env.ref.station)
	}
	rr = env.do(http.MethodGet, "/api/v1/aqicn?lat=-7.7&lon=110.3", "")
	if rr.Code != http.StatusOK || decode(t, rr)["pm25"] != 40.0 {
		t.Fatalf("unexpected geo lookup response %d", rr.Code)
	}
	rr = env.do(http.MethodGet, "/api/v1/aqicn?lat=north", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad lat, got %d", rr.Code)
	}

	env.ref.err = apperr.New(apperr.KindUpstreamBadResponse, "", "Invalid key")
	rr = env.do(http.MethodGet, "/api/v1/aqicn/sleman", "")
	if rr.Code != http.StatusBadGateway || rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected 502 with Retry-After, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestForecast(t *testing.T) {
	env := newTestEnv(t)
	env.forecast.f = &models.Forecast{ID: "f-1", DeviceID: "sensor-001", Values: []float64{1, 2}}

	rr := env.do(http.MethodGet, "/api/v1/forecast/sensor-001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	env.forecast.err = apperr.New(apperr.KindInsufficientSeries, "sensor-001", "3 values, need 32")
	rr = env.do(http.MethodGet, "/api/v1/forecast/sensor-001", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS header")
	}

	rr = env.do(http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), `http_requests_total{route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request in metrics")
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindNoData:              http.StatusUnprocessableEntity,
		apperr.KindInsufficientSeries:  http.StatusUnprocessableEntity,
		apperr.KindUpstreamUnavailable: http.StatusServiceUnavailable,
		apperr.KindUpstreamBadResponse: http.StatusBadGateway,
		apperr.KindPersistence:         http.StatusInternalServerError,
		"":                             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusForKind(kind); got != want {
			t.Errorf("StatusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}
