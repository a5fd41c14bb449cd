package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"aqi-calibration/internal/apperr"
	"aqi-calibration/internal/aqicn"
	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/database"
	"aqi-calibration/internal/metrics"
	"aqi-calibration/internal/models"
)

type ingester interface {
	Ingest(ctx context.Context, r *models.Reading, source string) error
}

type calibrationRunner interface {
	Run(ctx context.Context, deviceID string, window models.TimeWindow, maxDistanceM float64) (*calibration.Result, error)
}

type referenceClient interface {
	FetchGeo(ctx context.Context, lat, lon float64) (*aqicn.Observation, error)
	FetchStation(ctx context.Context, stationID int) (*aqicn.Observation, error)
}

type forecaster interface {
	Forecast(ctx context.Context, deviceID string, window models.TimeWindow) (*models.Forecast, error)
}

// Handlers serves the HTTP API. Forecaster may be nil when no model is
// configured.
type Handlers struct {
	Log         *zap.SugaredLogger
	Store       database.Store
	Ingester    ingester
	Calibration calibrationRunner
	Reference   referenceClient
	Forecaster  forecaster
	Metrics     *metrics.Metrics
	Now         func() time.Time

	MaxDistanceM float64
}

const (
	defaultCalibrationStart = "-7d"
	defaultReadingsStart    = "-1h"
	defaultForecastStart    = "-6h"

	// seconds a client should wait after a store or reference failure
	upstreamRetryAfter = "30"
)

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ingest stores one raw reading and pairs it with a reference when possible
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var reading models.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}
	if err := reading.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.Ingester.Ingest(r.Context(), &reading, "http"); err != nil {
		h.Log.Errorf("API: ingest for %s failed: %v", reading.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "ingest successful"})
}

// ReferenceByGeo returns the reference observation nearest lat/lon
func (h *Handlers) ReferenceByGeo(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "lat must be a number")
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "lon must be a number")
		return
	}

	obs, err := h.Reference.FetchGeo(r.Context(), lat, lon)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// ReferenceByStation returns a reference station's observation
func (h *Handlers) ReferenceByStation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "station id must be an integer")
		return
	}
	h.writeStation(w, r, id)
}

func (h *Handlers) ReferenceSleman(w http.ResponseWriter, r *http.Request) {
	h.writeStation(w, r, aqicn.SlemanStationID)
}

func (h *Handlers) writeStation(w http.ResponseWriter, r *http.Request, id int) {
	obs, err := h.Reference.FetchStation(r.Context(), id)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

type fitParams struct {
	A    float64 `json:"a"`
	B    float64 `json:"b"`
	RMSE float64 `json:"rmse"`
}

type calibrationResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	RunID    string `json:"run_id"`
	DeviceID string `json:"device_id"`
	Params   struct {
		PM fitParams  `json:"pm"`
		CO *fitParams `json:"co"`
	} `json:"params"`
	Meta struct {
		NSamples     int               `json:"n_samples"`
		AvgDistanceM float64           `json:"avg_distance_m"`
		MaxDistanceM float64           `json:"max_distance_m"`
		Window       models.TimeWindow `json:"window"`
		FittedAt     time.Time         `json:"fitted_at"`
		Persisted    bool              `json:"persisted"`
	} `json:"meta"`
}

// Calibrate runs a calibration for the device
func (h *Handlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	q := r.URL.Query()

	start := q.Get("start")
	if start == "" {
		start = defaultCalibrationStart
	}
	window, err := models.ParseWindow(start, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	maxDistance := h.MaxDistanceM
	if maxDistance <= 0 {
		maxDistance = calibration.DefaultMaxDistanceM
	}
	if s := q.Get("max_distance_m"); s != "" {
		maxDistance, err = strconv.ParseFloat(s, 64)
		if err != nil || maxDistance < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "max_distance_m must be a non-negative number")
			return
		}
	}

	res, err := h.Calibration.Run(r.Context(), deviceID, window, maxDistance)
	if res == nil {
		h.writeKindError(w, err)
		return
	}

	var out calibrationResponse
	out.Status = "ok"
	out.Message = "calibration successful"
	if err != nil {
		out.Message = "calibration computed but not stored: " + err.Error()
	}
	out.RunID = res.RunID
	out.DeviceID = res.DeviceID
	out.Params.PM = fitParams{A: res.PM.Slope, B: res.PM.Intercept, RMSE: res.PM.RMSE}
	if res.CO != nil {
		out.Params.CO = &fitParams{A: res.CO.Slope, B: res.CO.Intercept, RMSE: res.CO.RMSE}
	}
	out.Meta.NSamples = res.NSamples
	out.Meta.AvgDistanceM = res.AvgDistanceM
	out.Meta.MaxDistanceM = res.MaxDistanceM
	out.Meta.Window = res.Window
	out.Meta.FittedAt = res.FittedAt
	out.Meta.Persisted = res.Persisted
	writeJSON(w, http.StatusOK, out)
}

// LatestCalibration returns the device's most recent calibration records
func (h *Handlers) LatestCalibration(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	records, err := h.Store.LatestCalibration(r.Context(), deviceID)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no calibration for device "+deviceID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": records})
}

// Readings lists a measurement's records; raw readings of calibrated
// devices carry pm_calibrated
func (h *Handlers) Readings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	measurement := q.Get("measurement")
	if measurement == "" {
		measurement = models.MeasurementRaw
	}
	if measurement != models.MeasurementRaw && measurement != models.MeasurementReference {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown measurement "+measurement)
		return
	}
	start := q.Get("start")
	if start == "" {
		start = defaultReadingsStart
	}
	window, err := models.ParseWindow(start, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rows, err := database.QueryRows(r.Context(), h.Store, measurement, window)
	if err != nil {
		h.writeKindError(w, err)
		return
	}

	if measurement == models.MeasurementRaw {
		h.applyCalibration(r.Context(), rows)
	}
	if rows == nil {
		rows = []database.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": rows})
}

func (h *Handlers) applyCalibration(ctx context.Context, rows []database.Row) {
	fits := make(map[string]*models.CalibrationModel)
	for _, row := range rows {
		deviceID, _ := row["device_id"].(string)
		fit, seen := fits[deviceID]
		if !seen {
			records, err := h.Store.LatestCalibration(ctx, deviceID)
			if err != nil {
				h.Log.Warnf("API: loading calibration for %s: %v", deviceID, err)
			}
			for i := range records {
				if records[i].Quantity == models.QuantityPM {
					fit = &records[i]
				}
			}
			fits[deviceID] = fit
		}
		if fit == nil {
			continue
		}
		if pm, ok := row["pm_raw"].(float64); ok {
			row["pm_calibrated"] = fit.Apply(pm)
		}
	}
}

// Forecast predicts the device's next PM values
func (h *Handlers) Forecast(w http.ResponseWriter, r *http.Request) {
	if h.Forecaster == nil {
		writeError(w, http.StatusServiceUnavailable, "forecast_disabled", "no forecast model configured")
		return
	}
	deviceID := mux.Vars(r)["device_id"]
	start := r.URL.Query().Get("start")
	if start == "" {
		start = defaultForecastStart
	}
	window, err := models.ParseWindow(start, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	f, err := h.Forecaster.Forecast(r.Context(), deviceID, window)
	if err != nil {
		h.Metrics.Forecast(kindLabel(err))
		h.writeKindError(w, err)
		return
	}
	h.Metrics.Forecast("ok")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": f})
}

// Devices lists the device registry
func (h *Handlers) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Store.ListDevices(r.Context())
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "data": devices})
}

// StatusForKind maps a failure kind to its HTTP status
func StatusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNoData, apperr.KindNoDeviceData, apperr.KindNoTemporalMatch,
		apperr.KindNoSpatialMatch, apperr.KindInsufficientData, apperr.KindDegenerateFit,
		apperr.KindInsufficientSeries:
		return http.StatusUnprocessableEntity
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstreamBadResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindLabel(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func (h *Handlers) writeKindError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("no result")
	}
	kind := apperr.KindOf(err)
	status := StatusForKind(kind)
	switch {
	case apperr.IsUpstream(err):
		h.Log.Warnf("API: upstream failure: %v", err)
		w.Header().Set("Retry-After", upstreamRetryAfter)
	case status == http.StatusInternalServerError:
		h.Log.Errorf("API: %v", err)
	}
	writeError(w, status, kindLabel(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"reason":  reason,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
