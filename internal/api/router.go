// Package api exposes ingestion, reference lookups, calibration, readings
// and forecasts over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func NewRouter(h *Handlers) http.Handler {
	if h.Log == nil {
		h.Log = zap.NewNop().Sugar()
	}

	r := mux.NewRouter()
	route := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, h.Metrics.WrapHandler(path, fn)).Methods(methods...)
	}

	route("/healthz", h.Health, http.MethodGet)
	route("/api/v1/ingest", h.Ingest, http.MethodPost)
	route("/api/v1/aqicn", h.ReferenceByGeo, http.MethodGet)
	route("/api/v1/aqicn/sleman", h.ReferenceSleman, http.MethodGet)
	route("/api/v1/aqicn/station/{id}", h.ReferenceByStation, http.MethodGet)
	route("/api/v1/calibrate/{device_id}", h.Calibrate, http.MethodPost)
	route("/api/v1/calibrations/{device_id}", h.LatestCalibration, http.MethodGet)
	route("/api/v1/readings", h.Readings, http.MethodGet)
	route("/api/v1/forecast/{device_id}", h.Forecast, http.MethodGet)
	route("/api/v1/devices", h.Devices, http.MethodGet)
	r.Handle("/metrics", h.Metrics.Handler()).Methods(http.MethodGet)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}
