// Package aqicn is a client for the World Air Quality Index (WAQI / AQICN)
// feed API, the reference network used to calibrate low-cost sensors.
package aqicn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"aqi-calibration/internal/apperr"
)

const (
	DefaultBaseURL = "https://api.waqi.info"
	DefaultTimeout = 10 * time.Second

	// SlemanStationID is the reference station nearest the deployment
	SlemanStationID = 13653

	timeLayout = "2006-01-02 15:04:05"
)

var jakartaOffset = 7 * time.Hour

// Location describes the reporting station
type Location struct {
	Name        string    `json:"name"`
	Coordinates []float64 `json:"coordinates"`
	StationURL  string    `json:"station_url,omitempty"`
}

// ObservationTime is the station's observation time in several renderings
type ObservationTime struct {
	Original string     `json:"original"`
	UTC      *time.Time `json:"utc"`
	Jakarta  string     `json:"jakarta,omitempty"`
}

// Observation is one station reading; pollutants the station does not
// report are nil
type Observation struct {
	Status   string          `json:"status"`
	AQI      *float64        `json:"aqi"`
	PM25     *float64        `json:"pm25"`
	CO       *float64        `json:"co"`
	NO2      *float64        `json:"no2"`
	O3       *float64        `json:"o3"`
	SO2      *float64        `json:"so2"`
	Location Location        `json:"location"`
	Time     ObservationTime `json:"time"`
}

// StationPosition returns the station's coordinates when reported
func (o *Observation) StationPosition() (lat, lon float64, ok bool) {
	if len(o.Location.Coordinates) < 2 {
		return 0, 0, false
	}
	return o.Location.Coordinates[0], o.Location.Coordinates[1], true
}

// Client fetches observations from the WAQI feed endpoints
type Client struct {
	base  string
	token string
	h     *http.Client
}

func New(base, token string, timeout time.Duration) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:  base,
		token: token,
		h:     &http.Client{Timeout: timeout},
	}
}

// FetchGeo returns the observation of the station nearest to lat/lon
func (c *Client) FetchGeo(ctx context.Context, lat, lon float64) (*Observation, error) {
	path := fmt.Sprintf("/feed/geo:%s;%s/", formatCoord(lat), formatCoord(lon))
	return c.fetch(ctx, path)
}

// FetchStation returns the observation of a station by its numeric id
func (c *Client) FetchStation(ctx context.Context, stationID int) (*Observation, error) {
	return c.fetch(ctx, fmt.Sprintf("/feed/@%d/", stationID))
}

type feedResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type pollutant struct {
	V *float64 `json:"v"`
}

type feedData struct {
	AQI  json.RawMessage      `json:"aqi"`
	IAQI map[string]pollutant `json:"iaqi"`
	City struct {
		Name string    `json:"name"`
		Geo  []float64 `json:"geo"`
		URL  string    `json:"url"`
	} `json:"city"`
	Time struct {
		S string `json:"s"`
	} `json:"time"`
}

func (c *Client) fetch(ctx context.Context, path string) (*Observation, error) {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("invalid aqicn url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.h.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "aqicn request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "", "aqicn %s returned %d: %s", path, resp.StatusCode, string(b))
	}

	var envelope feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "aqicn response not json")
	}
	if envelope.Status != "ok" {
		return nil, apperr.New(apperr.KindUpstreamBadResponse, "", "aqicn response not ok: %s", errorMessage(envelope.Data))
	}

	var d feedData
	if err := json.Unmarshal(envelope.Data, &d); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamBadResponse, err, "aqicn data malformed")
	}
	return toObservation(&d), nil
}

func toObservation(d *feedData) *Observation {
	obs := &Observation{
		Status: "ok",
		AQI:    parseLooseNumber(d.AQI),
		PM25:   d.IAQI["pm25"].V,
		CO:     d.IAQI["co"].V,
		NO2:    d.IAQI["no2"].V,
		O3:     d.IAQI["o3"].V,
		SO2:    d.IAQI["so2"].V,
		Location: Location{
			Name:        d.City.Name,
			Coordinates: d.City.Geo,
			StationURL:  d.City.URL,
		},
		Time: ObservationTime{Original: d.Time.S},
	}

	// The feed reports a naive timestamp, read as UTC
	if t, err := time.ParseInLocation(timeLayout, d.Time.S, time.UTC); err == nil {
		obs.Time.UTC = &t
		obs.Time.Jakarta = t.Add(jakartaOffset).Format(timeLayout)
	}
	return obs
}

// parseLooseNumber accepts a number or a numeric string; the feed uses "-"
// when the index is unavailable
func parseLooseNumber(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
	}
	return nil
}

func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	if len(raw) == 0 {
		return "unknown"
	}
	return string(raw)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
