package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aqi-calibration/internal/models"
	"aqi-calibration/internal/mqtt"
)

// Sleman, Yogyakarta
const (
	simLat = -7.7956
	simLon = 110.3695
)

var (
	simDeviceID  string
	simInterval  time.Duration
	simCount     int
	simTransport string
	simTopic     string
	simAPIURL    string
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish random-walk readings as a sensor would",
	Long: `Start from random PM, CO2, temperature and humidity values and publish a
drifting reading every interval, over MQTT or the HTTP ingest endpoint.

Examples:
  aqictl simulate
  aqictl simulate --device sensor-002 --interval 1s --count 60
  aqictl simulate --transport http --api-url http://127.0.0.1:8000/api/v1/ingest`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

// readingSink delivers one simulated reading
type readingSink interface {
	PublishReading(ctx context.Context, r *models.Reading) error
}

// walk holds the drifting sensor state
type walk struct {
	rng  *rand.Rand
	pm   float64
	co2  float64
	temp float64
	hum  float64
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func newWalk(rng *rand.Rand) *walk {
	return &walk{
		rng:  rng,
		pm:   uniform(rng, 5, 50),
		co2:  uniform(rng, 350, 600),
		temp: uniform(rng, 25, 30),
		hum:  uniform(rng, 50, 80),
	}
}

// step drifts every value and returns the reading for t
func (w *walk) step(deviceID string, t time.Time) *models.Reading {
	w.pm = math.Max(0, w.pm+uniform(w.rng, -1, 1))
	w.co2 = math.Max(300, w.co2+uniform(w.rng, -5, 5))
	w.temp = math.Max(20, w.temp+uniform(w.rng, -0.5, 0.5))
	w.hum = math.Max(0, math.Min(100, w.hum+uniform(w.rng, -1, 1)))

	return &models.Reading{
		DeviceID: deviceID,
		Time:     t.UTC(),
		Lat:      simLat,
		Lon:      simLon,
		PMRaw:    round2(w.pm),
		CO2Raw:   round2(w.co2),
		Temp:     models.Float(round2(w.temp)),
		Hum:      models.Float(round2(w.hum)),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// httpSink posts readings to the ingest endpoint
type httpSink struct {
	url    string
	client *http.Client
}

func (s *httpSink) PublishReading(ctx context.Context, r *models.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ingest returned %s", resp.Status)
	}
	return nil
}

// simulate publishes count readings (forever when count <= 0), one per tick
func simulate(ctx context.Context, sink readingSink, w *walk, deviceID string, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		r := w.step(deviceID, nowFunc())
		if err := sink.PublishReading(ctx, r); err != nil {
			logger.Warnf("Simulator: failed to send reading: %v", err)
		} else {
			logger.Infof("Simulator: sent pm=%.2f co2=%.1f temp=%.1f hum=%.1f", r.PMRaw, r.CO2Raw, *r.Temp, *r.Hum)
		}
		sent++
		if count > 0 && sent >= count {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink readingSink
	switch simTransport {
	case "mqtt":
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-sim-" + simDeviceID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		sink = mqtt.NewPublisher(client.GetNativeClient(), mqtt.PublisherConfig{ReadingTopic: simTopic}, logger)
	case "http":
		sink = &httpSink{url: simAPIURL, client: &http.Client{Timeout: 5 * time.Second}}
	default:
		return fmt.Errorf("unknown transport %q (mqtt or http)", simTransport)
	}

	logger.Infof("Simulator: starting sensor %s over %s every %s", simDeviceID, simTransport, simInterval)
	err := simulate(ctx, sink, newWalk(rand.New(rand.NewSource(time.Now().UnixNano()))), simDeviceID, simInterval, simCount)
	logger.Info("Simulator: stopped")
	return err
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simDeviceID, "device", "sensor-001", "Device id to report as")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 5*time.Second, "Time between readings")
	simulateCmd.Flags().IntVar(&simCount, "count", 0, "Readings to send, 0 for no limit")
	simulateCmd.Flags().StringVar(&simTransport, "transport", "mqtt", "mqtt or http")
	simulateCmd.Flags().StringVar(&simTopic, "topic", "sensor/{device_id}/reading", "MQTT topic pattern")
	simulateCmd.Flags().StringVar(&simAPIURL, "api-url", "http://127.0.0.1:8000/api/v1/ingest", "Ingest endpoint for --transport http")
}
