package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"aqi-calibration/internal/calibration"
	"aqi-calibration/internal/models"
)

// Publisher publishes calibration results and sensor readings
type Publisher struct {
	client mqtt.Client
	logger *zap.SugaredLogger

	calibrationTopic string // e.g., "calibration/{device_id}"
	readingTopic     string // e.g., "sensor/{device_id}/reading"
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	CalibrationTopic string
	ReadingTopic     string
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client mqtt.Client, config PublisherConfig, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		client:           client,
		logger:           logger,
		calibrationTopic: config.CalibrationTopic,
		readingTopic:     config.ReadingTopic,
	}
}

// PublishCalibration publishes a calibration result to the device's topic,
// retained so late subscribers get the current calibration
func (p *Publisher) PublishCalibration(ctx context.Context, res *calibration.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration result: %w", err)
	}

	topic := formatTopic(p.calibrationTopic, res.DeviceID)
	if err := p.publish(ctx, topic, true, payload); err != nil {
		return fmt.Errorf("failed to publish calibration result: %w", err)
	}

	p.logger.Infof("Published calibration %s for device %s to topic: %s", res.RunID, res.DeviceID, topic)
	return nil
}

// PublishReading publishes a raw reading as a sensor would
func (p *Publisher) PublishReading(ctx context.Context, r *models.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	topic := formatTopic(p.readingTopic, r.DeviceID)
	if err := p.publish(ctx, topic, false, payload); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
