package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"aqi-calibration/internal/models"
)

// Subscriber handles MQTT subscriptions and writes readings to a channel
type Subscriber struct {
	client mqtt.Client
	logger *zap.SugaredLogger

	// Output channel (written by subscriber, read by the ingest service)
	ReadingChan chan *models.Reading

	readingsTopic string
	sendTimeout   time.Duration
	now           func() time.Time
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	ReadingsTopic string // e.g., "sensor/+/reading"
}

// NewSubscriber creates a new MQTT subscriber writing to readingChan
func NewSubscriber(
	client mqtt.Client,
	config SubscriberConfig,
	readingChan chan *models.Reading,
	logger *zap.SugaredLogger,
) *Subscriber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Subscriber{
		client:        client,
		logger:        logger,
		ReadingChan:   readingChan,
		readingsTopic: config.ReadingsTopic,
		sendTimeout:   time.Second,
		now:           time.Now,
	}
}

// SubscribeAll subscribes to the configured sensor topics
func (s *Subscriber) SubscribeAll() error {
	if s.readingsTopic == "" {
		return nil
	}
	token := s.client.Subscribe(s.readingsTopic, 1, s.handleReading)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to readings topic: %w", token.Error())
	}
	s.logger.Infof("Subscribed to readings topic: %s", s.readingsTopic)
	return nil
}

// handleReading parses a reading message and writes it to the channel
func (s *Subscriber) handleReading(_ mqtt.Client, msg mqtt.Message) {
	reading, err := ParseReading(msg.Topic(), msg.Payload(), s.now())
	if err != nil {
		s.logger.Warnf("Error parsing reading from %s: %v", msg.Topic(), err)
		return
	}

	s.logger.Debugf("Received reading from %s: pm=%.2f co2=%.2f", reading.DeviceID, reading.PMRaw, reading.CO2Raw)

	// Write to channel (non-blocking with timeout)
	select {
	case s.ReadingChan <- reading:
	case <-time.After(s.sendTimeout):
		s.logger.Warnf("Reading channel full, dropping message from %s", reading.DeviceID)
	}
}

// ParseReading decodes a JSON reading published on sensor/{device_id}/...
// The topic's device id fills a missing device_id, and a missing timestamp
// is stamped server-side with now.
func ParseReading(topic string, payload []byte, now time.Time) (*models.Reading, error) {
	var r models.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("invalid reading payload: %w", err)
	}

	topicDevice := extractDeviceID(topic)
	if r.DeviceID == "" {
		r.DeviceID = topicDevice
	} else if topicDevice != "" && topicDevice != r.DeviceID {
		return nil, fmt.Errorf("device_id %q does not match topic %s", r.DeviceID, topic)
	}
	if r.Time.IsZero() {
		r.Time = now
	}
	r.Time = r.Time.UTC()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// extractDeviceID extracts device ID from topic pattern: sensor/{device_id}/...
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
