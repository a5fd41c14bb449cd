// Package events publishes calibration records to Kafka for downstream
// consumers (dashboards, other calibration-aware services).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"aqi-calibration/internal/calibration"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CalibrationEvent is the payload of one calibration record on the topic
type CalibrationEvent struct {
	RunID        string    `json:"run_id"`
	DeviceID     string    `json:"device_id"`
	Quantity     string    `json:"quantity"`
	Slope        float64   `json:"a"`
	Intercept    float64   `json:"b"`
	RMSE         float64   `json:"rmse"`
	NSamples     int       `json:"n_samples"`
	AvgDistanceM float64   `json:"avg_distance_m"`
	FittedAt     time.Time `json:"fitted_at"`
}

// KafkaPublisher writes one message per calibration record, keyed by device
// so a device's records stay ordered within a partition
type KafkaPublisher struct {
	w      messageWriter
	topic  string
	logger *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KafkaPublisher{w: w, topic: topic, logger: logger}
}

// PublishCalibration sends the run's records
func (p *KafkaPublisher) PublishCalibration(ctx context.Context, res *calibration.Result) error {
	records := res.Models()
	msgs := make([]kafka.Message, 0, len(records))
	for _, m := range records {
		b, err := json.Marshal(CalibrationEvent{
			RunID:        m.RunID,
			DeviceID:     m.DeviceID,
			Quantity:     string(m.Quantity),
			Slope:        m.Slope,
			Intercept:    m.Intercept,
			RMSE:         m.RMSE,
			NSamples:     m.NSamples,
			AvgDistanceM: m.AvgDistanceM,
			FittedAt:     m.FittedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal calibration event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(m.DeviceID), Value: b, Time: m.FittedAt})
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish calibration to kafka topic %s: %w", p.topic, err)
	}
	p.logger.Infof("Published %d calibration records for device %s to kafka topic %s", len(msgs), res.DeviceID, p.topic)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
