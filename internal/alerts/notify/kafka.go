package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	alertsapp "water-cloud/internal/alerts/application"
)

const kafkaWriteTimeout = 10 * time.Second

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alert events as JSON, keyed by device id so that events of one
// device stay ordered on a single partition.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaWriter builds a synchronous, hash-balanced writer for the comma separated brokers.
func NewKafkaWriter(brokers, topic string) (*kafka.Writer, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, errors.New("kafka publisher: empty brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: empty topic")
	}
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           kafkaWriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaPublisher wraps a writer.
func NewKafkaPublisher(writer MessageWriter, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: nil writer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}, nil
}

// Notify implements alertsapp.AlertNotifier. Failures are logged.
func (p *KafkaPublisher) Notify(ctx context.Context, event alertsapp.AlertEvent) {
	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn("alert event publish failed",
			zap.String("topic", p.topic),
			zap.Int64("alert_id", event.Alert.ID),
			zap.Error(err),
		)
	}
}

// Publish writes one event and waits for the leader ack.
func (p *KafkaPublisher) Publish(ctx context.Context, event alertsapp.AlertEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher: nil writer")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ts := event.Alert.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.Alert.DeviceID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "alert_type", Value: []byte(event.Alert.Type)},
		},
		Time: ts,
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
