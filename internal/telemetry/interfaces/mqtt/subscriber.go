package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	telemetryapp "water-cloud/internal/telemetry/application"
)

const DefaultTopic = "devices/+/telemetry"

// Ingestor stores a decoded telemetry request.
type Ingestor interface {
	Ingest(ctx context.Context, transport string, req telemetryapp.Request) error
}

// IngestFunc adapts a function to Ingestor.
type IngestFunc func(ctx context.Context, transport string, req telemetryapp.Request) error

func (f IngestFunc) Ingest(ctx context.Context, transport string, req telemetryapp.Request) error {
	return f(ctx, transport, req)
}

// Adapt wraps the telemetry ingestor for the subscriber.
func Adapt(ingestor *telemetryapp.Ingestor) Ingestor {
	return IngestFunc(func(ctx context.Context, transport string, req telemetryapp.Request) error {
		_, err := ingestor.Ingest(ctx, transport, req)
		return err
	})
}

// ClientConfig holds MQTT connection settings.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect opens an auto-reconnecting paho client.
func Connect(cfg ClientConfig, logger *zap.Logger) (paho.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: empty broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

// Subscriber feeds readings published on devices/{uid}/telemetry into the ingestor.
type Subscriber struct {
	client   paho.Client
	topic    string
	ingestor Ingestor
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSubscriber constructs a subscriber. An empty topic uses DefaultTopic.
func NewSubscriber(client paho.Client, topic string, ingestor Ingestor, logger *zap.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("mqtt subscriber: nil client")
	}
	if ingestor == nil {
		return nil, errors.New("mqtt subscriber: nil ingestor")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, topic: topic, ingestor: ingestor, timeout: 10 * time.Second, logger: logger}, nil
}

// Subscribe registers the message handler at QoS 1.
func (s *Subscriber) Subscribe() error {
	token := s.client.Subscribe(s.topic, 1, s.handle)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscriber: subscribe %s: %w", s.topic, token.Error())
	}
	s.logger.Info("mqtt subscribed", zap.String("topic", s.topic))
	return nil
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	if token := s.client.Unsubscribe(s.topic); token.WaitTimeout(2 * time.Second) {
		_ = token.Error()
	}
	s.client.Disconnect(250)
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	uid := deviceUIDFromTopic(msg.Topic())
	if uid == "" {
		s.logger.Debug("mqtt telemetry on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	var req telemetryapp.Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		s.logger.Warn("mqtt telemetry decode failed", zap.String("device_uid", uid), zap.Error(err))
		return
	}
	if req.DeviceUID == "" {
		req.DeviceUID = uid
	}
	if req.DeviceUID != uid {
		s.logger.Warn("mqtt telemetry uid mismatch", zap.String("topic_uid", uid), zap.String("payload_uid", req.DeviceUID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ingestor.Ingest(ctx, "mqtt", req); err != nil {
		s.logger.Warn("mqtt telemetry rejected", zap.String("device_uid", uid), zap.Error(err))
	}
}

// deviceUIDFromTopic extracts {uid} from devices/{uid}/telemetry.
func deviceUIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "telemetry" {
		return ""
	}
	return parts[1]
}
