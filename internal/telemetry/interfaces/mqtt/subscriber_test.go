package mqtt

import (
	"context"
	"sync"
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"

	telemetryapp "water-cloud/internal/telemetry/application"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingIngestor struct {
	mu       sync.Mutex
	requests []telemetryapp.Request
}

func (r *recordingIngestor) Ingest(_ context.Context, transport string, req telemetryapp.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if transport != "mqtt" {
		panic("unexpected transport " + transport)
	}
	r.requests = append(r.requests, req)
	return nil
}

func newTestSubscriber(t *testing.T) (*Subscriber, *recordingIngestor) {
	t.Helper()
	ingestor := &recordingIngestor{}
	sub, err := NewSubscriber(paho.NewClient(paho.NewClientOptions()), "", ingestor, nil)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	return sub, ingestor
}

func TestDeviceUIDFromTopic(t *testing.T) {
	cases := map[string]string{
		"devices/meter-7/telemetry": "meter-7",
		"devices/meter-7/commands":  "",
		"devices/telemetry":         "",
		"other/meter-7/telemetry":   "",
	}
	for topic, want := range cases {
		if got := deviceUIDFromTopic(topic); got != want {
			t.Fatalf("%s: expected %q, got %q", topic, want, got)
		}
	}
}

func TestHandleFillsUIDFromTopic(t *testing.T) {
	sub, ingestor := newTestSubscriber(t)
	if sub.topic != DefaultTopic {
		t.Fatalf("expected default topic, got %s", sub.topic)
	}
	sub.handle(nil, fakeMessage{
		topic:   "devices/meter-7/telemetry",
		payload: []byte(`{"apiKey":"key-7","timestamp":"2026-03-01T12:00:00Z","batteryPct":9}`),
	})
	if len(ingestor.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(ingestor.requests))
	}
	req := ingestor.requests[0]
	if req.DeviceUID != "meter-7" || req.BatteryPct == nil || *req.BatteryPct != 9 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestHandleDropsMismatchAndGarbage(t *testing.T) {
	sub, ingestor := newTestSubscriber(t)
	sub.handle(nil, fakeMessage{topic: "devices/meter-7/telemetry", payload: []byte(`{"deviceUid":"meter-8","apiKey":"k"}`)})
	sub.handle(nil, fakeMessage{topic: "devices/meter-7/telemetry", payload: []byte(`not json`)})
	sub.handle(nil, fakeMessage{topic: "devices/meter-7", payload: []byte(`{}`)})
	if len(ingestor.requests) != 0 {
		t.Fatalf("expected all messages dropped, got %d", len(ingestor.requests))
	}
}

func TestNewSubscriberRejectsNil(t *testing.T) {
	if _, err := NewSubscriber(nil, "", &recordingIngestor{}, nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewSubscriber(paho.NewClient(paho.NewClientOptions()), "", nil, nil); err == nil {
		t.Fatalf("expected error for nil ingestor")
	}
	if _, err := Connect(ClientConfig{}, nil); err == nil {
		t.Fatalf("expected error for empty broker")
	}
}
