package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	devices "water-cloud/internal/devices/domain"
	devicesmemory "water-cloud/internal/devices/infrastructure/memory"
	"water-cloud/internal/errs"
	telemetry "water-cloud/internal/telemetry/domain"
	telemetrymemory "water-cloud/internal/telemetry/infrastructure/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type recordingChecker struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	devices  []devices.Device
	err      error
}

func (c *recordingChecker) CheckReading(_ context.Context, device devices.Device, reading telemetry.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, device)
	c.readings = append(c.readings, reading)
	return c.err
}

func newTestIngestor(t *testing.T, checker ReadingChecker) (*Ingestor, *devicesmemory.DeviceRepository, *telemetrymemory.ReadingRepository, time.Time) {
	t.Helper()
	deviceRepo := devicesmemory.NewDeviceRepository()
	owner := int64(11)
	deviceRepo.Put(devices.Device{ID: 7, UID: "meter-7", OwnerID: &owner, APIKey: "key-7", Status: devices.StatusInactive})
	readings := telemetrymemory.NewReadingRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ingestor, err := NewIngestor(readings, deviceRepo, checker, WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ingestor, deviceRepo, readings, now
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func TestIngestPersistsAndActivates(t *testing.T) {
	checker := &recordingChecker{}
	ingestor, deviceRepo, readings, now := newTestIngestor(t, checker)

	reading, err := ingestor.Ingest(context.Background(), "http", Request{
		DeviceUID:   "meter-7",
		APIKey:      "key-7",
		Timestamp:   "2026-03-01T11:59:00",
		FlowRateLPM: floatPtr(3.2),
		VolumeDelta: floatPtr(1.5),
		ValveState:  "open",
		BatteryPct:  intPtr(80),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if reading.ID == 0 || readings.Len() != 1 {
		t.Fatalf("expected persisted reading")
	}
	if !reading.TS.Equal(time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ts %s", reading.TS)
	}
	if reading.ValveState == nil || *reading.ValveState != telemetry.ValveOpen {
		t.Fatalf("expected valve state OPEN")
	}

	device, _ := deviceRepo.GetByID(context.Background(), 7)
	if device.Status != devices.StatusActive {
		t.Fatalf("expected INACTIVE device activated, got %s", device.Status)
	}
	if device.LastSeenAt == nil || !device.LastSeenAt.Equal(now) {
		t.Fatalf("expected last seen at server time, got %v", device.LastSeenAt)
	}
	if len(checker.readings) != 1 || checker.devices[0].Status != devices.StatusActive {
		t.Fatalf("expected rule check with refreshed device")
	}
}

func TestIngestRejectsBadCredentials(t *testing.T) {
	ingestor, _, readings, _ := newTestIngestor(t, nil)
	for _, req := range []Request{
		{DeviceUID: "meter-7", APIKey: "wrong", Timestamp: "2026-03-01T12:00:00Z"},
		{DeviceUID: "meter-404", APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z"},
	} {
		if _, err := ingestor.Ingest(context.Background(), "http", req); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("expected unauthorized for %s, got %v", req.DeviceUID, err)
		}
	}
	if readings.Len() != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestIngestValidation(t *testing.T) {
	ingestor, _, _, _ := newTestIngestor(t, nil)
	cases := []Request{
		{APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z"},
		{DeviceUID: "meter-7", APIKey: "key-7"},
		{DeviceUID: "meter-7", APIKey: "key-7", Timestamp: "yesterday"},
		{DeviceUID: "meter-7", APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z", BatteryPct: intPtr(140)},
		{DeviceUID: "meter-7", APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z", FlowRateLPM: floatPtr(-1)},
	}
	for i, req := range cases {
		if _, err := ingestor.Ingest(context.Background(), "http", req); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestIngestKeepsReadingWhenRuleCheckFails(t *testing.T) {
	checker := &recordingChecker{err: errors.New("alerts down")}
	ingestor, _, readings, _ := newTestIngestor(t, checker)
	_, err := ingestor.Ingest(context.Background(), "mqtt", Request{DeviceUID: "meter-7", APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z"})
	if err != nil {
		t.Fatalf("expected ingest success, got %v", err)
	}
	if readings.Len() != 1 {
		t.Fatalf("expected reading persisted")
	}
}

func TestUnknownValveStateIgnored(t *testing.T) {
	ingestor, _, _, _ := newTestIngestor(t, nil)
	reading, err := ingestor.Ingest(context.Background(), "http", Request{DeviceUID: "meter-7", APIKey: "key-7", Timestamp: "2026-03-01T12:00:00Z", ValveState: "HALF"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if reading.ValveState != nil {
		t.Fatalf("expected nil valve state for unknown value")
	}
}
