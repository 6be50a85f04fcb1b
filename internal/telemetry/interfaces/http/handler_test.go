package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	devices "water-cloud/internal/devices/domain"
	devicesmemory "water-cloud/internal/devices/infrastructure/memory"
	telemetryapp "water-cloud/internal/telemetry/application"
	telemetrymemory "water-cloud/internal/telemetry/infrastructure/memory"
)

func newTestMux(t *testing.T) (*http.ServeMux, *telemetrymemory.ReadingRepository) {
	t.Helper()
	deviceRepo := devicesmemory.NewDeviceRepository()
	deviceRepo.Put(devices.Device{ID: 7, UID: "meter-7", APIKey: "key-7", Status: devices.StatusActive})
	readings := telemetrymemory.NewReadingRepository()
	ingestor, err := telemetryapp.NewIngestor(readings, deviceRepo, nil)
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	handler, err := NewIngestHandler(ingestor, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux, readings
}

func TestIngestHandler(t *testing.T) {
	mux, readings := newTestMux(t)
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"accepted", `{"deviceUid":"meter-7","apiKey":"key-7","timestamp":"2026-03-01T12:00:00Z","flowRateLpm":2.5,"rawPayload":{"fw":"1.2"}}`, http.StatusCreated},
		{"bad key", `{"deviceUid":"meter-7","apiKey":"nope","timestamp":"2026-03-01T12:00:00Z"}`, http.StatusUnauthorized},
		{"missing timestamp", `{"deviceUid":"meter-7","apiKey":"key-7"}`, http.StatusBadRequest},
		{"broken json", `{"deviceUid":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/device/telemetry", strings.NewReader(tc.body))
			resp := httptest.NewRecorder()
			mux.ServeHTTP(resp, req)
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
	if readings.Len() != 1 {
		t.Fatalf("expected one stored reading, got %d", readings.Len())
	}
}
