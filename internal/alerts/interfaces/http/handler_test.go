package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	alertsapp "water-cloud/internal/alerts/application"
	alerts "water-cloud/internal/alerts/domain"
	alertsmemory "water-cloud/internal/alerts/infrastructure/memory"
	"water-cloud/internal/audit"
	"water-cloud/internal/auth"
	devicesmemory "water-cloud/internal/devices/infrastructure/memory"
	telemetrymemory "water-cloud/internal/telemetry/infrastructure/memory"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func newTestMux(t *testing.T) (*http.ServeMux, *alertsmemory.AlertRepository, *recordingAudit) {
	t.Helper()
	repo := alertsmemory.NewAlertRepository()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seed := []alerts.Alert{
		{DeviceID: 1, UserID: 11, Severity: alerts.SeverityCritical, Type: alerts.TypeLeakSuspected, Message: "leak", Timestamp: base},
		{DeviceID: 1, UserID: 11, Severity: alerts.SeverityWarning, Type: alerts.TypeLowBattery, Message: "battery", Timestamp: base.Add(time.Hour)},
		{DeviceID: 2, UserID: 12, Severity: alerts.SeverityWarning, Type: alerts.TypeDeviceOffline, Message: "offline", Timestamp: base},
	}
	for i := range seed {
		if err := repo.Create(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	engine, err := alertsapp.NewEngine(repo, devicesmemory.NewDeviceRepository(), telemetrymemory.NewReadingRepository())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	recorder := &recordingAudit{}
	handler, err := NewHandler(engine, recorder, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux, repo, recorder
}

func do(mux *http.ServeMux, method, target string, userID int64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if userID != 0 {
		req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{UserID: userID, Role: auth.RoleUser}))
	}
	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, req)
	return resp
}

func TestListAlertsNewestFirst(t *testing.T) {
	mux, _, _ := newTestMux(t)
	resp := do(mux, http.MethodGet, "/api/alerts", 11)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list []alerts.Alert
	if err := json.Unmarshal(resp.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].Type != alerts.TypeLowBattery {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	mux, repo, _ := newTestMux(t)
	first := repo.All()[0].ID

	resp := do(mux, http.MethodPut, "/api/alerts/"+itoa(first)+"/read", 12)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user's alert, got %d", resp.Code)
	}
	resp = do(mux, http.MethodPut, "/api/alerts/"+itoa(first)+"/read", 11)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = do(mux, http.MethodGet, "/api/alerts/unread-count", 11)
	var body map[string]int64
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"] != 1 {
		t.Fatalf("expected 1 unread, got %d", body["count"])
	}

	resp = do(mux, http.MethodGet, "/api/alerts?isRead=false", 11)
	var unread []alerts.Alert
	_ = json.Unmarshal(resp.Body.Bytes(), &unread)
	if len(unread) != 1 || unread[0].IsRead {
		t.Fatalf("unexpected unread list: %+v", unread)
	}
}

func TestMarkAllReadAudited(t *testing.T) {
	mux, _, recorder := newTestMux(t)
	resp := do(mux, http.MethodPut, "/api/alerts/read-all", 11)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]int
	_ = json.Unmarshal(resp.Body.Bytes(), &body)
	if body["updated"] != 2 {
		t.Fatalf("expected 2 updated, got %d", body["updated"])
	}
	if len(recorder.entries) != 1 || recorder.entries[0].Action != audit.ActionAlertsReadAll {
		t.Fatalf("expected audit entry, got %+v", recorder.entries)
	}

	resp = do(mux, http.MethodGet, "/api/alerts/unread-count", 12)
	var count map[string]int64
	_ = json.Unmarshal(resp.Body.Bytes(), &count)
	if count["count"] != 1 {
		t.Fatalf("expected other user untouched, got %d", count["count"])
	}
}

func TestAlertRoutesRequireActor(t *testing.T) {
	mux, _, _ := newTestMux(t)
	for _, target := range []string{"/api/alerts", "/api/alerts/unread-count", "/api/alerts/export.xlsx"} {
		if resp := do(mux, http.MethodGet, target, 0); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, resp.Code)
		}
	}
	if resp := do(mux, http.MethodGet, "/api/alerts?limit=x", 11); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.Code)
	}
}

func TestExportXLSX(t *testing.T) {
	mux, _, _ := newTestMux(t)
	resp := do(mux, http.MethodGet, "/api/alerts/export.xlsx", 11)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("unexpected content type %s", resp.Header().Get("Content-Type"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(alertsSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][3] != "Type" || rows[1][3] != string(alerts.TypeLowBattery) {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
