package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	alerts "water-cloud/internal/alerts/domain"
	"water-cloud/internal/auth"
	devices "water-cloud/internal/devices/domain"
	"water-cloud/internal/errs"
	"water-cloud/internal/observability/metrics"
	telemetry "water-cloud/internal/telemetry/domain"
)

const (
	leakWindow    = time.Hour
	batteryWindow = 24 * time.Hour
	offlineWindow = 2 * time.Hour

	defaultNotifyTimeout = 5 * time.Second

	DefaultListLimit = 50
	MaxListLimit     = 500

	EventCreated = "created"
)

// Thresholds configures rule triggers.
type Thresholds struct {
	LeakFlowRateLPM       float64
	LowBatteryPct         int
	CriticalBatteryPct    int
	OfflineAfter          time.Duration
	DailyOverconsumptionL float64
}

// DefaultThresholds returns the stock rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LeakFlowRateLPM:       10.0,
		LowBatteryPct:         20,
		CriticalBatteryPct:    10,
		OfflineAfter:          60 * time.Minute,
		DailyOverconsumptionL: 500,
	}
}

// AlertNotifier publishes alert lifecycle events.
type AlertNotifier interface {
	Notify(ctx context.Context, event AlertEvent)
}

// AlertEvent represents a lifecycle update.
type AlertEvent struct {
	Type  string       `json:"type"`
	Alert alerts.Alert `json:"alert"`
}

// VolumeReader sums metered volume.
type VolumeReader interface {
	SumVolume(ctx context.Context, deviceID int64, from, to time.Time) (float64, bool, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Engine evaluates readings and device health into deduplicated alerts.
type Engine struct {
	alerts     alerts.Repository
	devices    devices.Repository
	volumes    VolumeReader
	notifier   AlertNotifier
	clock      Clock
	logger     *zap.Logger
	location   *time.Location
	thresholds Thresholds

	notifyTimeout time.Duration
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlertNotifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifyTimeout bounds each sink call so a stuck sink cannot stall ingest.
func WithNotifyTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.notifyTimeout = timeout
		}
	}
}

// WithLocation sets the zone used for the daily consumption window.
func WithLocation(location *time.Location) EngineOption {
	return func(e *Engine) {
		if location != nil {
			e.location = location
		}
	}
}

// WithThresholds overrides rule thresholds; zero fields keep defaults.
func WithThresholds(t Thresholds) EngineOption {
	return func(e *Engine) {
		if t.LeakFlowRateLPM > 0 {
			e.thresholds.LeakFlowRateLPM = t.LeakFlowRateLPM
		}
		if t.LowBatteryPct > 0 {
			e.thresholds.LowBatteryPct = t.LowBatteryPct
		}
		if t.CriticalBatteryPct > 0 {
			e.thresholds.CriticalBatteryPct = t.CriticalBatteryPct
		}
		if t.OfflineAfter > 0 {
			e.thresholds.OfflineAfter = t.OfflineAfter
		}
		if t.DailyOverconsumptionL > 0 {
			e.thresholds.DailyOverconsumptionL = t.DailyOverconsumptionL
		}
	}
}

// NewEngine constructs an alert rule engine.
func NewEngine(alertRepo alerts.Repository, deviceRepo devices.Repository, volumes VolumeReader, opts ...EngineOption) (*Engine, error) {
	if alertRepo == nil {
		return nil, errors.New("alerts: nil alert repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("alerts: nil device repository")
	}
	if volumes == nil {
		return nil, errors.New("alerts: nil volume reader")
	}
	engine := &Engine{
		alerts:     alertRepo,
		devices:    deviceRepo,
		volumes:    volumes,
		clock:      systemClock{},
		logger:     zap.NewNop(),
		location:   time.Local,
		thresholds: DefaultThresholds(),

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// CheckReading evaluates the leak and low-battery rules for a just-persisted reading.
// Both rules run independently; dedup windows are measured against the engine clock.
func (e *Engine) CheckReading(ctx context.Context, device devices.Device, reading telemetry.Reading) error {
	if e == nil {
		return errors.New("alerts: nil engine")
	}
	if !device.HasOwner() {
		return nil
	}
	now := e.clock.Now().UTC()
	var errList []error

	if reading.FlowRateLPM != nil && *reading.FlowRateLPM > e.thresholds.LeakFlowRateLPM {
		alert := e.newAlert(device, alerts.SeverityCritical, alerts.TypeLeakSuspected, now,
			fmt.Sprintf("Possible leak detected! Flow rate of %s L/min exceeds threshold.", formatFloat(*reading.FlowRateLPM)))
		if _, err := e.raise(ctx, alert, now.Add(-leakWindow)); err != nil {
			errList = append(errList, err)
		}
	}

	if reading.BatteryPct != nil && *reading.BatteryPct < e.thresholds.LowBatteryPct {
		severity := alerts.SeverityWarning
		if *reading.BatteryPct < e.thresholds.CriticalBatteryPct {
			severity = alerts.SeverityCritical
		}
		alert := e.newAlert(device, severity, alerts.TypeLowBattery, now,
			fmt.Sprintf("Device battery is low: %d%%", *reading.BatteryPct))
		if _, err := e.raise(ctx, alert, now.Add(-batteryWindow)); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// OfflineSweep raises a DEVICE_OFFLINE alert for owned devices silent longer than the threshold.
func (e *Engine) OfflineSweep(ctx context.Context) (int, error) {
	if e == nil {
		return 0, errors.New("alerts: nil engine")
	}
	now := e.clock.Now().UTC()
	silent, err := e.devices.ListSilentSince(ctx, now.Add(-e.thresholds.OfflineAfter))
	if err != nil {
		return 0, fmt.Errorf("alerts: list offline devices: %w", err)
	}
	minutes := int(e.thresholds.OfflineAfter / time.Minute)
	created := 0
	for _, device := range silent {
		if !device.HasOwner() || device.LastSeenAt == nil {
			continue
		}
		alert := e.newAlert(device, alerts.SeverityWarning, alerts.TypeDeviceOffline, now,
			fmt.Sprintf("Device has been offline for more than %d minutes. Last seen: %s",
				minutes, device.LastSeenAt.In(e.location).Format(time.RFC3339)))
		ok, err := e.raise(ctx, alert, now.Add(-offlineWindow))
		if err != nil {
			e.logger.Warn("offline alert failed", zap.Int64("device_id", device.ID), zap.Error(err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// DailyConsumptionSweep raises OVERCONSUMPTION for devices whose volume yesterday, in the
// engine location, exceeded the daily threshold. At most one alert per device per day.
func (e *Engine) DailyConsumptionSweep(ctx context.Context) (int, error) {
	if e == nil {
		return 0, errors.New("alerts: nil engine")
	}
	now := e.clock.Now()
	local := now.In(e.location)
	todayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.location)
	yesterdayStart := todayStart.AddDate(0, 0, -1)

	owned, err := e.devices.ListOwned(ctx)
	if err != nil {
		return 0, fmt.Errorf("alerts: list devices: %w", err)
	}
	created := 0
	for _, device := range owned {
		total, ok, err := e.volumes.SumVolume(ctx, device.ID, yesterdayStart, todayStart)
		if err != nil {
			e.logger.Warn("daily consumption query failed", zap.Int64("device_id", device.ID), zap.Error(err))
			continue
		}
		if !ok || total <= e.thresholds.DailyOverconsumptionL {
			continue
		}
		alert := e.newAlert(device, alerts.SeverityWarning, alerts.TypeOverconsumption, now.UTC(),
			fmt.Sprintf("High water consumption detected: %s liters used yesterday.", formatFloat(total)))
		raised, err := e.raise(ctx, alert, todayStart)
		if err != nil {
			e.logger.Warn("overconsumption alert failed", zap.Int64("device_id", device.ID), zap.Error(err))
			continue
		}
		if raised {
			created++
		}
	}
	return created, nil
}

// CommandFailed raises a COMMAND_FAILED warning for the device owner.
func (e *Engine) CommandFailed(ctx context.Context, deviceID int64, correlationID, reason string) error {
	if e == nil {
		return errors.New("alerts: nil engine")
	}
	device, err := e.devices.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("alerts: load device: %w", err)
	}
	if device == nil || !device.HasOwner() {
		return nil
	}
	message := fmt.Sprintf("Command %s failed on device %s.", correlationID, deviceLabel(*device))
	if reason != "" {
		message = fmt.Sprintf("Command %s failed on device %s: %s", correlationID, deviceLabel(*device), reason)
	}
	alert := e.newAlert(*device, alerts.SeverityWarning, alerts.TypeCommandFailed, e.clock.Now().UTC(), message)
	if err := e.alerts.Create(ctx, &alert); err != nil {
		return fmt.Errorf("alerts: create: %w", err)
	}
	e.created(ctx, alert)
	return nil
}

// MarkRead flags one of the actor's alerts read. Alerts of other users are reported as not found.
func (e *Engine) MarkRead(ctx context.Context, actor auth.Actor, alertID int64) (*alerts.Alert, error) {
	if e == nil {
		return nil, errors.New("alerts: nil engine")
	}
	alert, err := e.alerts.MarkRead(ctx, alertID, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("alerts: mark read: %w", err)
	}
	if alert == nil {
		return nil, fmt.Errorf("alerts: alert %d: %w", alertID, errs.ErrNotFound)
	}
	return alert, nil
}

// MarkAllRead flags every unread alert of the actor.
func (e *Engine) MarkAllRead(ctx context.Context, actor auth.Actor) (int, error) {
	if e == nil {
		return 0, errors.New("alerts: nil engine")
	}
	count, err := e.alerts.MarkAllRead(ctx, actor.UserID)
	if err != nil {
		return 0, fmt.Errorf("alerts: mark all read: %w", err)
	}
	return count, nil
}

// ListAlerts returns the actor's alerts newest first.
func (e *Engine) ListAlerts(ctx context.Context, actor auth.Actor, isRead *bool, limit int) ([]alerts.Alert, error) {
	if e == nil {
		return nil, errors.New("alerts: nil engine")
	}
	list, err := e.alerts.ListByUser(ctx, actor.UserID, isRead, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("alerts: list: %w", err)
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	return list, nil
}

// UnreadCount counts the actor's unread alerts.
func (e *Engine) UnreadCount(ctx context.Context, actor auth.Actor) (int64, error) {
	if e == nil {
		return 0, errors.New("alerts: nil engine")
	}
	count, err := e.alerts.CountUnread(ctx, actor.UserID)
	if err != nil {
		return 0, fmt.Errorf("alerts: count unread: %w", err)
	}
	return count, nil
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func (e *Engine) raise(ctx context.Context, alert alerts.Alert, since time.Time) (bool, error) {
	created, err := e.alerts.CreateIfNoneSince(ctx, &alert, since)
	if err != nil {
		return false, fmt.Errorf("alerts: create %s for device %d: %w", alert.Type, alert.DeviceID, err)
	}
	if !created {
		metrics.IncAlertSuppressed(string(alert.Type))
		return false, nil
	}
	e.created(ctx, alert)
	return true, nil
}

func (e *Engine) created(ctx context.Context, alert alerts.Alert) {
	metrics.IncAlertCreated(string(alert.Type))
	e.logger.Info("alert created",
		zap.Int64("alert_id", alert.ID),
		zap.Int64("device_id", alert.DeviceID),
		zap.Int64("user_id", alert.UserID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
	)
	if e.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()
		e.notifier.Notify(notifyCtx, AlertEvent{Type: EventCreated, Alert: alert})
	}
}

func (e *Engine) newAlert(device devices.Device, severity alerts.Severity, alertType alerts.Type, at time.Time, message string) alerts.Alert {
	return alerts.Alert{
		DeviceID:  device.ID,
		UserID:    *device.OwnerID,
		Severity:  severity,
		Type:      alertType,
		Message:   message,
		Timestamp: at,
	}
}

func deviceLabel(device devices.Device) string {
	if device.Name != "" {
		return device.Name
	}
	return device.UID
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
