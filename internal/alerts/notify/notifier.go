package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	alertsapp "water-cloud/internal/alerts/application"
	alerts "water-cloud/internal/alerts/domain"
	devices "water-cloud/internal/devices/domain"
)

const EventEscalated = "escalated"

// AlertReader reloads alerts before escalation.
type AlertReader interface {
	GetByID(ctx context.Context, id int64) (*alerts.Alert, error)
}

// DeviceReader loads device metadata for rendering.
type DeviceReader interface {
	GetByID(ctx context.Context, id int64) (*devices.Device, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alert events through a template onto a channel. Unread CRITICAL alerts are
// re-sent once as escalations when an escalation delay is configured.
type Notifier struct {
	alerts         AlertReader
	devices        DeviceReader
	channel        Channel
	template       *Template
	logger         *zap.Logger
	escalation     time.Duration
	clock          Clock
	mu             sync.Mutex
	timers         map[int64]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRequestTimeout overrides the timeout for escalation lookups and sends.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alert and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs an alert notifier. devices may be nil.
func NewNotifier(alertReader AlertReader, deviceReader DeviceReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if alertReader == nil {
		return nil, errors.New("alert notifier: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		alerts:         alertReader,
		devices:        deviceReader,
		channel:        channel,
		template:       template,
		logger:         zap.NewNop(),
		clock:          systemClock{},
		timers:         make(map[int64]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements alertsapp.AlertNotifier.
func (n *Notifier) Notify(ctx context.Context, event alertsapp.AlertEvent) {
	if n == nil || n.channel == nil {
		return
	}
	n.dispatch(ctx, event.Type, event.Alert)
	if event.Type == alertsapp.EventCreated {
		n.scheduleEscalation(event.Alert)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[int64]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, alert alerts.Alert) {
	data := n.buildTemplateData(ctx, eventType, alert)
	content, err := n.template.Render(data)
	if err != nil {
		n.logger.Warn("alert notification render failed", zap.Int64("alert_id", alert.ID), zap.Error(err))
		return
	}
	if !n.shouldSend(alert.ID, eventType, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Warn("alert notification send failed", zap.Int64("alert_id", alert.ID), zap.Error(err))
		return
	}
	n.markSent(alert.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(alert alerts.Alert) {
	if n.escalation <= 0 || alert.ID == 0 || alert.Severity != alerts.SeverityCritical {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[alert.ID]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[alert.ID] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alert.ID)
	})
	n.mu.Unlock()
}

func (n *Notifier) runEscalation(alertID int64) {
	n.mu.Lock()
	delete(n.timers, alertID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	alert, err := n.alerts.GetByID(ctx, alertID)
	if err != nil || alert == nil {
		return
	}
	if alert.IsRead {
		return
	}
	n.dispatch(ctx, EventEscalated, *alert)
}

func (n *Notifier) buildTemplateData(ctx context.Context, eventType string, alert alerts.Alert) TemplateData {
	label := "device " + strconv.FormatInt(alert.DeviceID, 10)
	if n.devices != nil {
		if device, err := n.devices.GetByID(ctx, alert.DeviceID); err == nil && device != nil {
			switch {
			case device.Name != "":
				label = device.Name
			case device.UID != "":
				label = device.UID
			}
		}
	}
	return TemplateData{
		AlertID:    alert.ID,
		Device:     label,
		DeviceID:   alert.DeviceID,
		UserID:     alert.UserID,
		Type:       string(alert.Type),
		Severity:   string(alert.Severity),
		Message:    alert.Message,
		Time:       alert.Timestamp.UTC().Format(time.RFC3339),
		Suggestion: suggestionFor(alert.Type),
		Event:      eventType,
		EventLabel: eventLabel(eventType),
	}
}

func eventLabel(event string) string {
	switch event {
	case alertsapp.EventCreated:
		return "Raised"
	case EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(alertType alerts.Type) string {
	switch alertType {
	case alerts.TypeLeakSuspected:
		return "Close the main valve and inspect the line for leaks."
	case alerts.TypeLowBattery:
		return "Replace or recharge the device battery."
	case alerts.TypeDeviceOffline:
		return "Check power and connectivity at the meter."
	case alerts.TypeOverconsumption:
		return "Review yesterday's usage for unexpected draw."
	case alerts.TypeCommandFailed:
		return "Retry the command or inspect the valve actuator."
	default:
		return "Review the alert details."
	}
}

func (n *Notifier) shouldSend(alertID int64, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alertID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alertID int64, eventType, content string) {
	retention := n.retention()
	if retention <= 0 {
		return
	}
	key := notificationKey(alertID, eventType)
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	// records past both windows can no longer suppress a send
	for k, record := range n.sent {
		if now.Sub(record.at) >= retention {
			delete(n.sent, k)
		}
	}
	n.sent[key] = sendRecord{
		at:   now,
		hash: hashContent(content),
	}
}

func (n *Notifier) retention() time.Duration {
	if n.cooldown > n.dedupeWindow {
		return n.cooldown
	}
	return n.dedupeWindow
}

func (n *Notifier) trackedSends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func notificationKey(alertID int64, eventType string) string {
	return strconv.FormatInt(alertID, 10) + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
