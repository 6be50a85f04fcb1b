package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"water-cloud/internal/auth"
	devices "water-cloud/internal/devices/domain"
	"water-cloud/internal/errs"
	"water-cloud/internal/observability/metrics"
	telemetry "water-cloud/internal/telemetry/domain"
)

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}

// Request is a device telemetry submission.
type Request struct {
	DeviceUID   string          `json:"deviceUid" validate:"required"`
	APIKey      string          `json:"apiKey" validate:"required"`
	Timestamp   string          `json:"timestamp" validate:"required"`
	FlowRateLPM *float64        `json:"flowRateLpm" validate:"omitempty,gte=0"`
	VolumeDelta *float64        `json:"volumeDelta" validate:"omitempty,gte=0"`
	VolumeTotal *float64        `json:"volumeTotal" validate:"omitempty,gte=0"`
	ValveState  string          `json:"valveState"`
	BatteryPct  *int            `json:"batteryPct" validate:"omitempty,gte=0,lte=100"`
	SignalRSSI  *int            `json:"signalRssi"`
	RawPayload  json.RawMessage `json:"rawPayload"`
}

// ReadingChecker evaluates alert rules for a persisted reading.
type ReadingChecker interface {
	CheckReading(ctx context.Context, device devices.Device, reading telemetry.Reading) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Ingestor persists device readings, refreshes device liveness and runs the reading rules.
type Ingestor struct {
	readings telemetry.ReadingRepository
	devices  devices.Repository
	checker  ReadingChecker
	validate *validator.Validate
	clock    Clock
	logger   *zap.Logger
}

// IngestorOption customizes the ingestor.
type IngestorOption func(*Ingestor)

// WithClock assigns a clock.
func WithClock(clock Clock) IngestorOption {
	return func(i *Ingestor) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor constructs an ingestor. checker may be nil.
func NewIngestor(readingRepo telemetry.ReadingRepository, deviceRepo devices.Repository, checker ReadingChecker, opts ...IngestorOption) (*Ingestor, error) {
	if readingRepo == nil {
		return nil, errors.New("telemetry: nil reading repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("telemetry: nil device repository")
	}
	ingestor := &Ingestor{
		readings: readingRepo,
		devices:  deviceRepo,
		checker:  checker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    systemClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ingestor)
	}
	return ingestor, nil
}

// Ingest stores one reading submitted over transport ("http" or "mqtt").
func (i *Ingestor) Ingest(ctx context.Context, transport string, req Request) (*telemetry.Reading, error) {
	if i == nil {
		return nil, errors.New("telemetry: nil ingestor")
	}
	start := time.Now()
	reading, err := i.ingest(ctx, req)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveIngest(transport, result, time.Since(start))
	return reading, err
}

func (i *Ingestor) ingest(ctx context.Context, req Request) (*telemetry.Reading, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("telemetry: %s: %w", describeValidation(err), errs.ErrValidation)
	}
	ts, err := ParseTimestamp(req.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("telemetry: timestamp %q: %w", req.Timestamp, errs.ErrValidation)
	}

	device, err := i.devices.GetByUID(ctx, req.DeviceUID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: load device: %w", err)
	}
	if device == nil || !auth.DeviceKeyMatches(device.APIKey, req.APIKey) {
		return nil, fmt.Errorf("telemetry: invalid device credentials: %w", errs.ErrUnauthorized)
	}

	reading := &telemetry.Reading{
		DeviceID:     device.ID,
		TS:           ts,
		FlowRateLPM:  req.FlowRateLPM,
		VolumeDeltaL: req.VolumeDelta,
		VolumeTotalL: req.VolumeTotal,
		ValveState:   telemetry.ParseValveState(req.ValveState),
		BatteryPct:   req.BatteryPct,
		SignalRSSI:   req.SignalRSSI,
		RawPayload:   req.RawPayload,
	}
	if err := i.readings.Insert(ctx, reading); err != nil {
		return nil, fmt.Errorf("telemetry: insert reading: %w", err)
	}

	now := i.clock.Now().UTC()
	if err := i.devices.TouchLastSeen(ctx, device.ID, now); err != nil {
		return nil, fmt.Errorf("telemetry: touch device: %w", err)
	}
	device.LastSeenAt = &now
	if device.Status == devices.StatusInactive {
		device.Status = devices.StatusActive
	}

	if i.checker != nil {
		if err := i.checker.CheckReading(ctx, *device, *reading); err != nil {
			i.logger.Warn("reading alert check failed",
				zap.Int64("device_id", device.ID),
				zap.Int64("reading_id", reading.ID),
				zap.Error(err),
			)
		}
	}
	return reading, nil
}

// ParseTimestamp accepts RFC3339 or a zone-less local datetime, which is taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	return "invalid request: " + strings.Join(fields, ", ")
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
