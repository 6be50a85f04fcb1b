package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"water-cloud/internal/auth"
	devices "water-cloud/internal/devices/domain"
	"water-cloud/internal/errs"
	telemetry "water-cloud/internal/telemetry/domain"
)

const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// ReadingView is a reading as returned to device owners.
type ReadingView struct {
	ID           int64                 `json:"id"`
	DeviceID     int64                 `json:"deviceId"`
	DeviceName   string                `json:"deviceName"`
	Timestamp    time.Time             `json:"timestamp"`
	FlowRateLPM  *float64              `json:"flowRateLpm"`
	VolumeDeltaL *float64              `json:"volumeLitersDelta"`
	VolumeTotalL *float64              `json:"volumeLitersTotal"`
	ValveState   *telemetry.ValveState `json:"valveState"`
	BatteryPct   *int                  `json:"batteryPct"`
	SignalRSSI   *int                  `json:"signalRssi"`
}

// ReadingQueries serves reading history, aggregates and consumption totals to device owners and admins.
type ReadingQueries struct {
	readings telemetry.ReadingQuery
	devices  devices.Repository
	location *time.Location
}

// QueryOption customizes ReadingQueries.
type QueryOption func(*ReadingQueries)

// WithLocation sets the zone aggregate buckets are cut in.
func WithLocation(loc *time.Location) QueryOption {
	return func(q *ReadingQueries) {
		if loc != nil {
			q.location = loc
		}
	}
}

// NewReadingQueries constructs the query service.
func NewReadingQueries(readingRepo telemetry.ReadingQuery, deviceRepo devices.Repository, opts ...QueryOption) (*ReadingQueries, error) {
	if readingRepo == nil {
		return nil, errors.New("telemetry queries: nil reading repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("telemetry queries: nil device repository")
	}
	q := &ReadingQueries{readings: readingRepo, devices: deviceRepo, location: time.UTC}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Readings lists readings newest first. With both from and to set it returns the range [from, to);
// otherwise the latest limit readings.
func (q *ReadingQueries) Readings(ctx context.Context, actor auth.Actor, deviceID int64, from, to *time.Time, limit int) ([]ReadingView, error) {
	device, err := authorizeDevice(ctx, q.devices, actor, deviceID)
	if err != nil {
		return nil, err
	}
	limit = clampReadingLimit(limit)

	var list []telemetry.Reading
	switch {
	case from == nil && to == nil:
		list, err = q.readings.ListRecent(ctx, deviceID, limit)
	case from != nil && to != nil:
		if err := validateRange(*from, *to); err != nil {
			return nil, err
		}
		list, err = q.readings.ListRange(ctx, deviceID, *from, *to)
		if len(list) > limit {
			list = list[:limit]
		}
	default:
		return nil, fmt.Errorf("telemetry: from and to must be given together: %w", errs.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: list readings: %w", err)
	}

	views := make([]ReadingView, 0, len(list))
	for _, reading := range list {
		views = append(views, ReadingView{
			ID:           reading.ID,
			DeviceID:     reading.DeviceID,
			DeviceName:   device.Name,
			Timestamp:    reading.TS,
			FlowRateLPM:  reading.FlowRateLPM,
			VolumeDeltaL: reading.VolumeDeltaL,
			VolumeTotalL: reading.VolumeTotalL,
			ValveState:   reading.ValveState,
			BatteryPct:   reading.BatteryPct,
			SignalRSSI:   reading.SignalRSSI,
		})
	}
	return views, nil
}

// Aggregated groups readings in [from, to) by hour, day or month.
func (q *ReadingQueries) Aggregated(ctx context.Context, actor auth.Actor, deviceID int64, from, to time.Time, granularity string) ([]telemetry.Bucket, error) {
	g, ok := telemetry.ParseGranularity(granularity)
	if !ok {
		return nil, fmt.Errorf("telemetry: granularity %q: %w", granularity, errs.ErrValidation)
	}
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	if _, err := authorizeDevice(ctx, q.devices, actor, deviceID); err != nil {
		return nil, err
	}
	list, err := q.readings.ListRange(ctx, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list readings: %w", err)
	}
	return telemetry.Aggregate(list, g, q.location), nil
}

// Consumption returns the liters used in [from, to); zero when nothing was reported.
func (q *ReadingQueries) Consumption(ctx context.Context, actor auth.Actor, deviceID int64, from, to time.Time) (float64, error) {
	if err := validateRange(from, to); err != nil {
		return 0, err
	}
	if _, err := authorizeDevice(ctx, q.devices, actor, deviceID); err != nil {
		return 0, err
	}
	total, _, err := q.readings.SumVolume(ctx, deviceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("telemetry: sum volume: %w", err)
	}
	return total, nil
}

func clampReadingLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadingLimit
	}
	if limit > MaxReadingLimit {
		return MaxReadingLimit
	}
	return limit
}

func validateRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("telemetry: from and to are required: %w", errs.ErrValidation)
	}
	if !to.After(from) {
		return fmt.Errorf("telemetry: to must be after from: %w", errs.ErrValidation)
	}
	return nil
}

func authorizeDevice(ctx context.Context, repo devices.Repository, actor auth.Actor, deviceID int64) (*devices.Device, error) {
	device, err := repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: load device: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("telemetry: device %d: %w", deviceID, errs.ErrNotFound)
	}
	if !actor.CanControl(device.OwnerID) {
		return nil, fmt.Errorf("telemetry: device %d: %w", deviceID, errs.ErrForbidden)
	}
	return device, nil
}
