package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ValveState is the valve position reported by a meter.
type ValveState string

const (
	ValveOpen    ValveState = "OPEN"
	ValveClosed  ValveState = "CLOSED"
	ValvePartial ValveState = "PARTIAL"
)

// ParseValveState returns nil for empty or unknown values; a bad valve state never rejects a reading.
func ParseValveState(value string) *ValveState {
	state := ValveState(strings.ToUpper(strings.TrimSpace(value)))
	switch state {
	case ValveOpen, ValveClosed, ValvePartial:
		return &state
	default:
		return nil
	}
}

// Reading is a single persisted telemetry sample.
type Reading struct {
	ID           int64
	DeviceID     int64
	TS           time.Time
	FlowRateLPM  *float64
	VolumeDeltaL *float64
	VolumeTotalL *float64
	ValveState   *ValveState
	BatteryPct   *int
	SignalRSSI   *int
	RawPayload   json.RawMessage
	CreatedAt    time.Time
}

// ReadingRepository persists readings and aggregates volume.
type ReadingRepository interface {
	Insert(ctx context.Context, reading *Reading) error
	// SumVolume sums volume deltas in [from, to). ok is false when no reading carries a delta.
	SumVolume(ctx context.Context, deviceID int64, from, to time.Time) (total float64, ok bool, err error)
}

// ReadingQuery reads stored readings back for a device.
type ReadingQuery interface {
	// ListRecent returns up to limit readings, newest first.
	ListRecent(ctx context.Context, deviceID int64, limit int) ([]Reading, error)
	// ListRange returns readings with ts in [from, to), newest first.
	ListRange(ctx context.Context, deviceID int64, from, to time.Time) ([]Reading, error)
	SumVolume(ctx context.Context, deviceID int64, from, to time.Time) (total float64, ok bool, err error)
}
