package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	telemetry "water-cloud/internal/telemetry/domain"
)

// ReadingRepository keeps readings in process.
type ReadingRepository struct {
	mu       sync.RWMutex
	nextID   int64
	readings []telemetry.Reading
}

// NewReadingRepository constructs an empty store.
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{}
}

func (r *ReadingRepository) Insert(_ context.Context, reading *telemetry.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	reading.ID = r.nextID
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now().UTC()
	}
	r.readings = append(r.readings, *reading)
	return nil
}

func (r *ReadingRepository) SumVolume(_ context.Context, deviceID int64, from, to time.Time) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	found := false
	for _, reading := range r.readings {
		if reading.DeviceID != deviceID || reading.VolumeDeltaL == nil {
			continue
		}
		if reading.TS.Before(from) || !reading.TS.Before(to) {
			continue
		}
		total += *reading.VolumeDeltaL
		found = true
	}
	return total, found, nil
}

func (r *ReadingRepository) ListRecent(_ context.Context, deviceID int64, limit int) ([]telemetry.Reading, error) {
	list := r.filter(func(reading telemetry.Reading) bool { return reading.DeviceID == deviceID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *ReadingRepository) ListRange(_ context.Context, deviceID int64, from, to time.Time) ([]telemetry.Reading, error) {
	return r.filter(func(reading telemetry.Reading) bool {
		return reading.DeviceID == deviceID && !reading.TS.Before(from) && reading.TS.Before(to)
	}), nil
}

func (r *ReadingRepository) filter(keep func(telemetry.Reading) bool) []telemetry.Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]telemetry.Reading, 0)
	for _, reading := range r.readings {
		if keep(reading) {
			out = append(out, reading)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TS.Equal(out[j].TS) {
			return out[i].ID > out[j].ID
		}
		return out[i].TS.After(out[j].TS)
	})
	return out
}

// Len returns the number of stored readings.
func (r *ReadingRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readings)
}
