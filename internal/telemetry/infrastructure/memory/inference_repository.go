package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	telemetry "water-cloud/internal/telemetry/domain"
)

// InferenceRepository keeps inference events in process.
type InferenceRepository struct {
	mu     sync.RWMutex
	nextID int64
	events []telemetry.InferenceEvent
}

// NewInferenceRepository constructs an empty store.
func NewInferenceRepository() *InferenceRepository {
	return &InferenceRepository{}
}

func (r *InferenceRepository) Insert(_ context.Context, event *telemetry.InferenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, *event)
	return nil
}

func (r *InferenceRepository) ListRecent(_ context.Context, deviceID int64, limit int) ([]telemetry.InferenceEvent, error) {
	list := r.filter(func(event telemetry.InferenceEvent) bool { return event.DeviceID == deviceID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *InferenceRepository) ListRange(_ context.Context, deviceID int64, from, to time.Time) ([]telemetry.InferenceEvent, error) {
	return r.filter(func(event telemetry.InferenceEvent) bool {
		return event.DeviceID == deviceID && !event.EventStart.Before(from) && event.EventStart.Before(to)
	}), nil
}

func (r *InferenceRepository) filter(keep func(telemetry.InferenceEvent) bool) []telemetry.InferenceEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]telemetry.InferenceEvent, 0)
	for _, event := range r.events {
		if keep(event) {
			out = append(out, event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EventStart.Equal(out[j].EventStart) {
			return out[i].ID > out[j].ID
		}
		return out[i].EventStart.After(out[j].EventStart)
	})
	return out
}
