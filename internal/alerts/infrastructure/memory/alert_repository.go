package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alerts "water-cloud/internal/alerts/domain"
)

// AlertRepository keeps alerts in process. Dedup checks hold a mutex per (device, type) key
// and the store mutex covers every read and write.
type AlertRepository struct {
	mu     sync.RWMutex
	nextID int64
	alerts []alerts.Alert

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

// NewAlertRepository constructs an empty store.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{keys: make(map[string]*sync.Mutex)}
}

func (r *AlertRepository) keyLock(key string) *sync.Mutex {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	lock, ok := r.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		r.keys[key] = lock
	}
	return lock
}

func (r *AlertRepository) CreateIfNoneSince(_ context.Context, alert *alerts.Alert, since time.Time) (bool, error) {
	lock := r.keyLock(alerts.DedupKey(alert.DeviceID, alert.Type))
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	for _, existing := range r.alerts {
		if existing.DeviceID == alert.DeviceID && existing.Type == alert.Type && !existing.Timestamp.Before(since) {
			r.mu.RUnlock()
			return false, nil
		}
	}
	r.mu.RUnlock()

	r.insert(alert)
	return true, nil
}

func (r *AlertRepository) Create(_ context.Context, alert *alerts.Alert) error {
	r.insert(alert)
	return nil
}

func (r *AlertRepository) insert(alert *alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	alert.ID = r.nextID
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	r.alerts = append(r.alerts, *alert)
}

func (r *AlertRepository) GetByID(_ context.Context, id int64) (*alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, alert := range r.alerts {
		if alert.ID == id {
			out := alert
			return &out, nil
		}
	}
	return nil, nil
}

func (r *AlertRepository) MarkRead(_ context.Context, id, userID int64) (*alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.alerts {
		if r.alerts[i].ID == id && r.alerts[i].UserID == userID {
			r.alerts[i].IsRead = true
			out := r.alerts[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (r *AlertRepository) MarkAllRead(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.alerts {
		if r.alerts[i].UserID == userID && !r.alerts[i].IsRead {
			r.alerts[i].IsRead = true
			count++
		}
	}
	return count, nil
}

func (r *AlertRepository) ListByUser(_ context.Context, userID int64, isRead *bool, limit int) ([]alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []alerts.Alert
	for _, alert := range r.alerts {
		if alert.UserID != userID {
			continue
		}
		if isRead != nil && alert.IsRead != *isRead {
			continue
		}
		result = append(result, alert)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID > result[j].ID
		}
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *AlertRepository) CountUnread(_ context.Context, userID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, alert := range r.alerts {
		if alert.UserID == userID && !alert.IsRead {
			count++
		}
	}
	return count, nil
}

// All returns a snapshot of every stored alert.
func (r *AlertRepository) All() []alerts.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]alerts.Alert(nil), r.alerts...)
}
