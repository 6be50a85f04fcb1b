package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	devices "water-cloud/internal/devices/domain"
)

// DeviceRepository is an in-process device store.
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[int64]devices.Device
}

// NewDeviceRepository constructs an empty store.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{devices: make(map[int64]devices.Device)}
}

// Put inserts or replaces a device.
func (r *DeviceRepository) Put(device devices.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = cloneDevice(device)
}

func (r *DeviceRepository) GetByID(_ context.Context, id int64) (*devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	out := cloneDevice(device)
	return &out, nil
}

func (r *DeviceRepository) GetByUID(_ context.Context, uid string) (*devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, device := range r.devices {
		if device.UID == uid {
			out := cloneDevice(device)
			return &out, nil
		}
	}
	return nil, nil
}

func (r *DeviceRepository) TouchLastSeen(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil
	}
	seen := at.UTC()
	device.LastSeenAt = &seen
	if device.Status == devices.StatusInactive {
		device.Status = devices.StatusActive
	}
	r.devices[id] = device
	return nil
}

func (r *DeviceRepository) ListSilentSince(ctx context.Context, before time.Time) ([]devices.Device, error) {
	owned, _ := r.ListOwned(ctx)
	result := owned[:0]
	for _, device := range owned {
		if device.LastSeenAt != nil && device.LastSeenAt.Before(before) {
			result = append(result, device)
		}
	}
	return result, nil
}

func (r *DeviceRepository) ListOwned(_ context.Context) ([]devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []devices.Device
	for _, device := range r.devices {
		if device.OwnerID != nil {
			result = append(result, cloneDevice(device))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func cloneDevice(device devices.Device) devices.Device {
	if device.OwnerID != nil {
		owner := *device.OwnerID
		device.OwnerID = &owner
	}
	if device.LastSeenAt != nil {
		seen := *device.LastSeenAt
		device.LastSeenAt = &seen
	}
	return device
}
