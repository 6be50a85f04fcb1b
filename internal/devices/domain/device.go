package devices

import (
	"context"
	"time"
)

// Status is the lifecycle state of a registered device.
type Status string

const (
	StatusInactive       Status = "INACTIVE"
	StatusActive         Status = "ACTIVE"
	StatusMaintenance    Status = "MAINTENANCE"
	StatusDecommissioned Status = "DECOMMISSIONED"
)

// Device is the subset of a registered device the core reads and writes.
type Device struct {
	ID         int64
	UID        string
	Name       string
	OwnerID    *int64
	APIKey     string
	LastSeenAt *time.Time
	Status     Status
}

// HasOwner reports whether the device is assigned to a user.
func (d Device) HasOwner() bool {
	return d.OwnerID != nil
}

// Repository is the device store. Lookups return nil, nil when the device does not exist.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Device, error)
	GetByUID(ctx context.Context, uid string) (*Device, error)
	// TouchLastSeen sets last_seen_at and promotes INACTIVE devices to ACTIVE.
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
	// ListSilentSince returns owned devices whose last_seen_at is older than before.
	ListSilentSince(ctx context.Context, before time.Time) ([]Device, error)
	ListOwned(ctx context.Context) ([]Device, error)
}
