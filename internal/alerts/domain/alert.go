package alerts

import (
	"context"
	"strconv"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Type classifies the condition that raised an alert. The set is open.
type Type string

const (
	TypeOverconsumption Type = "OVERCONSUMPTION"
	TypeLeakSuspected   Type = "LEAK_SUSPECTED"
	TypeDeviceOffline   Type = "DEVICE_OFFLINE"
	TypeLowBattery      Type = "LOW_BATTERY"
	TypeCommandFailed   Type = "COMMAND_FAILED"
	TypeGeneral         Type = "GENERAL"
)

// Alert is a notification raised for a device owner. IsRead only moves false to true.
type Alert struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"deviceId"`
	UserID    int64     `json:"userId"`
	Severity  Severity  `json:"severity"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

// DedupKey identifies the serialization scope of dedup checks.
func DedupKey(deviceID int64, alertType Type) string {
	return strconv.FormatInt(deviceID, 10) + "|" + string(alertType)
}

// Repository is the alert store. Lookups return nil, nil when nothing matches.
type Repository interface {
	// CreateIfNoneSince inserts alert unless an alert of the same device and type exists with
	// timestamp >= since. The check and insert are serialized per (device, type).
	CreateIfNoneSince(ctx context.Context, alert *Alert, since time.Time) (bool, error)
	Create(ctx context.Context, alert *Alert) error
	GetByID(ctx context.Context, id int64) (*Alert, error)
	// MarkRead flags the alert read when it belongs to userID, returning nil otherwise.
	MarkRead(ctx context.Context, id, userID int64) (*Alert, error)
	// MarkAllRead flags every unread alert of userID in one statement.
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	// ListByUser lists alerts newest first.
	ListByUser(ctx context.Context, userID int64, isRead *bool, limit int) ([]Alert, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
}
