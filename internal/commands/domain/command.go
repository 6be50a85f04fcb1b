package commands

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusAck     Status = "ACK"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusSent, StatusAck, StatusFailed, StatusExpired:
		return Status(value), true
	default:
		return "", false
	}
}

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAck, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusAck, StatusFailed, StatusExpired},
	StatusSent:    {StatusAck, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is an edge of the command state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type names the action a device is asked to perform. The set is open.
type Type string

const (
	TypeOpenValve   Type = "OPEN_VALVE"
	TypeCloseValve  Type = "CLOSE_VALVE"
	TypeSetValve    Type = "SET_VALVE"
	TypeSetFlowRate Type = "SET_FLOW_RATE"
	TypeShutOff     Type = "SHUT_OFF"
	TypeSetMode     Type = "SET_MODE"
)

// DefaultTypes lists the command types accepted out of the box.
func DefaultTypes() []Type {
	return []Type{TypeOpenValve, TypeCloseValve, TypeSetValve, TypeSetFlowRate, TypeShutOff, TypeSetMode}
}

// Command is an asynchronous action queued for a polling device.
type Command struct {
	ID            int64           `json:"id"`
	DeviceID      int64           `json:"deviceId"`
	RequestedBy   int64           `json:"requestedByUserId"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	CorrelationID string          `json:"correlationId"`
	RequestedAt   time.Time       `json:"requestedAt"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	AckAt         *time.Time      `json:"ackAt,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// Transition describes a conditional status change.
type Transition struct {
	From   []Status
	To     Status
	At     time.Time
	Reason string
}

// Repository is the durable command table.
// Lookups return nil, nil when nothing matches.
type Repository interface {
	// Create inserts a PENDING command and assigns its id. A duplicate correlation id wraps errs.ErrConflict.
	Create(ctx context.Context, cmd *Command) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*Command, error)
	// ClaimPending atomically moves every PENDING command of the device to SENT, oldest first.
	ClaimPending(ctx context.Context, deviceID int64, sentAt time.Time) ([]Command, error)
	// Apply performs the transition only if the current status is in t.From and returns the updated
	// command, or nil when the status did not match.
	Apply(ctx context.Context, correlationID string, t Transition) (*Command, error)
	// ListStale lists commands in status whose state timestamp (requested_at for PENDING,
	// sent_at for SENT) is older than before.
	ListStale(ctx context.Context, status Status, before time.Time) ([]Command, error)
	// ListByDevice lists a device's commands newest first, optionally filtered by status.
	ListByDevice(ctx context.Context, deviceID int64, status *Status) ([]Command, error)
}
