package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	commands "water-cloud/internal/commands/domain"
	"water-cloud/internal/errs"
)

// CommandRepository is an in-process command table. A single mutex serializes every
// transition, which gives the same claim and conditional-update guarantees as the SQL store.
type CommandRepository struct {
	mu     sync.Mutex
	nextID int64
	byCID  map[string]*commands.Command
}

// NewCommandRepository constructs an empty store.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{byCID: make(map[string]*commands.Command)}
}

func (r *CommandRepository) Create(_ context.Context, cmd *commands.Command) error {
	if cmd == nil {
		return fmt.Errorf("command repo: nil command")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCID[cmd.CorrelationID]; exists {
		return fmt.Errorf("command repo: duplicate correlation id %s: %w", cmd.CorrelationID, errs.ErrConflict)
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = json.RawMessage("{}")
	}
	r.nextID++
	cmd.ID = r.nextID
	stored := clone(*cmd)
	r.byCID[cmd.CorrelationID] = &stored
	return nil
}

func (r *CommandRepository) GetByCorrelationID(_ context.Context, correlationID string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byCID[correlationID]
	if !ok {
		return nil, nil
	}
	out := clone(*cmd)
	return &out, nil
}

func (r *CommandRepository) ClaimPending(_ context.Context, deviceID int64, sentAt time.Time) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []commands.Command
	for _, cmd := range r.byCID {
		if cmd.DeviceID != deviceID || cmd.Status != commands.StatusPending {
			continue
		}
		at := sentAt.UTC()
		cmd.Status = commands.StatusSent
		cmd.SentAt = &at
		claimed = append(claimed, clone(*cmd))
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].RequestedAt.Equal(claimed[j].RequestedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].RequestedAt.Before(claimed[j].RequestedAt)
	})
	return claimed, nil
}

func (r *CommandRepository) Apply(_ context.Context, correlationID string, t commands.Transition) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byCID[correlationID]
	if !ok || !statusIn(cmd.Status, t.From) {
		return nil, nil
	}
	at := t.At.UTC()
	cmd.Status = t.To
	switch t.To {
	case commands.StatusSent:
		cmd.SentAt = &at
	case commands.StatusAck:
		cmd.AckAt = &at
	case commands.StatusFailed, commands.StatusExpired:
		cmd.FailureReason = t.Reason
	}
	out := clone(*cmd)
	return &out, nil
}

func (r *CommandRepository) ListStale(_ context.Context, status commands.Status, before time.Time) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.byCID {
		if cmd.Status != status {
			continue
		}
		since := cmd.RequestedAt
		if status == commands.StatusSent {
			if cmd.SentAt == nil {
				continue
			}
			since = *cmd.SentAt
		}
		if since.Before(before) {
			result = append(result, clone(*cmd))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *CommandRepository) ListByDevice(_ context.Context, deviceID int64, status *commands.Status) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.byCID {
		if cmd.DeviceID != deviceID {
			continue
		}
		if status != nil && cmd.Status != *status {
			continue
		}
		result = append(result, clone(*cmd))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})
	return result, nil
}

func statusIn(status commands.Status, set []commands.Status) bool {
	for _, candidate := range set {
		if candidate == status {
			return true
		}
	}
	return false
}

func clone(cmd commands.Command) commands.Command {
	if cmd.Payload != nil {
		cmd.Payload = append(json.RawMessage(nil), cmd.Payload...)
	}
	if cmd.SentAt != nil {
		at := *cmd.SentAt
		cmd.SentAt = &at
	}
	if cmd.AckAt != nil {
		at := *cmd.AckAt
		cmd.AckAt = &at
	}
	return cmd
}
