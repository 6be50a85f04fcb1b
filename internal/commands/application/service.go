package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"water-cloud/internal/auth"
	commands "water-cloud/internal/commands/domain"
	devices "water-cloud/internal/devices/domain"
	"water-cloud/internal/errs"
	"water-cloud/internal/observability/metrics"
)

const (
	defaultExpiry       = 30 * time.Minute
	correlationIDPrefix = "cmd_"
)

// FailureObserver is told about commands a device reported as failed.
type FailureObserver interface {
	CommandFailed(ctx context.Context, deviceID int64, correlationID, reason string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service is the command dispatcher: enqueue, poll, acknowledge and expiry.
type Service struct {
	commands    commands.Repository
	devices     devices.Repository
	observer    FailureObserver
	clock       Clock
	logger      *zap.Logger
	newID       func() string
	types       map[commands.Type]struct{}
	expiry      time.Duration
	sentTimeout time.Duration
	strictAck   bool
}

// ServiceOption customizes the dispatcher.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFailureObserver registers an observer for failed commands.
func WithFailureObserver(observer FailureObserver) ServiceOption {
	return func(s *Service) {
		s.observer = observer
	}
}

// WithExpiry overrides the PENDING timeout.
func WithExpiry(expiry time.Duration) ServiceOption {
	return func(s *Service) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// WithSentTimeout expires SENT commands not acknowledged within timeout. Zero disables it.
func WithSentTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout >= 0 {
			s.sentTimeout = timeout
		}
	}
}

// WithStrictAck rejects acknowledgements for commands that were never polled.
func WithStrictAck(strict bool) ServiceOption {
	return func(s *Service) {
		s.strictAck = strict
	}
}

// WithCommandTypes replaces the accepted command types.
func WithCommandTypes(types ...commands.Type) ServiceOption {
	return func(s *Service) {
		if len(types) == 0 {
			return
		}
		s.types = make(map[commands.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs a command dispatcher.
func NewService(commandRepo commands.Repository, deviceRepo devices.Repository, opts ...ServiceOption) (*Service, error) {
	if commandRepo == nil {
		return nil, errors.New("commands: nil command repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("commands: nil device repository")
	}
	service := &Service{
		commands: commandRepo,
		devices:  deviceRepo,
		clock:    systemClock{},
		logger:   zap.NewNop(),
		newID:    newCorrelationID,
		expiry:   defaultExpiry,
	}
	WithCommandTypes(commands.DefaultTypes()...)(service)
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Expiry returns the PENDING timeout.
func (s *Service) Expiry() time.Duration {
	return s.expiry
}

// Enqueue queues a command for a device on behalf of actor.
func (s *Service) Enqueue(ctx context.Context, actor auth.Actor, deviceID int64, cmdType commands.Type, payload json.RawMessage) (*commands.Command, error) {
	if s == nil {
		return nil, errors.New("commands: nil service")
	}
	device, err := s.authorizeDevice(ctx, actor, deviceID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.types[cmdType]; !ok {
		return nil, fmt.Errorf("commands: unknown command type %q: %w", cmdType, errs.ErrValidation)
	}
	payload, err = normalizePayload(payload)
	if err != nil {
		return nil, err
	}

	cmd := &commands.Command{
		DeviceID:      device.ID,
		RequestedBy:   actor.UserID,
		Type:          cmdType,
		Payload:       payload,
		Status:        commands.StatusPending,
		CorrelationID: s.newID(),
		RequestedAt:   s.clock.Now().UTC(),
	}
	if cmd.CorrelationID == "" {
		return nil, fmt.Errorf("commands: empty correlation id: %w", errs.ErrValidation)
	}
	if err := s.commands.Create(ctx, cmd); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			s.logger.Error("correlation id collision", zap.String("correlation_id", cmd.CorrelationID), zap.Error(err))
		}
		return nil, fmt.Errorf("commands: create: %w", err)
	}
	metrics.IncCommandEnqueued()
	s.logger.Info("command enqueued",
		zap.Int64("device_id", cmd.DeviceID),
		zap.Int64("requested_by", cmd.RequestedBy),
		zap.String("type", string(cmd.Type)),
		zap.String("correlation_id", cmd.CorrelationID),
	)
	return cmd, nil
}

// ListCommands returns a device's commands newest first.
func (s *Service) ListCommands(ctx context.Context, actor auth.Actor, deviceID int64, status *commands.Status) ([]commands.Command, error) {
	if s == nil {
		return nil, errors.New("commands: nil service")
	}
	if _, err := s.authorizeDevice(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	list, err := s.commands.ListByDevice(ctx, deviceID, status)
	if err != nil {
		return nil, fmt.Errorf("commands: list: %w", err)
	}
	return list, nil
}

// Poll claims every pending command of the device, oldest first, and returns them as SENT.
func (s *Service) Poll(ctx context.Context, deviceUID, apiKey string) ([]commands.Command, error) {
	if s == nil {
		return nil, errors.New("commands: nil service")
	}
	device, err := s.devices.GetByUID(ctx, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("commands: load device: %w", err)
	}
	// Unknown device and wrong key are indistinguishable to the caller.
	if device == nil || !auth.DeviceKeyMatches(device.APIKey, apiKey) {
		return nil, fmt.Errorf("commands: invalid device credentials: %w", errs.ErrUnauthorized)
	}
	claimed, err := s.commands.ClaimPending(ctx, device.ID, s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("commands: claim: %w", err)
	}
	if len(claimed) > 0 {
		metrics.AddCommandsPolled(len(claimed))
		s.logger.Debug("commands delivered", zap.Int64("device_id", device.ID), zap.Int("count", len(claimed)))
	}
	if claimed == nil {
		claimed = []commands.Command{}
	}
	return claimed, nil
}

// Acknowledge records the device-reported outcome of a command.
// A command already in a terminal state is left untouched and ErrConflict is returned.
func (s *Service) Acknowledge(ctx context.Context, correlationID string, success bool, message string) (*commands.Command, error) {
	if s == nil {
		return nil, errors.New("commands: nil service")
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, fmt.Errorf("commands: correlation id required: %w", errs.ErrValidation)
	}

	transition := commands.Transition{
		From: []commands.Status{commands.StatusSent, commands.StatusPending},
		To:   commands.StatusAck,
		At:   s.clock.Now().UTC(),
	}
	if s.strictAck {
		transition.From = []commands.Status{commands.StatusSent}
	}
	if !success {
		transition.To = commands.StatusFailed
		transition.Reason = message
	}

	updated, err := s.commands.Apply(ctx, correlationID, transition)
	if err != nil {
		return nil, fmt.Errorf("commands: ack %s: %w", correlationID, err)
	}
	if updated == nil {
		return nil, s.rejectAck(ctx, correlationID)
	}

	metrics.AddCommandResults(string(updated.Status), 1)
	s.logger.Info("command acknowledged",
		zap.String("correlation_id", correlationID),
		zap.String("status", string(updated.Status)),
	)
	if updated.Status == commands.StatusFailed {
		s.reportFailure(ctx, *updated)
	}
	return updated, nil
}

// ExpirySweep expires PENDING commands older than the expiry timeout and, when enabled,
// SENT commands never acknowledged. Per-command failures are logged and skipped.
func (s *Service) ExpirySweep(ctx context.Context) (int, error) {
	if s == nil {
		return 0, errors.New("commands: nil service")
	}
	now := s.clock.Now().UTC()
	expired, err := s.expireStale(ctx, commands.StatusPending, now.Add(-s.expiry), now,
		fmt.Sprintf("Command expired after %d minutes", int(s.expiry/time.Minute)))
	if err != nil {
		return expired, err
	}
	if s.sentTimeout > 0 {
		count, err := s.expireStale(ctx, commands.StatusSent, now.Add(-s.sentTimeout), now,
			fmt.Sprintf("Command not acknowledged within %d minutes of delivery", int(s.sentTimeout/time.Minute)))
		expired += count
		if err != nil {
			return expired, err
		}
	}
	metrics.AddCommandResults(string(commands.StatusExpired), expired)
	return expired, nil
}

func (s *Service) expireStale(ctx context.Context, status commands.Status, before, now time.Time, reason string) (int, error) {
	stale, err := s.commands.ListStale(ctx, status, before)
	if err != nil {
		return 0, fmt.Errorf("commands: list stale %s: %w", status, err)
	}
	expired := 0
	for _, cmd := range stale {
		updated, err := s.commands.Apply(ctx, cmd.CorrelationID, commands.Transition{
			From:   []commands.Status{status},
			To:     commands.StatusExpired,
			At:     now,
			Reason: reason,
		})
		if err != nil {
			s.logger.Warn("expire command failed", zap.String("correlation_id", cmd.CorrelationID), zap.Error(err))
			continue
		}
		if updated == nil {
			// moved on since it was listed
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("commands expired", zap.String("from", string(status)), zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) rejectAck(ctx context.Context, correlationID string) error {
	current, err := s.commands.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("commands: load %s: %w", correlationID, err)
	}
	if current == nil {
		return fmt.Errorf("commands: command %s: %w", correlationID, errs.ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("commands: command %s already %s: %w", correlationID, current.Status, errs.ErrConflict)
	}
	return fmt.Errorf("commands: command %s not yet delivered: %w", correlationID, errs.ErrConflict)
}

func (s *Service) reportFailure(ctx context.Context, cmd commands.Command) {
	if s.observer == nil {
		return
	}
	if err := s.observer.CommandFailed(ctx, cmd.DeviceID, cmd.CorrelationID, cmd.FailureReason); err != nil {
		s.logger.Warn("command failure observer", zap.String("correlation_id", cmd.CorrelationID), zap.Error(err))
	}
}

func (s *Service) authorizeDevice(ctx context.Context, actor auth.Actor, deviceID int64) (*devices.Device, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("commands: load device: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("commands: device %d: %w", deviceID, errs.ErrNotFound)
	}
	if !actor.CanControl(device.OwnerID) {
		return nil, fmt.Errorf("commands: device %d: %w", deviceID, errs.ErrForbidden)
	}
	return device, nil
}

func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("commands: payload must be a JSON object: %w", errs.ErrValidation)
	}
	return json.RawMessage(trimmed), nil
}

func newCorrelationID() string {
	return correlationIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
