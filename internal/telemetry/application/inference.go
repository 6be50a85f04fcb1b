package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"water-cloud/internal/auth"
	devices "water-cloud/internal/devices/domain"
	"water-cloud/internal/errs"
	telemetry "water-cloud/internal/telemetry/domain"
)

const (
	DefaultInferenceLimit = 50
	MaxInferenceLimit     = 500
)

// InferenceRequest is a classified usage event posted by a device.
type InferenceRequest struct {
	DeviceUID         string          `json:"deviceUid" validate:"required"`
	APIKey            string          `json:"apiKey" validate:"required"`
	ModelName         string          `json:"modelName" validate:"max=64"`
	ModelVersion      string          `json:"modelVersion" validate:"max=32"`
	EventStart        string          `json:"eventStart" validate:"required"`
	EventEnd          string          `json:"eventEnd" validate:"required"`
	DurationSec       *float64        `json:"durationSec" validate:"required,gte=0"`
	Liters            *float64        `json:"liters" validate:"required,gte=0"`
	MeanFlowLPM       *float64        `json:"meanFlowLpm" validate:"omitempty,gte=0"`
	MaxFlowLPM        *float64        `json:"maxFlowLpm" validate:"omitempty,gte=0"`
	PredictedFixture  string          `json:"predictedFixture" validate:"required,max=64"`
	Confidence        *float64        `json:"confidence" validate:"required,gte=0,lte=1"`
	DecidedValveState string          `json:"decidedValveState"`
	ControlProfile    string          `json:"controlProfile" validate:"max=32"`
	DecisionReason    string          `json:"decisionReason" validate:"max=255"`
	Features          json.RawMessage `json:"featuresJson"`
	RawEvent          json.RawMessage `json:"rawEventJson"`
}

// InferenceService stores edge inference events and lists them for device owners.
type InferenceService struct {
	events   telemetry.InferenceRepository
	devices  devices.Repository
	validate *validator.Validate
	logger   *zap.Logger
}

// NewInferenceService constructs the service. logger may be nil.
func NewInferenceService(eventRepo telemetry.InferenceRepository, deviceRepo devices.Repository, logger *zap.Logger) (*InferenceService, error) {
	if eventRepo == nil {
		return nil, errors.New("inference: nil event repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("inference: nil device repository")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceService{
		events:   eventRepo,
		devices:  deviceRepo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, nil
}

// Ingest authenticates the device by API key and stores the event.
func (s *InferenceService) Ingest(ctx context.Context, req InferenceRequest) (*telemetry.InferenceEvent, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("inference: %s: %w", describeValidation(err), errs.ErrValidation)
	}
	start, err := ParseTimestamp(req.EventStart)
	if err != nil {
		return nil, fmt.Errorf("inference: eventStart %q: %w", req.EventStart, errs.ErrValidation)
	}
	end, err := ParseTimestamp(req.EventEnd)
	if err != nil {
		return nil, fmt.Errorf("inference: eventEnd %q: %w", req.EventEnd, errs.ErrValidation)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("inference: eventEnd before eventStart: %w", errs.ErrValidation)
	}

	device, err := s.devices.GetByUID(ctx, req.DeviceUID)
	if err != nil {
		return nil, fmt.Errorf("inference: load device: %w", err)
	}
	if device == nil || !auth.DeviceKeyMatches(device.APIKey, req.APIKey) {
		return nil, fmt.Errorf("inference: invalid device credentials: %w", errs.ErrUnauthorized)
	}

	event := &telemetry.InferenceEvent{
		DeviceID:          device.ID,
		DeviceUID:         device.UID,
		ModelName:         req.ModelName,
		ModelVersion:      req.ModelVersion,
		EventStart:        start,
		EventEnd:          end,
		DurationSec:       *req.DurationSec,
		Liters:            *req.Liters,
		MeanFlowLPM:       req.MeanFlowLPM,
		MaxFlowLPM:        req.MaxFlowLPM,
		PredictedFixture:  req.PredictedFixture,
		Confidence:        *req.Confidence,
		DecidedValveState: telemetry.ParseValveState(req.DecidedValveState),
		ControlProfile:    req.ControlProfile,
		DecisionReason:    req.DecisionReason,
		Features:          req.Features,
		RawEvent:          req.RawEvent,
	}
	if err := s.events.Insert(ctx, event); err != nil {
		return nil, fmt.Errorf("inference: insert event: %w", err)
	}
	s.logger.Debug("inference stored",
		zap.Int64("device_id", device.ID),
		zap.String("fixture", event.PredictedFixture),
		zap.Int64("event_id", event.ID),
	)
	return event, nil
}

// List returns events newest first: the range [from, to) when both are set, else the latest limit.
func (s *InferenceService) List(ctx context.Context, actor auth.Actor, deviceID int64, from, to *time.Time, limit int) ([]telemetry.InferenceEvent, error) {
	if _, err := authorizeDevice(ctx, s.devices, actor, deviceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultInferenceLimit
	}
	if limit > MaxInferenceLimit {
		limit = MaxInferenceLimit
	}

	var (
		list []telemetry.InferenceEvent
		err  error
	)
	switch {
	case from == nil && to == nil:
		list, err = s.events.ListRecent(ctx, deviceID, limit)
	case from != nil && to != nil:
		if err := validateRange(*from, *to); err != nil {
			return nil, err
		}
		list, err = s.events.ListRange(ctx, deviceID, *from, *to)
	default:
		return nil, fmt.Errorf("inference: from and to must be given together: %w", errs.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("inference: list events: %w", err)
	}
	if list == nil {
		list = []telemetry.InferenceEvent{}
	}
	return list, nil
}
