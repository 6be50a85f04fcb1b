package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// InferenceEvent is a water-usage event classified on the device edge model.
type InferenceEvent struct {
	ID                int64           `json:"id"`
	DeviceID          int64           `json:"deviceId"`
	DeviceUID         string          `json:"deviceUid"`
	ModelName         string          `json:"modelName,omitempty"`
	ModelVersion      string          `json:"modelVersion,omitempty"`
	EventStart        time.Time       `json:"eventStartTs"`
	EventEnd          time.Time       `json:"eventEndTs"`
	DurationSec       float64         `json:"durationSec"`
	Liters            float64         `json:"liters"`
	MeanFlowLPM       *float64        `json:"meanFlowLpm,omitempty"`
	MaxFlowLPM        *float64        `json:"maxFlowLpm,omitempty"`
	PredictedFixture  string          `json:"predictedFixture"`
	Confidence        float64         `json:"confidence"`
	DecidedValveState *ValveState     `json:"decidedValveState,omitempty"`
	ControlProfile    string          `json:"controlProfile,omitempty"`
	DecisionReason    string          `json:"decisionReason,omitempty"`
	Features          json.RawMessage `json:"featuresJson,omitempty"`
	RawEvent          json.RawMessage `json:"rawEventJson,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// InferenceRepository stores inference events. Listings are ordered by event start, newest first.
type InferenceRepository interface {
	Insert(ctx context.Context, event *InferenceEvent) error
	ListRecent(ctx context.Context, deviceID int64, limit int) ([]InferenceEvent, error)
	// ListRange returns events starting in [from, to).
	ListRange(ctx context.Context, deviceID int64, from, to time.Time) ([]InferenceEvent, error)
}
