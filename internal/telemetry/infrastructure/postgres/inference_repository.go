package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	telemetry "water-cloud/internal/telemetry/domain"
)

const inferenceColumns = `i.id, i.device_id, d.uid, i.model_name, i.model_version, i.event_start_ts, i.event_end_ts,
	i.duration_sec, i.liters, i.mean_flow_lpm, i.max_flow_lpm, i.predicted_fixture, i.confidence,
	i.decided_valve_state, i.control_profile, i.decision_reason, i.features_json, i.raw_event_json, i.created_at`

// InferenceRepository stores edge inference events in Postgres.
type InferenceRepository struct {
	db *sql.DB
}

// NewInferenceRepository constructs a repository.
func NewInferenceRepository(db *sql.DB) *InferenceRepository {
	return &InferenceRepository{db: db}
}

// Insert writes an event and fills its id.
func (r *InferenceRepository) Insert(ctx context.Context, event *telemetry.InferenceEvent) error {
	if r == nil || r.db == nil {
		return errors.New("inference repo: nil db")
	}
	if event == nil {
		return errors.New("inference repo: nil event")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	var valve sql.NullString
	if event.DecidedValveState != nil {
		valve = sql.NullString{String: string(*event.DecidedValveState), Valid: true}
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO inference_events (
	device_id, model_name, model_version, event_start_ts, event_end_ts, duration_sec, liters,
	mean_flow_lpm, max_flow_lpm, predicted_fixture, confidence, decided_valve_state,
	control_profile, decision_reason, features_json, raw_event_json, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
)
RETURNING id`,
		event.DeviceID, nullString(event.ModelName), nullString(event.ModelVersion),
		event.EventStart.UTC(), event.EventEnd.UTC(), event.DurationSec, event.Liters,
		nullFloat(event.MeanFlowLPM), nullFloat(event.MaxFlowLPM), event.PredictedFixture, event.Confidence,
		valve, nullString(event.ControlProfile), nullString(event.DecisionReason),
		nullJSON(event.Features), nullJSON(event.RawEvent), event.CreatedAt,
	).Scan(&event.ID)
}

// ListRecent returns the newest events of a device.
func (r *InferenceRepository) ListRecent(ctx context.Context, deviceID int64, limit int) ([]telemetry.InferenceEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("inference repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+inferenceColumns+`
FROM inference_events i
JOIN devices d ON d.id = i.device_id
WHERE i.device_id = $1
ORDER BY i.event_start_ts DESC, i.id DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return collectInferences(rows)
}

// ListRange returns events of a device starting in [from, to), newest first.
func (r *InferenceRepository) ListRange(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.InferenceEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("inference repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+inferenceColumns+`
FROM inference_events i
JOIN devices d ON d.id = i.device_id
WHERE i.device_id = $1 AND i.event_start_ts >= $2 AND i.event_start_ts < $3
ORDER BY i.event_start_ts DESC, i.id DESC`, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return collectInferences(rows)
}

func collectInferences(rows *sql.Rows) ([]telemetry.InferenceEvent, error) {
	defer rows.Close()
	result := make([]telemetry.InferenceEvent, 0)
	for rows.Next() {
		var (
			event                                    telemetry.InferenceEvent
			modelName, modelVersion, profile, reason sql.NullString
			valve                                    sql.NullString
			meanFlow, maxFlow                        sql.NullFloat64
			features, raw                            []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.DeviceID,
			&event.DeviceUID,
			&modelName,
			&modelVersion,
			&event.EventStart,
			&event.EventEnd,
			&event.DurationSec,
			&event.Liters,
			&meanFlow,
			&maxFlow,
			&event.PredictedFixture,
			&event.Confidence,
			&valve,
			&profile,
			&reason,
			&features,
			&raw,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.ModelName = modelName.String
		event.ModelVersion = modelVersion.String
		event.EventStart = event.EventStart.UTC()
		event.EventEnd = event.EventEnd.UTC()
		event.CreatedAt = event.CreatedAt.UTC()
		event.MeanFlowLPM = floatPtr(meanFlow)
		event.MaxFlowLPM = floatPtr(maxFlow)
		if valve.Valid {
			event.DecidedValveState = telemetry.ParseValveState(valve.String)
		}
		event.ControlProfile = profile.String
		event.DecisionReason = reason.String
		if len(features) > 0 {
			event.Features = features
		}
		if len(raw) > 0 {
			event.RawEvent = raw
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullJSON(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
