package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	telemetry "water-cloud/internal/telemetry/domain"
)

const readingColumns = `id, device_id, ts, flow_rate_lpm, volume_liters_delta, volume_liters_total,
	valve_state, battery_pct, signal_rssi, raw_payload_json, created_at`

// ReadingRepository stores readings in Postgres.
type ReadingRepository struct {
	db *sql.DB
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// Insert writes a reading and fills its id.
func (r *ReadingRepository) Insert(ctx context.Context, reading *telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if reading == nil {
		return errors.New("reading repo: nil reading")
	}
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now().UTC()
	}
	var valve sql.NullString
	if reading.ValveState != nil {
		valve = sql.NullString{String: string(*reading.ValveState), Valid: true}
	}
	var raw any
	if len(reading.RawPayload) > 0 {
		raw = []byte(reading.RawPayload)
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO readings (
	device_id, ts, flow_rate_lpm, volume_liters_delta, volume_liters_total,
	valve_state, battery_pct, signal_rssi, raw_payload_json, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
RETURNING id`,
		reading.DeviceID, reading.TS.UTC(), nullFloat(reading.FlowRateLPM), nullFloat(reading.VolumeDeltaL),
		nullFloat(reading.VolumeTotalL), valve, nullInt(reading.BatteryPct), nullInt(reading.SignalRSSI),
		raw, reading.CreatedAt,
	).Scan(&reading.ID)
}

// SumVolume sums volume deltas for a device in [from, to).
func (r *ReadingRepository) SumVolume(ctx context.Context, deviceID int64, from, to time.Time) (float64, bool, error) {
	if r == nil || r.db == nil {
		return 0, false, errors.New("reading repo: nil db")
	}
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT SUM(volume_liters_delta)
FROM readings
WHERE device_id = $1 AND ts >= $2 AND ts < $3`, deviceID, from.UTC(), to.UTC()).Scan(&total)
	if err != nil {
		return 0, false, err
	}
	return total.Float64, total.Valid, nil
}

// ListRecent returns the newest readings of a device.
func (r *ReadingRepository) ListRecent(ctx context.Context, deviceID int64, limit int) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+readingColumns+`
FROM readings
WHERE device_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// ListRange returns readings of a device with ts in [from, to), newest first.
func (r *ReadingRepository) ListRange(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+readingColumns+`
FROM readings
WHERE device_id = $1 AND ts >= $2 AND ts < $3
ORDER BY ts DESC, id DESC`, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

func collectReadings(rows *sql.Rows) ([]telemetry.Reading, error) {
	defer rows.Close()
	result := make([]telemetry.Reading, 0)
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanReading(rows *sql.Rows) (telemetry.Reading, error) {
	var (
		reading            telemetry.Reading
		flow, delta, total sql.NullFloat64
		valve              sql.NullString
		battery, rssi      sql.NullInt64
		raw                []byte
	)
	if err := rows.Scan(
		&reading.ID,
		&reading.DeviceID,
		&reading.TS,
		&flow,
		&delta,
		&total,
		&valve,
		&battery,
		&rssi,
		&raw,
		&reading.CreatedAt,
	); err != nil {
		return telemetry.Reading{}, err
	}
	reading.TS = reading.TS.UTC()
	reading.CreatedAt = reading.CreatedAt.UTC()
	reading.FlowRateLPM = floatPtr(flow)
	reading.VolumeDeltaL = floatPtr(delta)
	reading.VolumeTotalL = floatPtr(total)
	if valve.Valid {
		reading.ValveState = telemetry.ParseValveState(valve.String)
	}
	reading.BatteryPct = intPtr(battery)
	reading.SignalRSSI = intPtr(rssi)
	if len(raw) > 0 {
		reading.RawPayload = raw
	}
	return reading, nil
}

func floatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}
