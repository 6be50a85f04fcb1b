package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	devices "water-cloud/internal/devices/domain"
)

const deviceColumns = `id, uid, name, owner_id, api_key, last_seen_at, status`

// DeviceRepository reads and touches devices in Postgres.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetByID fetches a device by numeric id.
func (r *DeviceRepository) GetByID(ctx context.Context, id int64) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE id = $1`, id)
	return scanDevice(row)
}

// GetByUID fetches a device by its hardware uid.
func (r *DeviceRepository) GetByUID(ctx context.Context, uid string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE uid = $1`, uid)
	return scanDevice(row)
}

// TouchLastSeen records device liveness.
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE devices
SET last_seen_at = $2,
	status = CASE WHEN status = $3 THEN $4 ELSE status END
WHERE id = $1`, id, at.UTC(), string(devices.StatusInactive), string(devices.StatusActive))
	return err
}

// ListSilentSince lists owned devices not seen since before.
func (r *DeviceRepository) ListSilentSince(ctx context.Context, before time.Time) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE owner_id IS NOT NULL AND last_seen_at IS NOT NULL AND last_seen_at < $1
ORDER BY id ASC`, before.UTC())
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

// ListOwned lists every device with an owner.
func (r *DeviceRepository) ListOwned(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE owner_id IS NOT NULL
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

func collectDevices(rows *sql.Rows) ([]devices.Device, error) {
	defer rows.Close()
	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var device devices.Device
	var ownerID sql.NullInt64
	var apiKey sql.NullString
	var lastSeen sql.NullTime
	var status string
	if err := row.Scan(
		&device.ID,
		&device.UID,
		&device.Name,
		&ownerID,
		&apiKey,
		&lastSeen,
		&status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ownerID.Valid {
		owner := ownerID.Int64
		device.OwnerID = &owner
	}
	device.APIKey = apiKey.String
	if lastSeen.Valid {
		seen := lastSeen.Time.UTC()
		device.LastSeenAt = &seen
	}
	device.Status = devices.Status(status)
	return &device, nil
}
