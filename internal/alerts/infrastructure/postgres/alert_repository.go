package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "water-cloud/internal/alerts/domain"
)

const alertColumns = `id, device_id, user_id, severity, type, message, ts, is_read`

// AlertRepository is a Postgres implementation for alerts.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfNoneSince inserts the alert unless a same-type alert for the device exists since the
// given time. A transaction-scoped advisory lock on the (device, type) key serializes concurrent
// callers, and is released on commit or rollback.
func (r *AlertRepository) CreateIfNoneSince(ctx context.Context, alert *alerts.Alert, since time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	if alert == nil {
		return false, errors.New("alert repo: nil alert")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		alerts.DedupKey(alert.DeviceID, alert.Type)); err != nil {
		_ = tx.Rollback()
		return false, err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM alerts
	WHERE device_id = $1 AND type = $2 AND ts >= $3
)`, alert.DeviceID, string(alert.Type), since.UTC()).Scan(&exists); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if exists {
		_ = tx.Rollback()
		return false, nil
	}

	if err := insertAlert(ctx, tx, alert); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Create inserts an alert without dedup.
func (r *AlertRepository) Create(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert == nil {
		return errors.New("alert repo: nil alert")
	}
	return insertAlert(ctx, r.db, alert)
}

// GetByID fetches an alert.
func (r *AlertRepository) GetByID(ctx context.Context, id int64) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE id = $1`, id)
	return scanAlert(row)
}

// MarkRead flags an alert read if it belongs to userID.
func (r *AlertRepository) MarkRead(ctx context.Context, id, userID int64) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE alerts
SET is_read = TRUE
WHERE id = $1 AND user_id = $2
RETURNING `+alertColumns, id, userID)
	return scanAlert(row)
}

// MarkAllRead flags every unread alert of the user.
func (r *AlertRepository) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alert repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET is_read = TRUE
WHERE user_id = $1 AND is_read = FALSE`, userID)
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}

// ListByUser lists a user's alerts newest first.
func (r *AlertRepository) ListByUser(ctx context.Context, userID int64, isRead *bool, limit int) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	var (
		rows *sql.Rows
		err  error
	)
	if isRead != nil {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE user_id = $1 AND is_read = $2
ORDER BY ts DESC, id DESC
LIMIT $3`, userID, *isRead, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE user_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountUnread counts a user's unread alerts.
func (r *AlertRepository) CountUnread(ctx context.Context, userID int64) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alert repo: nil db")
	}
	var count int64
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM alerts
WHERE user_id = $1 AND is_read = FALSE`, userID).Scan(&count)
	return count, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAlert(ctx context.Context, q queryRower, alert *alerts.Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	return q.QueryRowContext(ctx, `
INSERT INTO alerts (
	device_id, user_id, severity, type, message, ts, is_read
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
RETURNING id`, alert.DeviceID, alert.UserID, string(alert.Severity), string(alert.Type), alert.Message,
		alert.Timestamp.UTC(), alert.IsRead).Scan(&alert.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alerts.Alert, error) {
	var alert alerts.Alert
	var severity, alertType string
	if err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&alert.UserID,
		&severity,
		&alertType,
		&alert.Message,
		&alert.Timestamp,
		&alert.IsRead,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	alert.Severity = alerts.Severity(severity)
	alert.Type = alerts.Type(alertType)
	alert.Timestamp = alert.Timestamp.UTC()
	return &alert, nil
}
