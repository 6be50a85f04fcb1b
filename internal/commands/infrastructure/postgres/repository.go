package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	commands "water-cloud/internal/commands/domain"
	"water-cloud/internal/errs"
)

const (
	commandColumns = `id, device_id, requested_by, type, payload, status, correlation_id,
	requested_at, sent_at, ack_at, failure_reason`

	uniqueViolation = "23505"
)

// CommandRepository is a Postgres implementation for commands.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	err := r.db.QueryRowContext(ctx, `
INSERT INTO commands (
	device_id, requested_by, type, payload, status, correlation_id, requested_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
RETURNING id`, cmd.DeviceID, cmd.RequestedBy, string(cmd.Type), []byte(payload), string(cmd.Status),
		cmd.CorrelationID, cmd.RequestedAt.UTC()).Scan(&cmd.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("command repo: duplicate correlation id %s: %w", cmd.CorrelationID, errs.ErrConflict)
		}
		return err
	}
	cmd.Payload = payload
	return nil
}

// GetByCorrelationID fetches a command by correlation id.
func (r *CommandRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE correlation_id = $1`, correlationID)
	return scanCommand(row)
}

// ClaimPending marks all pending commands of a device as sent in one statement.
// Concurrent claims skip rows locked by each other, so each row is returned to one caller.
func (r *CommandRepository) ClaimPending(ctx context.Context, deviceID int64, sentAt time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
UPDATE commands
SET status = $1, sent_at = $2
WHERE id IN (
	SELECT id
	FROM commands
	WHERE device_id = $3 AND status = $4
	ORDER BY requested_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
)
RETURNING `+commandColumns, string(commands.StatusSent), sentAt.UTC(), deviceID, string(commands.StatusPending))
	if err != nil {
		return nil, err
	}
	list, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sortByRequestedAt(list)
	return list, nil
}

// Apply performs a conditional status transition.
func (r *CommandRepository) Apply(ctx context.Context, correlationID string, t commands.Transition) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if len(t.From) == 0 {
		return nil, errors.New("command repo: empty source states")
	}
	args := []any{correlationID, string(t.To), t.At.UTC()}
	var reason sql.NullString
	if t.Reason != "" {
		reason = sql.NullString{String: t.Reason, Valid: true}
	}
	args = append(args, reason)
	placeholders := make([]string, 0, len(t.From))
	for _, from := range t.From {
		args = append(args, string(from))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}

	switch t.To {
	case commands.StatusSent, commands.StatusAck, commands.StatusFailed, commands.StatusExpired:
	default:
		return nil, fmt.Errorf("command repo: unsupported target status %s", t.To)
	}

	row := r.db.QueryRowContext(ctx, `
UPDATE commands
SET status = $2,
	sent_at = CASE WHEN $2 = 'SENT' THEN $3 ELSE sent_at END,
	ack_at = CASE WHEN $2 = 'ACK' THEN $3 ELSE ack_at END,
	failure_reason = CASE WHEN $2 IN ('FAILED', 'EXPIRED') THEN $4 ELSE failure_reason END
WHERE correlation_id = $1 AND status IN (`+strings.Join(placeholders, ", ")+`)
RETURNING `+commandColumns, args...)
	return scanCommand(row)
}

// ListStale lists commands stuck in a status since before.
func (r *CommandRepository) ListStale(ctx context.Context, status commands.Status, before time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	column := "requested_at"
	if status == commands.StatusSent {
		column = "sent_at"
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE status = $1 AND `+column+` < $2
ORDER BY `+column+` ASC`, string(status), before.UTC())
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

// ListByDevice lists commands for a device, newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID int64, status *commands.Status) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE device_id = $1 AND status = $2
ORDER BY requested_at DESC, id DESC`, deviceID, string(*status))
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE device_id = $1
ORDER BY requested_at DESC, id DESC`, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return collectCommands(rows)
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	defer rows.Close()
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func sortByRequestedAt(list []commands.Command) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].RequestedAt.Equal(list[j].RequestedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].RequestedAt.Before(list[j].RequestedAt)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var cmdType, status string
	var payload []byte
	var sentAt sql.NullTime
	var ackAt sql.NullTime
	var reason sql.NullString
	if err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.RequestedBy,
		&cmdType,
		&payload,
		&status,
		&cmd.CorrelationID,
		&cmd.RequestedAt,
		&sentAt,
		&ackAt,
		&reason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Type = commands.Type(cmdType)
	cmd.Status = commands.Status(status)
	cmd.Payload = payload
	cmd.RequestedAt = cmd.RequestedAt.UTC()
	if sentAt.Valid {
		at := sentAt.Time.UTC()
		cmd.SentAt = &at
	}
	if ackAt.Valid {
		at := ackAt.Time.UTC()
		cmd.AckAt = &at
	}
	cmd.FailureReason = reason.String
	return &cmd, nil
}
