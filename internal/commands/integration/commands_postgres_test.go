package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	alerts "water-cloud/internal/alerts/domain"
	alertrepo "water-cloud/internal/alerts/infrastructure/postgres"
	commands "water-cloud/internal/commands/domain"
	commandrepo "water-cloud/internal/commands/infrastructure/postgres"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range []string{"users", "devices", "commands", "alerts"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}
	return db
}

func seedDevice(t *testing.T, db *sql.DB, uid string) (deviceID, ownerID int64) {
	t.Helper()
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE uid = $1", uid)
	_, _ = db.ExecContext(ctx, "DELETE FROM users WHERE email = $1", uid+"@it.local")
	if err := db.QueryRowContext(ctx, `
INSERT INTO users (email, name) VALUES ($1, $2) RETURNING id`, uid+"@it.local", "it").Scan(&ownerID); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.QueryRowContext(ctx, `
INSERT INTO devices (uid, name, owner_id, api_key, status)
VALUES ($1, $2, $3, $4, 'ACTIVE') RETURNING id`, uid, "IT meter", ownerID, "key-"+uid).Scan(&deviceID); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	return deviceID, ownerID
}

func TestClaimPendingDeliversOnce_Postgres(t *testing.T) {
	db := openDB(t)
	deviceID, ownerID := seedDevice(t, db, "it-claim-meter")
	repo := commandrepo.NewCommandRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	for i, id := range []string{"it-claim-1", "it-claim-2", "it-claim-3"} {
		cmd := &commands.Command{
			DeviceID:      deviceID,
			RequestedBy:   ownerID,
			Type:          commands.TypeCloseValve,
			Status:        commands.StatusPending,
			CorrelationID: id,
			RequestedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(ctx, cmd); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := repo.ClaimPending(ctx, deviceID, time.Now().UTC())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, cmd := range list {
				claimed[cmd.CorrelationID]++
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed commands, got %v", claimed)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("command %s delivered %d times", id, n)
		}
	}

	dup := &commands.Command{
		DeviceID:      deviceID,
		RequestedBy:   ownerID,
		Type:          commands.TypeOpenValve,
		Status:        commands.StatusPending,
		CorrelationID: "it-claim-1",
		RequestedAt:   time.Now().UTC(),
	}
	if err := repo.Create(ctx, dup); err == nil {
		t.Fatalf("expected duplicate correlation id to fail")
	}

	acked, err := repo.Apply(ctx, "it-claim-2", commands.Transition{
		From: []commands.Status{commands.StatusSent},
		To:   commands.StatusAck,
		At:   time.Now().UTC(),
	})
	if err != nil || acked == nil || acked.Status != commands.StatusAck || acked.AckAt == nil {
		t.Fatalf("ack: %+v err=%v", acked, err)
	}
	again, err := repo.Apply(ctx, "it-claim-2", commands.Transition{
		From: []commands.Status{commands.StatusSent},
		To:   commands.StatusFailed,
		At:   time.Now().UTC(),
	})
	if err != nil || again != nil {
		t.Fatalf("expected terminal command to stay untouched, got %+v err=%v", again, err)
	}
}

func TestCustomCommandTypeAccepted_Postgres(t *testing.T) {
	db := openDB(t)
	deviceID, ownerID := seedDevice(t, db, "it-custom-type-meter")
	repo := commandrepo.NewCommandRepository(db)
	ctx := context.Background()

	cmd := &commands.Command{
		DeviceID:      deviceID,
		RequestedBy:   ownerID,
		Type:          commands.Type("FLUSH_LINE"),
		Status:        commands.StatusPending,
		CorrelationID: "it-custom-type-1",
		RequestedAt:   time.Now().UTC(),
	}
	if err := repo.Create(ctx, cmd); err != nil {
		t.Fatalf("create custom type: %v", err)
	}
	got, err := repo.GetByCorrelationID(ctx, "it-custom-type-1")
	if err != nil || got == nil || got.Type != commands.Type("FLUSH_LINE") {
		t.Fatalf("reload: %+v err=%v", got, err)
	}
}

func TestAlertDedupUnderConcurrency_Postgres(t *testing.T) {
	db := openDB(t)
	deviceID, ownerID := seedDevice(t, db, "it-alert-meter")
	repo := alertrepo.NewAlertRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alert := &alerts.Alert{
				DeviceID:  deviceID,
				UserID:    ownerID,
				Severity:  alerts.SeverityCritical,
				Type:      alerts.TypeLeakSuspected,
				Message:   "Possible leak detected! Flow rate of 12 L/min exceeds threshold.",
				Timestamp: now,
			}
			ok, err := repo.CreateIfNoneSince(ctx, alert, now.Add(-time.Hour))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one alert, got %d", created)
	}

	count, err := repo.CountUnread(ctx, ownerID)
	if err != nil || count != 1 {
		t.Fatalf("unread count: %d err=%v", count, err)
	}
	updated, err := repo.MarkAllRead(ctx, ownerID)
	if err != nil || updated != 1 {
		t.Fatalf("mark all read: %d err=%v", updated, err)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
