package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"water-cloud/internal/auth"
	devices "water-cloud/internal/devices/domain"
	devicesmemory "water-cloud/internal/devices/infrastructure/memory"
	"water-cloud/internal/errs"
	telemetry "water-cloud/internal/telemetry/domain"
	telemetrymemory "water-cloud/internal/telemetry/infrastructure/memory"
)

var (
	queryOwner    = auth.Actor{UserID: 11, Role: auth.RoleUser}
	queryStranger = auth.Actor{UserID: 99, Role: auth.RoleUser}
	queryAdmin    = auth.Actor{UserID: 1, Role: auth.RoleAdmin}
)

func newTestQueries(t *testing.T, opts ...QueryOption) (*ReadingQueries, *telemetrymemory.ReadingRepository, time.Time) {
	t.Helper()
	deviceRepo := devicesmemory.NewDeviceRepository()
	owner := int64(11)
	deviceRepo.Put(devices.Device{ID: 7, UID: "meter-7", Name: "Kitchen", OwnerID: &owner, APIKey: "key-7", Status: devices.StatusActive})
	readings := telemetrymemory.NewReadingRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		reading := telemetry.Reading{
			DeviceID:     7,
			TS:           base.Add(time.Duration(i) * 30 * time.Minute),
			FlowRateLPM:  floatPtr(float64(i + 1)),
			VolumeDeltaL: floatPtr(10),
		}
		if err := readings.Insert(context.Background(), &reading); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	queries, err := NewReadingQueries(readings, deviceRepo, opts...)
	if err != nil {
		t.Fatalf("new queries: %v", err)
	}
	return queries, readings, base
}

func TestNewReadingQueriesRejectsNilDeps(t *testing.T) {
	if _, err := NewReadingQueries(nil, devicesmemory.NewDeviceRepository()); err == nil {
		t.Fatalf("expected error for nil reading repo")
	}
	if _, err := NewReadingQueries(telemetrymemory.NewReadingRepository(), nil); err == nil {
		t.Fatalf("expected error for nil device repo")
	}
}

func TestReadingsRecentNewestFirst(t *testing.T) {
	queries, _, base := newTestQueries(t)

	list, err := queries.Readings(context.Background(), queryOwner, 7, nil, nil, 2)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected limit 2, got %d", len(list))
	}
	if !list[0].Timestamp.Equal(base.Add(2*time.Hour)) || list[0].DeviceName != "Kitchen" {
		t.Fatalf("unexpected newest reading: %+v", list[0])
	}
}

func TestReadingsRangeIsHalfOpen(t *testing.T) {
	queries, _, base := newTestQueries(t)
	from, to := base, base.Add(time.Hour)

	list, err := queries.Readings(context.Background(), queryAdmin, 7, &from, &to, 0)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected readings at 10:00 and 10:30, got %d", len(list))
	}
	if !list[1].Timestamp.Equal(base) {
		t.Fatalf("expected range start included, got %s", list[1].Timestamp)
	}
}

func TestReadingsRejectsBadRange(t *testing.T) {
	queries, _, base := newTestQueries(t)
	ctx := context.Background()
	from := base

	if _, err := queries.Readings(ctx, queryOwner, 7, &from, nil, 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for one-sided range, got %v", err)
	}
	if _, err := queries.Readings(ctx, queryOwner, 7, &from, &from, 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for empty range, got %v", err)
	}
}

func TestReadingsAuthorization(t *testing.T) {
	queries, _, _ := newTestQueries(t)
	ctx := context.Background()

	if _, err := queries.Readings(ctx, queryStranger, 7, nil, nil, 0); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if _, err := queries.Readings(ctx, queryOwner, 404, nil, nil, 0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for missing device, got %v", err)
	}
}

func TestClampReadingLimit(t *testing.T) {
	if clampReadingLimit(0) != DefaultReadingLimit || clampReadingLimit(-3) != DefaultReadingLimit {
		t.Fatalf("expected default limit")
	}
	if clampReadingLimit(5000) != MaxReadingLimit {
		t.Fatalf("expected max limit")
	}
	if clampReadingLimit(25) != 25 {
		t.Fatalf("expected limit kept")
	}
}

func TestAggregatedHourly(t *testing.T) {
	queries, _, base := newTestQueries(t)

	buckets, err := queries.Aggregated(context.Background(), queryOwner, 7, base, base.Add(3*time.Hour), "")
	if err != nil {
		t.Fatalf("aggregated: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 hourly buckets, got %d", len(buckets))
	}
	if *buckets[0].AvgFlowRate != 1.5 || *buckets[0].TotalVolume != 20 {
		t.Fatalf("unexpected first bucket: %+v", buckets[0])
	}
	if _, err := queries.Aggregated(context.Background(), queryOwner, 7, base, base.Add(time.Hour), "weekly"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for unknown granularity, got %v", err)
	}
}

func TestAggregatedDailyInLocation(t *testing.T) {
	loc := time.FixedZone("UTC-11", -11*3600)
	queries, _, base := newTestQueries(t, WithLocation(loc))

	buckets, err := queries.Aggregated(context.Background(), queryOwner, 7, base, base.Add(3*time.Hour), "daily")
	if err != nil {
		t.Fatalf("aggregated: %v", err)
	}
	// 10:00 UTC is 23:00 the previous local day.
	if len(buckets) != 2 || buckets[0].Period != "2026-02-28" || buckets[1].Period != "2026-03-01" {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}
}

func TestConsumption(t *testing.T) {
	queries, _, base := newTestQueries(t)
	ctx := context.Background()

	total, err := queries.Consumption(ctx, queryOwner, 7, base, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("consumption: %v", err)
	}
	if total != 30 {
		t.Fatalf("expected 30 liters, got %v", total)
	}
	total, err = queries.Consumption(ctx, queryOwner, 7, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2))
	if err != nil || total != 0 {
		t.Fatalf("expected zero for empty window, got %v err=%v", total, err)
	}
	if _, err := queries.Consumption(ctx, queryStranger, 7, base, base.Add(time.Hour)); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
