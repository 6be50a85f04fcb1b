package telemetry

import (
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func TestParseGranularity(t *testing.T) {
	cases := map[string]Granularity{
		"":        GranularityHourly,
		"hourly":  GranularityHourly,
		" Daily ": GranularityDaily,
		"MONTHLY": GranularityMonthly,
	}
	for input, want := range cases {
		got, ok := ParseGranularity(input)
		if !ok || got != want {
			t.Fatalf("ParseGranularity(%q) = %q %v, want %q", input, got, ok, want)
		}
	}
	if _, ok := ParseGranularity("weekly"); ok {
		t.Fatalf("expected weekly rejected")
	}
}

func TestAggregateHourlyBuckets(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := []Reading{
		{TS: base.Add(70 * time.Minute), FlowRateLPM: floatPtr(6), VolumeDeltaL: floatPtr(3)},
		{TS: base.Add(5 * time.Minute), FlowRateLPM: floatPtr(2), VolumeDeltaL: floatPtr(1.5)},
		{TS: base.Add(50 * time.Minute), FlowRateLPM: floatPtr(4)},
		{TS: base.Add(2*time.Hour + time.Minute), BatteryPct: nil},
	}

	buckets := Aggregate(readings, GranularityHourly, time.UTC)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	first := buckets[0]
	if first.Period != "2026-03-01 10:00:00" || !first.Start.Equal(base) {
		t.Fatalf("unexpected first bucket: %+v", first)
	}
	if first.AvgFlowRate == nil || *first.AvgFlowRate != 3 {
		t.Fatalf("expected avg flow 3, got %v", first.AvgFlowRate)
	}
	if first.TotalVolume == nil || *first.TotalVolume != 1.5 {
		t.Fatalf("expected volume 1.5, got %v", first.TotalVolume)
	}
	if buckets[1].Period != "2026-03-01 11:00:00" || *buckets[1].TotalVolume != 3 {
		t.Fatalf("unexpected second bucket: %+v", buckets[1])
	}
	if buckets[2].AvgFlowRate != nil || buckets[2].TotalVolume != nil {
		t.Fatalf("expected empty values in last bucket, got %+v", buckets[2])
	}
}

func TestAggregateDailyUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	readings := []Reading{
		{TS: time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC), VolumeDeltaL: floatPtr(10)},
		{TS: time.Date(2026, 3, 1, 16, 30, 0, 0, time.UTC), VolumeDeltaL: floatPtr(20)},
	}

	buckets := Aggregate(readings, GranularityDaily, loc)
	if len(buckets) != 2 {
		t.Fatalf("expected readings split across local midnight, got %d buckets", len(buckets))
	}
	if buckets[0].Period != "2026-03-01" || buckets[1].Period != "2026-03-02" {
		t.Fatalf("unexpected periods: %s %s", buckets[0].Period, buckets[1].Period)
	}
}

func TestAggregateMonthly(t *testing.T) {
	readings := []Reading{
		{TS: time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), VolumeDeltaL: floatPtr(1)},
		{TS: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), VolumeDeltaL: floatPtr(2)},
		{TS: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), VolumeDeltaL: floatPtr(4)},
	}
	buckets := Aggregate(readings, GranularityMonthly, nil)
	if len(buckets) != 2 || buckets[0].Period != "2026-02" || *buckets[0].TotalVolume != 3 {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}
	if len(Aggregate(nil, GranularityMonthly, nil)) != 0 {
		t.Fatalf("expected no buckets for no readings")
	}
}
