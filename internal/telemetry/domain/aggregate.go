package telemetry

import (
	"sort"
	"strings"
	"time"
)

// Granularity is the bucket width of an aggregated reading series.
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// ParseGranularity accepts hourly, daily or monthly; empty defaults to hourly.
func ParseGranularity(value string) (Granularity, bool) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(value))); g {
	case "":
		return GranularityHourly, true
	case GranularityHourly, GranularityDaily, GranularityMonthly:
		return g, true
	default:
		return "", false
	}
}

func (g Granularity) layout() string {
	switch g {
	case GranularityDaily:
		return "2006-01-02"
	case GranularityMonthly:
		return "2006-01"
	default:
		return "2006-01-02 15:00:00"
	}
}

// Truncate returns the start of the bucket holding t in loc.
func (g Granularity) Truncate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	switch g {
	case GranularityDaily:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	case GranularityMonthly:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	}
}

// Bucket is one period of an aggregated series. Nil fields mean no reading carried the value.
type Bucket struct {
	Period      string    `json:"period"`
	Start       time.Time `json:"start"`
	AvgFlowRate *float64  `json:"avgFlowRate"`
	TotalVolume *float64  `json:"totalVolume"`
}

// Aggregate groups readings into buckets ordered by period start.
func Aggregate(readings []Reading, g Granularity, loc *time.Location) []Bucket {
	type acc struct {
		flowSum   float64
		flowCount int
		volume    float64
		hasVolume bool
	}
	byStart := make(map[time.Time]*acc)
	for _, reading := range readings {
		start := g.Truncate(reading.TS, loc)
		a, ok := byStart[start]
		if !ok {
			a = &acc{}
			byStart[start] = a
		}
		if reading.FlowRateLPM != nil {
			a.flowSum += *reading.FlowRateLPM
			a.flowCount++
		}
		if reading.VolumeDeltaL != nil {
			a.volume += *reading.VolumeDeltaL
			a.hasVolume = true
		}
	}

	buckets := make([]Bucket, 0, len(byStart))
	for start, a := range byStart {
		bucket := Bucket{Period: start.Format(g.layout()), Start: start}
		if a.flowCount > 0 {
			avg := a.flowSum / float64(a.flowCount)
			bucket.AvgFlowRate = &avg
		}
		if a.hasVolume {
			total := a.volume
			bucket.TotalVolume = &total
		}
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets
}
