// Package aggregate reduces Gold incidents into per-day statistics.
package aggregate

import (
	"slices"
	"strings"
	"time"

	"IncidentEnricher/internal/domain"
)

// UnknownRegion buckets incidents without a region.
const UnknownRegion = "unknown"

// HighConfidence is the inclusive threshold for the high-confidence count.
const HighConfidence = 0.8

// Aggregate computes the stats for date. Only incidents whose IncidentDate
// falls on date count. prior is the stored row of the previous day, if any.
func Aggregate(incidents []domain.Incident, date time.Time, prior *domain.DailyStats) domain.DailyStats {
	day := truncate(date)
	stats := domain.DailyStats{
		Date:        day,
		ByEventType: map[domain.EventType]int{},
		ByRegion:    map[string]int{},
		ByTier:      map[domain.GeoTier]int{},
	}

	for _, inc := range incidents {
		if !truncate(inc.IncidentDate).Equal(day) {
			continue
		}
		stats.TotalIncidents++
		stats.TotalDeaths += max(inc.Deaths, 0)
		stats.TotalInjuries += max(inc.Injuries, 0)
		stats.ByEventType[inc.EventType]++

		region := strings.TrimSpace(inc.Location.Region)
		if region == "" {
			region = UnknownRegion
		}
		stats.ByRegion[region]++

		if inc.HasGeo() {
			stats.Geocoded++
			stats.ByTier[inc.GeoTier]++
		} else {
			stats.Ungeocoded++
		}
		if inc.Confidence >= HighConfidence {
			stats.HighConfidence++
		}
	}

	if prior != nil {
		delta := stats.TotalIncidents - prior.TotalIncidents
		stats.DeltaIncidents = &delta
	}
	return stats
}

// Dates lists the distinct incident dates, ascending.
func Dates(incidents []domain.Incident) []time.Time {
	seen := map[time.Time]struct{}{}
	out := make([]time.Time, 0)
	for _, inc := range incidents {
		d := truncate(inc.IncidentDate)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// Previous is the calendar day before date.
func Previous(date time.Time) time.Time {
	return truncate(date).AddDate(0, 0, -1)
}

func truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
