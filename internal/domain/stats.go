package domain

import "time"

// DailyStats aggregates Gold incidents for one calendar date.
type DailyStats struct {
	Date           time.Time
	TotalIncidents int
	TotalDeaths    int
	TotalInjuries  int
	ByEventType    map[EventType]int
	ByRegion       map[string]int
	ByTier         map[GeoTier]int
	Geocoded       int
	Ungeocoded     int
	HighConfidence int
	// DeltaIncidents is nil when no prior day is stored.
	DeltaIncidents *int
}

// RunStatus enumerates pipeline run outcomes.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunSummary counts attrition at every stage of a pipeline run.
type RunSummary struct {
	RunID       string
	IngestRunID string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      RunStatus

	Fetched               int
	DuplicatesInRun       int
	DuplicatesGlobal      int
	FilteredInternational int
	FilteredDigest        int
	Classified            int
	ClassificationFailed  int
	// DigestAfterModel counts classified articles flagged as digests by
	// their casualty figures. They stay in Silver but never reach Gold.
	DigestAfterModel      int
	AliasMapped           int
	Unmapped              int
	ValidationAnomalies   int
	Relevant              int
	GeocodedByTier        map[GeoTier]int
	Ungeocoded            int
	Upserted              int
	Promoted              int
	DaysAggregated        int

	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// NewRunSummary prepares counters for a run.
func NewRunSummary(runID, ingestRunID string, startedAt time.Time) RunSummary {
	return RunSummary{
		RunID:          runID,
		IngestRunID:    ingestRunID,
		StartedAt:      startedAt,
		Status:         RunRunning,
		GeocodedByTier: map[GeoTier]int{},
	}
}

// Stage is one named counter of a run.
type Stage struct {
	Name  string
	Count int
}

// Stages lists the attrition counters in pipeline order. Geocoding tiers
// appear as geocoded_<tier>, most precise first.
func (s RunSummary) Stages() []Stage {
	stages := []Stage{
		{"fetched", s.Fetched},
		{"duplicates_in_run", s.DuplicatesInRun},
		{"duplicates_global", s.DuplicatesGlobal},
		{"filtered_international", s.FilteredInternational},
		{"filtered_digest", s.FilteredDigest},
		{"classified", s.Classified},
		{"classification_failed", s.ClassificationFailed},
		{"digest_after_model", s.DigestAfterModel},
		{"alias_mapped", s.AliasMapped},
		{"unmapped", s.Unmapped},
		{"validation_anomalies", s.ValidationAnomalies},
		{"relevant", s.Relevant},
	}
	for _, tier := range GeoTiers() {
		stages = append(stages, Stage{"geocoded_" + string(tier), s.GeocodedByTier[tier]})
	}
	return append(stages,
		Stage{"ungeocoded", s.Ungeocoded},
		Stage{"upserted", s.Upserted},
		Stage{"promoted", s.Promoted},
		Stage{"days_aggregated", s.DaysAggregated},
	)
}
