package storage

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

// MemoryRepository is a Warehouse kept in process memory. It backs tests and
// runs without a configured DSN.
type MemoryRepository struct {
	mu     sync.RWMutex
	bronze map[string]domain.RawArticle
	silver map[string]domain.EnrichedArticle
	gold   []domain.Incident
	stats  map[time.Time]domain.DailyStats
	runs   map[string]domain.RunSummary
	places []domain.GazetteerPlace
}

var (
	_ ports.Warehouse       = (*MemoryRepository)(nil)
	_ ports.GazetteerSource = (*MemoryRepository)(nil)
)

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bronze: map[string]domain.RawArticle{},
		silver: map[string]domain.EnrichedArticle{},
		stats:  map[time.Time]domain.DailyStats{},
		runs:   map[string]domain.RunSummary{},
	}
}

// SetPlaces replaces the gazetteer dimension.
func (m *MemoryRepository) SetPlaces(places []domain.GazetteerPlace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places = slices.Clone(places)
}

// LoadPlaces returns the gazetteer dimension.
func (m *MemoryRepository) LoadPlaces(context.Context) ([]domain.GazetteerPlace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.places), nil
}

// SaveRaw inserts Bronze rows; existing IDs are kept.
func (m *MemoryRepository) SaveRaw(_ context.Context, articles []domain.RawArticle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range articles {
		if _, ok := m.bronze[a.ID]; !ok {
			m.bronze[a.ID] = a
		}
	}
	return nil
}

// RawByRun returns the Bronze rows of one ingestion run.
func (m *MemoryRepository) RawByRun(_ context.Context, ingestRunID string) ([]domain.RawArticle, error) {
	return m.selectRaw(func(a domain.RawArticle) bool { return a.IngestRunID == ingestRunID }), nil
}

// RawSince returns Bronze rows published at or after since.
func (m *MemoryRepository) RawSince(_ context.Context, since time.Time) ([]domain.RawArticle, error) {
	return m.selectRaw(func(a domain.RawArticle) bool { return !a.PublishedAt.Before(since) }), nil
}

func (m *MemoryRepository) selectRaw(keep func(domain.RawArticle) bool) []domain.RawArticle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RawArticle
	for _, a := range m.bronze {
		if keep(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.RawArticle) int { return byRecency(a.PublishedAt, b.PublishedAt, a.ID, b.ID) })
	return out
}

// UpsertEnriched writes Silver rows keyed by article ID.
func (m *MemoryRepository) UpsertEnriched(_ context.Context, articles []domain.EnrichedArticle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range articles {
		m.silver[e.ID] = cloneEnriched(e)
	}
	return nil
}

// AllEnriched loads every Silver row.
func (m *MemoryRepository) AllEnriched(context.Context) ([]domain.EnrichedArticle, error) {
	return m.selectSilver(func(domain.EnrichedArticle) bool { return true }), nil
}

// HistoryKeys returns the dedupe keys of Silver rows from other runs.
func (m *MemoryRepository) HistoryKeys(_ context.Context, excludeRunID string, since time.Time) ([]ports.HistoryKey, error) {
	rows := m.selectSilver(func(e domain.EnrichedArticle) bool {
		return e.IngestRunID != excludeRunID && !e.PublishedAt.Before(since)
	})
	keys := make([]ports.HistoryKey, len(rows))
	for i, e := range rows {
		keys[i] = ports.HistoryKey{ID: e.ID, Title: e.Title, CanonicalURI: e.CanonicalURI, PublishedAt: e.PublishedAt}
	}
	slices.SortFunc(keys, func(a, b ports.HistoryKey) int { return cmp.Compare(a.ID, b.ID) })
	return keys, nil
}

func (m *MemoryRepository) selectSilver(keep func(domain.EnrichedArticle) bool) []domain.EnrichedArticle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.EnrichedArticle
	for _, e := range m.silver {
		if keep(e) {
			out = append(out, cloneEnriched(e))
		}
	}
	slices.SortFunc(out, func(a, b domain.EnrichedArticle) int { return byRecency(a.PublishedAt, b.PublishedAt, a.ID, b.ID) })
	return out
}

// ReplaceIncidents swaps the Gold table.
func (m *MemoryRepository) ReplaceIncidents(_ context.Context, incidents []domain.Incident) error {
	gold := make([]domain.Incident, len(incidents))
	for i, inc := range incidents {
		gold[i] = cloneIncident(inc)
	}
	slices.SortFunc(gold, func(a, b domain.Incident) int { return byRecency(a.PublishedAt, b.PublishedAt, a.ID, b.ID) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gold = gold
	return nil
}

// IncidentsOn returns the Gold incidents of one calendar date.
func (m *MemoryRepository) IncidentsOn(_ context.Context, date time.Time) ([]domain.Incident, error) {
	day := dateOnly(date.UTC())
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Incident
	for _, inc := range m.gold {
		if dateOnly(inc.IncidentDate.UTC()).Equal(day) {
			out = append(out, cloneIncident(inc))
		}
	}
	return out, nil
}

// IncidentDates lists distinct Gold dates, ascending.
func (m *MemoryRepository) IncidentDates(context.Context) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[time.Time]struct{}{}
	for _, inc := range m.gold {
		seen[dateOnly(inc.IncidentDate.UTC())] = struct{}{}
	}
	return slices.SortedFunc(maps.Keys(seen), func(a, b time.Time) int { return a.Compare(b) }), nil
}

// Incidents returns the whole Gold table.
func (m *MemoryRepository) Incidents() []domain.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Incident, len(m.gold))
	for i, inc := range m.gold {
		out[i] = cloneIncident(inc)
	}
	return out
}

// UpsertDailyStats writes the row for stats.Date.
func (m *MemoryRepository) UpsertDailyStats(_ context.Context, stats domain.DailyStats) error {
	stats.Date = dateOnly(stats.Date.UTC())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stats.Date] = cloneStats(stats)
	return nil
}

// DailyStats loads the row for date.
func (m *MemoryRepository) DailyStats(_ context.Context, date time.Time) (domain.DailyStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[dateOnly(date.UTC())]
	if !ok {
		return domain.DailyStats{}, false, nil
	}
	return cloneStats(s), true, nil
}

// StartRun records a running pipeline run.
func (m *MemoryRepository) StartRun(_ context.Context, summary domain.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[summary.RunID] = summary
	return nil
}

// FinishRun stores the final status and stage counts.
func (m *MemoryRepository) FinishRun(_ context.Context, summary domain.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary.GeocodedByTier = maps.Clone(summary.GeocodedByTier)
	m.runs[summary.RunID] = summary
	return nil
}

// Run returns a recorded run.
func (m *MemoryRepository) Run(runID string) (domain.RunSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	return s, ok
}

func byRecency(aTime, bTime time.Time, aID, bID string) int {
	if c := bTime.Compare(aTime); c != 0 {
		return c
	}
	return cmp.Compare(aID, bID)
}

func cloneCoords(c *domain.Coordinates) *domain.Coordinates {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneEnriched(e domain.EnrichedArticle) domain.EnrichedArticle {
	e.Coordinates = cloneCoords(e.Coordinates)
	e.Actors = slices.Clone(e.Actors)
	e.Organizations = slices.Clone(e.Organizations)
	e.Anomalies = slices.Clone(e.Anomalies)
	return e
}

func cloneIncident(inc domain.Incident) domain.Incident {
	inc.Coordinates = cloneCoords(inc.Coordinates)
	inc.Actors = slices.Clone(inc.Actors)
	inc.Organizations = slices.Clone(inc.Organizations)
	return inc
}

func cloneStats(s domain.DailyStats) domain.DailyStats {
	s.ByEventType = maps.Clone(s.ByEventType)
	s.ByRegion = maps.Clone(s.ByRegion)
	s.ByTier = maps.Clone(s.ByTier)
	if s.DeltaIncidents != nil {
		d := *s.DeltaIncidents
		s.DeltaIncidents = &d
	}
	return s
}
