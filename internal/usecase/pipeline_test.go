package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IncidentEnricher/internal/classifier"
	"IncidentEnricher/internal/dedupe"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/geocoding"
	"IncidentEnricher/internal/infrastructure/storage"
	"IncidentEnricher/internal/ports"
)

type fakeClassifier struct {
	mu      sync.Mutex
	answers map[string]domain.RawClassification
	titles  []string
}

func (f *fakeClassifier) Classify(ctx context.Context, title, _, _ string) (domain.RawClassification, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawClassification{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	raw, ok := f.answers[title]
	if !ok {
		return domain.FailedClassification("no scripted answer", domain.Usage{}), nil
	}
	raw.Usage = domain.Usage{Provider: "openai", Model: "gpt-4o-mini", TokensIn: 500, TokensOut: 100, CostUSD: 0.0001}
	return raw, nil
}

func (f *fakeClassifier) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []domain.RunSummary
}

func (n *recordingNotifier) PublishRunSummary(_ context.Context, s domain.RunSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func relevant(event string, region, province, district string, deaths int) domain.RawClassification {
	return domain.RawClassification{
		IsRelevant: domain.FlexBool{Value: true, Valid: true},
		EventType:  event,
		Region:     region,
		Province:   province,
		District:   district,
		Deaths:     domain.FlexInt{Value: deaths, Valid: true},
		Actors:     []string{"PNP"},
		SummaryES:  "Resumen.",
		Sentiment:  "negativo",
		Confidence: domain.FlexFloat{Value: 0.9, Valid: true},
	}
}

var places = []domain.GazetteerPlace{
	{PlaceID: "150117", Region: "Lima", Province: "Lima", District: "Los Olivos", Lat: -11.99, Lon: -77.07},
	{PlaceID: "150101", Region: "Lima", Province: "Lima", District: "Lima", Lat: -12.05, Lon: -77.04},
	{PlaceID: "040101", Region: "Arequipa", Province: "Arequipa", District: "Arequipa", Lat: -16.40, Lon: -71.54},
}

var lima = mustLocation("America/Lima")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("PET", -5*3600)
	}
	return loc
}

type fixture struct {
	repo       *storage.MemoryRepository
	classifier *fakeClassifier
	notifier   *recordingNotifier
	pipeline   *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gaz := geocoding.NewGazetteer(places)
	resolver, err := geocoding.NewResolver(geocoding.NewDefaultRegistry(gaz, nil, logger), geocoding.DefaultOrder(), map[string]string{"lima metropolitana": "Lima"}, logger)
	require.NoError(t, err)

	f := &fixture{
		repo:       storage.NewMemoryRepository(),
		classifier: &fakeClassifier{answers: map[string]domain.RawClassification{}},
		notifier:   &recordingNotifier{},
	}

	runs := 0
	f.pipeline, err = NewPipeline(PipelineDeps{
		Warehouse:  f.repo,
		Classifier: f.classifier,
		Resolver:   resolver,
		Deduper:    dedupe.New(dedupe.DefaultPrefixRunes),
		Notifier:   f.notifier,
		Location:   lima,
		Logger:     logger,
		Options:    Options{BatchSize: 2, Concurrency: 3},
		Now:        func() time.Time { return time.Date(2024, 5, 11, 6, 0, 0, 0, time.UTC) },
		NewRunID: func() string {
			runs++
			return "run-" + string(rune('0'+runs))
		},
	})
	require.NoError(t, err)
	return f
}

// 15:00 UTC is 10:00 in Lima, the same calendar day.
var may10 = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func raw(id, title, body, uri string, at time.Time, run string) domain.RawArticle {
	return domain.RawArticle{ID: id, Title: title, Body: body, CanonicalURI: uri, URL: "https://diario.pe/" + id, Source: "diario.pe", PublishedAt: at, IngestRunID: run}
}

func seedRun(t *testing.T, f *fixture) {
	t.Helper()
	f.classifier.answers = map[string]domain.RawClassification{
		"Asesinan a cambista en Los Olivos":  relevant("violent_crime", "Lima", "Lima", "Los Olivos", 1),
		"Atacan a pobladores en Arequipa":    relevant("violence against civilians", "Arequipa", "", "", 0),
		"Inauguran feria gastronómica":       {IsRelevant: domain.FlexBool{Value: false, Valid: true}, EventType: "not_relevant"},
		"Accidentes de tránsito en carretera": relevant("serious_accident", "Puno", "", "", 20),
	}
	require.NoError(t, f.repo.SaveRaw(context.Background(), []domain.RawArticle{
		raw("a1", "Asesinan a cambista en Los Olivos", "<p>La PNP investiga.</p>", "https://diario.pe/a1", may10, "ingest-1"),
		raw("a2", "Asesinan a cambista en Los Olivos", "<p>Réplica.</p>", "", may10.Add(time.Hour), "ingest-1"),
		raw("a3", "Earthquake kills 12 in Japan", "A 7.1 magnitude quake struck Honshu.", "", may10, "ingest-1"),
		raw("a4", "Atacan a pobladores en Arequipa", "Ataque en la plaza.", "", may10.Add(-2*time.Hour), "ingest-1"),
		raw("a5", "Inauguran feria gastronómica", "Miles de visitantes.", "", may10.Add(-3*time.Hour), "ingest-1"),
		raw("a6", "Accidentes de tránsito en carretera", "Según el balance del año, 20 fallecidos en Puno.", "", may10.Add(-4*time.Hour), "ingest-1"),
	}))
}

func TestPipelineRunEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedRun(t, f)
	ctx := context.Background()

	summary, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-1"})
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, summary.Status)
	assert.Equal(t, 6, summary.Fetched)
	assert.Equal(t, 1, summary.DuplicatesInRun)
	assert.Equal(t, 1, summary.FilteredInternational)
	assert.Equal(t, 0, summary.FilteredDigest, "title patterns flagged nothing before the model")
	assert.Equal(t, 1, summary.DigestAfterModel)
	assert.Equal(t, 4, summary.Classified)
	assert.Equal(t, 1, summary.AliasMapped)
	assert.Equal(t, 3, summary.Relevant)
	assert.Equal(t, 5, summary.Upserted)
	assert.Equal(t, 2, summary.Promoted)
	assert.Equal(t, 1, summary.GeocodedByTier[domain.TierDistrict])
	assert.Equal(t, 1, summary.GeocodedByTier[domain.TierRegion])
	assert.Equal(t, 1, summary.Ungeocoded)
	assert.Equal(t, 2000, summary.TokensIn)

	assert.NotContains(t, f.classifier.calls(), "Earthquake kills 12 in Japan", "filtered articles never reach the model")
	assert.Len(t, f.classifier.calls(), 4)

	silver, err := f.repo.AllEnriched(ctx)
	require.NoError(t, err)
	require.Len(t, silver, 5)
	byID := map[string]domain.EnrichedArticle{}
	for _, e := range silver {
		byID[e.ID] = e
	}
	assert.True(t, byID["a3"].IsInternational)
	assert.Equal(t, "international_country: japan", byID["a3"].FilterReason)
	assert.True(t, byID["a6"].IsSummaryDigest)
	assert.Equal(t, domain.EventViolentCrime, byID["a4"].EventType)
	assert.Equal(t, domain.TierDistrict, byID["a1"].GeoTier)
	assert.Equal(t, -11.99, byID["a1"].Coordinates.Lat)
	assert.Equal(t, "https://diario.pe/a1", byID["a1"].CanonicalURI)

	gold := f.repo.Incidents()
	require.Len(t, gold, 2)
	for _, inc := range gold {
		assert.True(t, inc.EventType.Valid(), "gold carries canonical event types only")
		assert.NotEqual(t, domain.EventNotRelevant, inc.EventType)
		assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), inc.IncidentDate)
	}

	stats, ok, err := f.repo.DailyStats(ctx, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, stats.TotalIncidents)
	assert.Equal(t, 1, stats.TotalDeaths)
	assert.Equal(t, map[string]int{"Lima": 1, "Arequipa": 1}, stats.ByRegion)
	assert.Nil(t, stats.DeltaIncidents)

	run, ok := f.repo.Run(summary.RunID)
	require.True(t, ok)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, summary.RunID, f.notifier.summaries[0].RunID)
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedRun(t, f)
	ctx := context.Background()

	snapshot := func() ([]byte, []byte, []byte) {
		silver, err := f.repo.AllEnriched(ctx)
		require.NoError(t, err)
		stats, _, err := f.repo.DailyStats(ctx, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		s, err := json.Marshal(silver)
		require.NoError(t, err)
		g, err := json.Marshal(f.repo.Incidents())
		require.NoError(t, err)
		d, err := json.Marshal(stats)
		require.NoError(t, err)
		return s, g, d
	}

	_, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-1"})
	require.NoError(t, err)
	silver1, gold1, stats1 := snapshot()

	_, err = f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-1"})
	require.NoError(t, err)
	silver2, gold2, stats2 := snapshot()

	assert.Equal(t, string(silver1), string(silver2))
	assert.Equal(t, string(gold1), string(gold2))
	assert.Equal(t, string(stats1), string(stats2))
}

func TestPipelineGlobalDedupeSupersedesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	title := "Asesinan a cambista en Los Olivos"
	f.classifier.answers[title] = relevant("violent_crime", "Lima", "Lima", "Los Olivos", 1)

	may9 := may10.AddDate(0, 0, -1)
	require.NoError(t, f.repo.SaveRaw(ctx, []domain.RawArticle{raw("old", title, "", "", may9, "ingest-1")}))
	_, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-1"})
	require.NoError(t, err)
	require.Len(t, f.repo.Incidents(), 1)

	require.NoError(t, f.repo.SaveRaw(ctx, []domain.RawArticle{
		raw("new", title, "", "https://diario.pe/nota", may10, "ingest-2"),
		raw("late", title, "", "", may10.Add(time.Hour), "ingest-2"),
	}))
	summary, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DuplicatesInRun)
	assert.Equal(t, 0, summary.DuplicatesGlobal)

	gold := f.repo.Incidents()
	require.Len(t, gold, 1)
	assert.Equal(t, "new", gold[0].ID)

	day9, ok, err := f.repo.DailyStats(ctx, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, day9.TotalIncidents, "the superseded date is recomputed")

	day10, ok, err := f.repo.DailyStats(ctx, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, day10.TotalIncidents)
	require.NotNil(t, day10.DeltaIncidents)
	assert.Equal(t, 1, *day10.DeltaIncidents)

	// A later plain repost loses to the stored canonical record.
	require.NoError(t, f.repo.SaveRaw(ctx, []domain.RawArticle{raw("repost", title, "", "", may10.Add(2*time.Hour), "ingest-3")}))
	summary, err = f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-3"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DuplicatesGlobal)
	assert.Zero(t, summary.Upserted)
}

func TestPipelineCancelledRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedRun(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunCancelled, summary.Status)
	assert.Empty(t, f.classifier.calls())

	run, ok := f.repo.Run(summary.RunID)
	require.True(t, ok)
	assert.Equal(t, domain.RunCancelled, run.Status)
}

type failingWarehouse struct {
	*storage.MemoryRepository
}

func (failingWarehouse) UpsertEnriched(context.Context, []domain.EnrichedArticle) error {
	return io.ErrClosedPipe
}

var _ ports.Warehouse = failingWarehouse{}

func TestPipelineWarehouseErrorAbortsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedRun(t, f)
	f.pipeline.warehouse = failingWarehouse{f.repo}

	summary, err := f.pipeline.Run(context.Background(), Selector{IngestRunID: "ingest-1"})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, domain.RunFailed, summary.Status)
	assert.Empty(t, f.repo.Incidents())
}

func TestRebuildGoldAndAggregateDate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertEnriched(ctx, []domain.EnrichedArticle{
		{ID: "x", IsRelevant: true, EventType: domain.EventProtest, Title: "Paro en Juliaca", PublishedAt: may10, Location: domain.Location{Region: "Puno"}},
		{ID: "y", IsRelevant: true, IsInternational: true, EventType: domain.EventProtest, Title: "Paro en La Paz", PublishedAt: may10},
	}))

	n, err := f.pipeline.RebuildGold(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := f.pipeline.AggregateDate(ctx, may10)
	require.NoError(t, err)
	second, err := f.pipeline.AggregateDate(ctx, may10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, second.TotalIncidents)
	assert.Equal(t, map[string]int{"Puno": 1}, second.ByRegion)
}

func TestPipelineCanonicalizesRegionSpellings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.classifier.answers = map[string]domain.RawClassification{
		"Asaltan bodega en Los Olivos":        relevant("violent_crime", "Lima", "Lima", "Los Olivos", 0),
		"Balacera en Comas deja un herido":    relevant("armed_violence", "LIMA", "", "", 0),
		"Extorsionadores atacan combi en Ate": relevant("violent_crime", " Lima  Metropolitana ", "", "", 0),
	}
	require.NoError(t, f.repo.SaveRaw(ctx, []domain.RawArticle{
		raw("r1", "Asaltan bodega en Los Olivos", "Robo a mano armada.", "", may10, "ingest-r"),
		raw("r2", "Balacera en Comas deja un herido", "Disparos en la avenida.", "", may10.Add(-time.Hour), "ingest-r"),
		raw("r3", "Extorsionadores atacan combi en Ate", "Atentado contra transportistas.", "", may10.Add(-2*time.Hour), "ingest-r"),
	}))

	summary, err := f.pipeline.Run(ctx, Selector{IngestRunID: "ingest-r"})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Promoted)

	for _, inc := range f.repo.Incidents() {
		assert.Equal(t, "Lima", inc.Location.Region, inc.ID)
	}

	stats, ok, err := f.repo.DailyStats(ctx, may10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"Lima": 3}, stats.ByRegion)
}

func TestLogSummaryIncludesCounters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := domain.NewRunSummary("run-1", "ingest-1", may10)
	s.Status = domain.RunSucceeded
	s.FinishedAt = may10.Add(time.Minute)
	counters := map[string]slog.LogValuer{
		"classifier":     classifier.Stats{Requests: 7, Repairs: 1},
		"geocoder_cache": geocoding.CacheStats{Lookups: 5, Hits: 3, Misses: 2, Size: 2},
	}

	logSummary(logger, s, counters, nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pipeline run finished", line["msg"])
	cls, ok := line["classifier"].(map[string]any)
	require.True(t, ok, "classifier counters logged as a group")
	assert.EqualValues(t, 7, cls["requests"])
	assert.EqualValues(t, 1, cls["repairs"])
	cache, ok := line["geocoder_cache"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, cache["hits"])
	assert.EqualValues(t, 2, cache["misses"])

	buf.Reset()
	logSummary(logger, s, nil, errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}
