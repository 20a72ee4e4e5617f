package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"IncidentEnricher/internal/aggregate"
	"IncidentEnricher/internal/dedupe"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/geocoding"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/prefilter"
	"IncidentEnricher/internal/taxonomy"
)

// Classifier extracts structured attributes from one article.
type Classifier interface {
	Classify(ctx context.Context, title, body, source string) (domain.RawClassification, error)
}

// Resolver turns location hints into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, q geocoding.Query) geocoding.Result
	CanonicalRegion(region string) string
}

// Options sizes the pipeline.
type Options struct {
	BatchSize   int
	Concurrency int
	HistoryDays int
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Warehouse  ports.Warehouse
	Filter     *prefilter.Filter
	Classifier Classifier
	Validator  *taxonomy.Validator
	Resolver   Resolver
	Deduper    *dedupe.Deduper
	Notifier   ports.Notifier
	Limiter    *rate.Limiter
	Counters   map[string]slog.LogValuer // logged by name after every run
	Location   *time.Location
	Logger     *slog.Logger
	Options    Options

	Now      func() time.Time
	NewRunID func() string
}

// Pipeline enriches Bronze articles into Silver, rebuilds Gold and refreshes
// the daily stats of every date it touched.
type Pipeline struct {
	warehouse  ports.Warehouse
	filter     *prefilter.Filter
	classifier Classifier
	validator  *taxonomy.Validator
	resolver   Resolver
	deduper    *dedupe.Deduper
	notifier   ports.Notifier
	limiter    *rate.Limiter
	counters   map[string]slog.LogValuer
	location   *time.Location
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
	newRunID   func() string
}

// Selector picks the Bronze rows of a run: one ingestion run, or everything
// published since a point in time.
type Selector struct {
	IngestRunID string
	Since       time.Time
}

func (s Selector) String() string {
	if s.IngestRunID != "" {
		return "ingest_run=" + s.IngestRunID
	}
	return "since=" + s.Since.Format(time.RFC3339)
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Warehouse == nil {
		return nil, errors.New("pipeline: warehouse is required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("pipeline: resolver is required")
	}

	opts := deps.Options
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 30
	}

	p := &Pipeline{
		warehouse:  deps.Warehouse,
		filter:     deps.Filter,
		classifier: deps.Classifier,
		validator:  deps.Validator,
		resolver:   deps.Resolver,
		deduper:    deps.Deduper,
		notifier:   deps.Notifier,
		limiter:    deps.Limiter,
		counters:   deps.Counters,
		location:   deps.Location,
		logger:     deps.Logger,
		opts:       opts,
		now:        deps.Now,
		newRunID:   deps.NewRunID,
	}
	if p.filter == nil {
		p.filter = prefilter.Default()
	}
	if p.validator == nil {
		p.validator = taxonomy.NewValidator(nil, nil)
	}
	if p.deduper == nil {
		p.deduper = dedupe.New(dedupe.DefaultPrefixRunes)
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if p.location == nil {
		p.location = time.UTC
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newRunID == nil {
		p.newRunID = uuid.NewString
	}
	return p, nil
}

// Run processes the selected Bronze rows end to end. The summary is returned
// even on failure; warehouse errors and cancellation abort the run, rows
// already upserted stay in place.
func (p *Pipeline) Run(ctx context.Context, sel Selector) (domain.RunSummary, error) {
	summary := domain.NewRunSummary(p.newRunID(), sel.IngestRunID, p.now().UTC())
	logger := p.logger.With("run_id", summary.RunID, "selector", sel.String())

	if err := p.warehouse.StartRun(ctx, summary); err != nil {
		return summary, fmt.Errorf("start run: %w", err)
	}

	err := p.run(ctx, sel, &summary, logger)
	switch {
	case err == nil:
		summary.Status = domain.RunSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		summary.Status = domain.RunCancelled
	default:
		summary.Status = domain.RunFailed
	}
	summary.FinishedAt = p.now().UTC()

	finishCtx := context.WithoutCancel(ctx)
	if ferr := p.warehouse.FinishRun(finishCtx, summary); ferr != nil {
		logger.Error("finish run", "error", ferr)
		if err == nil {
			err = fmt.Errorf("finish run: %w", ferr)
		}
	}

	logSummary(logger, summary, p.counters, err)

	if p.notifier != nil {
		if nerr := p.notifier.PublishRunSummary(finishCtx, summary); nerr != nil {
			logger.Warn("publish run summary", "error", nerr)
		}
	}

	return summary, err
}

func (p *Pipeline) run(ctx context.Context, sel Selector, summary *domain.RunSummary, logger *slog.Logger) error {
	raw, err := p.load(ctx, sel)
	if err != nil {
		return err
	}
	summary.Fetched = len(raw)

	articles, inRun := p.deduper.Articles(raw)
	summary.DuplicatesInRun = inRun.Duplicates()

	if len(articles) > 0 {
		since := articles[len(articles)-1].PublishedAt.AddDate(0, 0, -p.opts.HistoryDays)
		history, err := p.warehouse.HistoryKeys(ctx, sel.IngestRunID, since)
		if err != nil {
			return fmt.Errorf("load dedupe history: %w", err)
		}
		var global dedupe.Report
		articles, global = p.deduper.AgainstHistory(articles, history)
		summary.DuplicatesGlobal = global.Duplicates()
		if len(global.Superseded) > 0 {
			logger.Info("batch articles supersede stored duplicates", "superseded", global.Superseded)
		}
	}
	logger.Info("articles selected", "fetched", summary.Fetched, "unique", len(articles))

	touched := map[time.Time]struct{}{}
	runIDs := make(map[string]struct{}, len(articles))

	for start := 0; start < len(articles); start += p.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.opts.BatchSize, len(articles))
		enriched, err := p.processBatch(ctx, articles[start:end], summary)
		if err != nil {
			return err
		}
		if err := p.warehouse.UpsertEnriched(ctx, enriched); err != nil {
			return fmt.Errorf("upsert silver: %w", err)
		}
		summary.Upserted += len(enriched)
		for _, e := range enriched {
			runIDs[e.ID] = struct{}{}
			touched[domain.DateOf(e.PublishedAt, p.location)] = struct{}{}
		}
		logger.Debug("batch upserted", "from", start, "to", end)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	incidents, dropped, err := p.rebuildGold(ctx)
	if err != nil {
		return err
	}
	for _, inc := range incidents {
		if _, ok := runIDs[inc.ID]; ok {
			summary.Promoted++
		}
	}
	// A stored incident beaten by this run leaves its own date stale.
	for _, inc := range dropped {
		if _, ok := runIDs[inc.ID]; !ok {
			touched[inc.IncidentDate] = struct{}{}
		}
	}

	days, err := p.aggregateDates(ctx, slices.SortedFunc(maps.Keys(touched), time.Time.Compare))
	summary.DaysAggregated = days
	return err
}

func (p *Pipeline) load(ctx context.Context, sel Selector) ([]domain.RawArticle, error) {
	if sel.IngestRunID != "" {
		raw, err := p.warehouse.RawByRun(ctx, sel.IngestRunID)
		if err != nil {
			return nil, fmt.Errorf("load bronze run %s: %w", sel.IngestRunID, err)
		}
		return raw, nil
	}
	raw, err := p.warehouse.RawSince(ctx, sel.Since)
	if err != nil {
		return nil, fmt.Errorf("load bronze since %s: %w", sel.Since.Format(time.RFC3339), err)
	}
	return raw, nil
}

// processBatch filters, classifies, validates and geocodes one batch. Model
// calls fan out under the concurrency limit; everything else is sequential.
func (p *Pipeline) processBatch(ctx context.Context, batch []domain.RawArticle, summary *domain.RunSummary) ([]domain.EnrichedArticle, error) {
	out := make([]domain.EnrichedArticle, len(batch))
	classifications := make([]domain.RawClassification, len(batch))
	assessments := make([]prefilter.Assessment, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, a := range batch {
		assessments[i] = p.filter.Assess(a.Title, a.Body)
		if assessments[i].Rejected() {
			continue
		}
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			raw, err := p.classifier.Classify(gctx, a.Title, a.Body, a.Source)
			if err != nil {
				return err
			}
			classifications[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("classify batch: %w", err)
	}

	for i, a := range batch {
		if verdict := assessments[i]; verdict.Rejected() {
			if verdict.IsInternational {
				summary.FilteredInternational++
			} else {
				summary.FilteredDigest++
			}
			out[i] = withArticle(rejected(a.ID, verdict), a)
			continue
		}

		raw := classifications[i]
		e, report := p.validator.Validate(a.ID, raw)
		e.Location.Region = p.resolver.CanonicalRegion(e.Location.Region)
		summary.Classified++
		switch report.Outcome {
		case taxonomy.OutcomeFailed:
			summary.ClassificationFailed++
		case taxonomy.OutcomeAliasMapped:
			summary.AliasMapped++
		case taxonomy.OutcomeUnmapped:
			summary.Unmapped++
		}
		if len(e.Anomalies) > 0 {
			summary.ValidationAnomalies++
		}
		summary.TokensIn += e.Usage.TokensIn
		summary.TokensOut += e.Usage.TokensOut
		summary.CostUSD += e.Usage.CostUSD

		if e.IsRelevant && !e.IsSummaryDigest && p.filter.CheckDigest(a.Title, a.Body, e.Deaths, e.Injuries) {
			e.IsSummaryDigest = true
			e.FilterReason = fmt.Sprintf("summary_digest_casualties: deaths=%d injuries=%d", e.Deaths, e.Injuries)
			summary.DigestAfterModel++
		}

		if e.IsRelevant {
			summary.Relevant++
			p.geocode(ctx, &e, raw)
			if e.GeoTier == domain.TierNone {
				summary.Ungeocoded++
			} else {
				summary.GeocodedByTier[e.GeoTier]++
			}
		}

		out[i] = withArticle(e, a)
	}
	return out, nil
}

func (p *Pipeline) geocode(ctx context.Context, e *domain.EnrichedArticle, raw domain.RawClassification) {
	q := geocoding.Query{
		Region:        e.Location.Region,
		Province:      e.Location.Province,
		District:      e.Location.District,
		SpecificPlace: e.Location.SpecificPlace,
	}
	if c, ok := raw.ModelCoordinates(); ok {
		q.Model = &c
	}
	res := p.resolver.Resolve(ctx, q)
	if !res.Resolved() {
		return
	}
	coords := res.Coordinates
	e.Coordinates = &coords
	e.GeoTier = res.Tier
}

// RebuildGold recomputes Gold from all of Silver and refreshes the stats of
// every Gold date.
func (p *Pipeline) RebuildGold(ctx context.Context) (int, error) {
	incidents, _, err := p.rebuildGold(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := p.aggregateDates(ctx, aggregate.Dates(incidents)); err != nil {
		return len(incidents), err
	}
	return len(incidents), nil
}

// rebuildGold promotes every Silver row, deduplicates the incidents across
// all history and replaces Gold. It returns the kept and the dropped incidents.
func (p *Pipeline) rebuildGold(ctx context.Context) ([]domain.Incident, []domain.Incident, error) {
	enriched, err := p.warehouse.AllEnriched(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load silver: %w", err)
	}

	promoted := make([]domain.Incident, 0, len(enriched))
	for _, e := range enriched {
		if inc, ok := domain.Promote(e, p.location); ok {
			promoted = append(promoted, inc)
		}
	}

	incidents, report := p.deduper.Incidents(promoted)
	if err := p.warehouse.ReplaceIncidents(ctx, incidents); err != nil {
		return nil, nil, fmt.Errorf("rebuild gold: %w", err)
	}

	var dropped []domain.Incident
	for _, inc := range promoted {
		if _, ok := report.Dropped[inc.ID]; ok {
			dropped = append(dropped, inc)
		}
	}
	p.logger.Info("gold rebuilt", "promoted", len(promoted), "incidents", len(incidents), "duplicates", len(dropped))
	return incidents, dropped, nil
}

// AggregateDate recomputes the stats of one date from Gold.
func (p *Pipeline) AggregateDate(ctx context.Context, date time.Time) (domain.DailyStats, error) {
	day := domain.DateOf(date, time.UTC)
	incidents, err := p.warehouse.IncidentsOn(ctx, day)
	if err != nil {
		return domain.DailyStats{}, fmt.Errorf("load gold %s: %w", day.Format(time.DateOnly), err)
	}

	var prior *domain.DailyStats
	prev, ok, err := p.warehouse.DailyStats(ctx, aggregate.Previous(day))
	if err != nil {
		return domain.DailyStats{}, fmt.Errorf("load prior stats: %w", err)
	}
	if ok {
		prior = &prev
	}

	stats := aggregate.Aggregate(incidents, day, prior)
	if err := p.warehouse.UpsertDailyStats(ctx, stats); err != nil {
		return stats, fmt.Errorf("upsert daily stats %s: %w", day.Format(time.DateOnly), err)
	}
	return stats, nil
}

// aggregateDates refreshes dates in ascending order. The day after each
// refreshed date is included when Gold has incidents for it, since its delta
// depends on the refreshed total.
func (p *Pipeline) aggregateDates(ctx context.Context, dates []time.Time) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	known, err := p.warehouse.IncidentDates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load gold dates: %w", err)
	}
	hasGold := make(map[time.Time]struct{}, len(known))
	for _, d := range known {
		hasGold[d] = struct{}{}
	}

	set := make(map[time.Time]struct{}, len(dates)*2)
	for _, d := range dates {
		set[d] = struct{}{}
		if _, ok := hasGold[d.AddDate(0, 0, 1)]; ok {
			set[d.AddDate(0, 0, 1)] = struct{}{}
		}
	}

	count := 0
	for _, day := range slices.SortedFunc(maps.Keys(set), time.Time.Compare) {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := p.AggregateDate(ctx, day); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func rejected(id string, verdict prefilter.Assessment) domain.EnrichedArticle {
	return domain.EnrichedArticle{
		ID:              id,
		IsInternational: verdict.IsInternational,
		IsSummaryDigest: verdict.IsSummaryDigest,
		FilterReason:    verdict.Reason,
		EventType:       domain.EventNotRelevant,
		Sentiment:       domain.SentimentNeutral,
	}
}

func withArticle(e domain.EnrichedArticle, a domain.RawArticle) domain.EnrichedArticle {
	e.Title = a.Title
	e.URL = a.URL
	e.CanonicalURI = a.CanonicalURI
	e.Source = a.Source
	e.PublishedAt = a.PublishedAt
	e.IngestRunID = a.IngestRunID
	return e
}

func logSummary(logger *slog.Logger, s domain.RunSummary, counters map[string]slog.LogValuer, err error) {
	attrs := make([]any, 0, 2*len(s.Stages())+2*len(counters)+8)
	attrs = append(attrs, "status", string(s.Status), "duration", s.FinishedAt.Sub(s.StartedAt))
	for _, st := range s.Stages() {
		attrs = append(attrs, st.Name, st.Count)
	}
	attrs = append(attrs, "tokens_in", s.TokensIn, "tokens_out", s.TokensOut, "cost_usd", s.CostUSD)
	for _, name := range slices.Sorted(maps.Keys(counters)) {
		attrs = append(attrs, name, counters[name])
	}
	if err != nil {
		logger.Error("pipeline run failed", append(attrs, "error", err)...)
		return
	}
	logger.Info("pipeline run finished", attrs...)
}
