package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"IncidentEnricher/internal/classifier"
	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/dedupe"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/geocoding"
	"IncidentEnricher/internal/infrastructure/gazetteer"
	"IncidentEnricher/internal/infrastructure/geocoder"
	"IncidentEnricher/internal/infrastructure/llm"
	"IncidentEnricher/internal/infrastructure/scheduler"
	"IncidentEnricher/internal/infrastructure/storage"
	"IncidentEnricher/internal/infrastructure/telegram"
	"IncidentEnricher/internal/logging"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/prefilter"
	"IncidentEnricher/internal/taxonomy"
	"IncidentEnricher/internal/usecase"
)

// Gazetteer sources.
const (
	GazetteerCSV      = "csv"
	GazetteerPostgres = "postgres"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	warehouse ports.Warehouse
	filter    *prefilter.Filter
	taxonomy  *taxonomy.Registry
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
	geoCache  *geocoding.CachedGeocoder
}

// New builds the application from configuration. Close releases the
// database pool.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	if err := a.openWarehouse(ctx); err != nil {
		return nil, err
	}
	built, err := a.build(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = built
	return a, nil
}

func (a *Application) openWarehouse(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory warehouse")
		a.warehouse = storage.NewMemoryRepository()
		return nil
	}

	db, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	repo := storage.NewPostgresRepository(db)
	if a.cfg.Database.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return err
		}
	}
	a.db = db
	a.warehouse = repo
	return nil
}

func (a *Application) build(ctx context.Context) (*usecase.Pipeline, error) {
	cfg := a.cfg

	resolver, err := a.buildResolver(ctx)
	if err != nil {
		return nil, err
	}

	if a.taxonomy, err = loadTaxonomy(cfg.Taxonomy.Path); err != nil {
		return nil, err
	}
	if a.filter, err = loadFilter(cfg.Filter.Path); err != nil {
		return nil, err
	}

	gen, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	client, err := classifier.New(gen, classifierOptions(cfg), a.logger)
	if err != nil {
		return nil, err
	}

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.Enabled() {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram)
	}

	counters := map[string]slog.LogValuer{"classifier": client}
	if a.geoCache != nil {
		counters["geocoder_cache"] = a.geoCache
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.LLM.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RequestsPerSecond), max(cfg.LLM.Burst, 1))
	}

	pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
		Warehouse:  a.warehouse,
		Filter:     a.filter,
		Classifier: client,
		Validator:  taxonomy.NewValidator(a.taxonomy, a.logger.With("component", "taxonomy")),
		Resolver:   resolver,
		Deduper:    dedupe.New(cfg.Dedupe.PrefixRunes),
		Notifier:   notifier,
		Limiter:    limiter,
		Counters:   counters,
		Location:   cfg.Location(),
		Logger:     a.logger.With("component", "pipeline"),
		Options: usecase.Options{
			BatchSize:   cfg.Pipeline.BatchSize,
			Concurrency: cfg.Pipeline.Concurrency,
			HistoryDays: cfg.Dedupe.HistoryDays,
		},
	})
	if err != nil {
		return nil, err
	}

	driver, err := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Location(), a.logger.With("component", "cron"))
	if err != nil {
		return nil, err
	}
	a.scheduler = usecase.NewScheduler(driver, pipeline, cfg.Scheduler.Lookback, a.logger.With("component", "scheduler"))
	return pipeline, nil
}

func (a *Application) buildResolver(ctx context.Context) (*geocoding.Resolver, error) {
	cfg := a.cfg.Geocoding

	var source ports.GazetteerSource
	switch a.cfg.Gazetteer.Source {
	case GazetteerCSV, "":
		source = gazetteer.NewCSVSource(a.cfg.Gazetteer.Path)
	case GazetteerPostgres:
		gs, ok := a.warehouse.(ports.GazetteerSource)
		if !ok || a.db == nil {
			return nil, errors.New("gazetteer: postgres source requires a database dsn")
		}
		source = gs
	default:
		return nil, fmt.Errorf("gazetteer: unknown source %q", a.cfg.Gazetteer.Source)
	}
	places, err := source.LoadPlaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("gazetteer: %w", err)
	}
	a.logger.Info("gazetteer loaded", "source", a.cfg.Gazetteer.Source, "places", len(places))

	var external ports.Geocoder
	if cfg.AzureMaps.Key != "" {
		client, err := geocoder.NewAzureMapsClient(cfg.AzureMaps, a.logger)
		if err != nil {
			return nil, err
		}
		cached, err := geocoding.NewCachedGeocoder(client, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		external = cached
		a.geoCache = cached
	}

	reg := geocoding.NewDefaultRegistry(geocoding.NewGazetteer(places), external, a.logger.With("component", "geocoding"))
	return geocoding.NewResolver(reg, cfg.Strategies, cfg.RegionAliases, a.logger)
}

func classifierOptions(cfg config.Config) classifier.Options {
	pricing := make(map[string]classifier.Pricing, len(cfg.Classifier.Pricing))
	for name, p := range cfg.Classifier.Pricing {
		pricing[name] = classifier.Pricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	return classifier.Options{
		SystemPrompt: cfg.Classifier.SystemPrompt,
		UserTemplate: cfg.Classifier.UserTemplate,
		MaxBodyRunes: cfg.Classifier.MaxBodyRunes,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.SamplingTemperature(),
		MaxAttempts:  cfg.Classifier.MaxAttempts,
		BaseDelay:    cfg.Classifier.BaseDelay,
		MaxDelay:     cfg.Classifier.MaxDelay,
		CallTimeout:  cfg.Classifier.CallTimeout,
		Pricing:      pricing,
	}
}

func loadTaxonomy(path string) (*taxonomy.Registry, error) {
	if path == "" {
		return taxonomy.Default(), nil
	}
	reg, err := taxonomy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	return reg, nil
}

func loadFilter(path string) (*prefilter.Filter, error) {
	if path == "" {
		return prefilter.Default(), nil
	}
	f, err := prefilter.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return f, nil
}

// Run performs a single pipeline execution for the selector.
func (a *Application) Run(ctx context.Context, sel usecase.Selector) (domain.RunSummary, error) {
	return a.pipeline.Run(ctx, sel)
}

// Aggregate recomputes the daily statistics of one calendar date.
func (a *Application) Aggregate(ctx context.Context, date time.Time) (domain.DailyStats, error) {
	return a.pipeline.AggregateDate(ctx, date)
}

// RebuildGold recomputes Gold from Silver and refreshes every daily row.
func (a *Application) RebuildGold(ctx context.Context) (int, error) {
	return a.pipeline.RebuildGold(ctx)
}

// Reload re-reads the taxonomy and filter documents from disk. Embedded
// defaults are not reloadable.
func (a *Application) Reload() error {
	var errs []error
	if path := a.cfg.Taxonomy.Path; path != "" {
		if err := a.taxonomy.ReloadFile(path); err != nil {
			errs = append(errs, fmt.Errorf("taxonomy: %w", err))
		}
	}
	if path := a.cfg.Filter.Path; path != "" {
		if err := a.filter.ReloadFile(path); err != nil {
			errs = append(errs, fmt.Errorf("filter: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("reference data reloaded", "aliases", a.taxonomy.Len())
	return nil
}

// Schedule starts the cron loop and blocks until ctx is done.
func (a *Application) Schedule(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("scheduler started", "cron", a.cfg.Scheduler.CronExpression, "timezone", a.cfg.Timezone)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return a.scheduler.Stop(stopCtx)
}

// Close releases the database pool.
func (a *Application) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
