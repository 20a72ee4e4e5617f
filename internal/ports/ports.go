package ports

import (
	"context"
	"time"

	"IncidentEnricher/internal/domain"
)

// Prompt is a single structured-output request to a language model.
type Prompt struct {
	System      string
	User        string
	Schema      string
	MaxTokens   int
	Temperature float64
}

// Generation is the raw model answer plus accounting.
type Generation struct {
	Text      string
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
}

// Generator sends prompts to an LLM provider (OpenAI, Azure OpenAI, Anthropic).
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (Generation, error)
}

// Geocoder resolves free-text place names to coordinates. ok is false on a
// clean miss; err is reserved for failures the caller may want to log.
type Geocoder interface {
	Geocode(ctx context.Context, place, regionHint string) (domain.Coordinates, bool, error)
}

// GazetteerSource loads the static reference places.
type GazetteerSource interface {
	LoadPlaces(ctx context.Context) ([]domain.GazetteerPlace, error)
}

// HistoryKey identifies a previously enriched article for global dedupe.
type HistoryKey struct {
	ID           string
	Title        string
	CanonicalURI string
	PublishedAt  time.Time
}

// BronzeRepository reads raw articles written by the ingestion collaborator.
type BronzeRepository interface {
	SaveRaw(ctx context.Context, articles []domain.RawArticle) error
	RawByRun(ctx context.Context, ingestRunID string) ([]domain.RawArticle, error)
	RawSince(ctx context.Context, since time.Time) ([]domain.RawArticle, error)
}

// SilverRepository persists enriched articles keyed by article ID.
type SilverRepository interface {
	UpsertEnriched(ctx context.Context, articles []domain.EnrichedArticle) error
	AllEnriched(ctx context.Context) ([]domain.EnrichedArticle, error)
	HistoryKeys(ctx context.Context, excludeRunID string, since time.Time) ([]HistoryKey, error)
}

// GoldRepository holds the incidents derived from Silver.
type GoldRepository interface {
	ReplaceIncidents(ctx context.Context, incidents []domain.Incident) error
	IncidentsOn(ctx context.Context, date time.Time) ([]domain.Incident, error)
	IncidentDates(ctx context.Context) ([]time.Time, error)
}

// StatsRepository stores one DailyStats row per date.
type StatsRepository interface {
	UpsertDailyStats(ctx context.Context, stats domain.DailyStats) error
	DailyStats(ctx context.Context, date time.Time) (domain.DailyStats, bool, error)
}

// RunRepository records pipeline runs and their stage counts.
type RunRepository interface {
	StartRun(ctx context.Context, summary domain.RunSummary) error
	FinishRun(ctx context.Context, summary domain.RunSummary) error
}

// Warehouse bundles every table the pipeline touches.
type Warehouse interface {
	BronzeRepository
	SilverRepository
	GoldRepository
	StatsRepository
	RunRepository
}

// Notifier streams run summaries to Telegram or other channels.
type Notifier interface {
	PublishRunSummary(ctx context.Context, summary domain.RunSummary) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
