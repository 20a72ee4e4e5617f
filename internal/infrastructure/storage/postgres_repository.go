package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

//go:embed schema.sql
var schema string

// insertChunk bounds rows per INSERT so the parameter count stays well under
// the Postgres limit.
const insertChunk = 500

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	bronzeColumns = []string{
		"id", "title", "body", "url", "canonical_uri", "language", "source", "published_at", "ingest_run_id",
	}
	silverColumns = []string{
		"id", "is_relevant", "is_international", "is_summary_digest", "filter_reason",
		"event_type", "event_subtype", "confidence", "deaths", "injuries",
		"region", "province", "district", "specific_place", "lat", "lon", "geo_tier",
		"actors", "organizations", "summary_es", "summary_en", "sentiment",
		"llm_provider", "llm_model", "tokens_in", "tokens_out", "cost_usd",
		"classification_failed", "anomalies",
		"title", "url", "canonical_uri", "source", "published_at", "ingest_run_id",
	}
	goldColumns = []string{
		"id", "event_type", "event_subtype", "incident_date", "published_at", "deaths", "injuries",
		"region", "province", "district", "specific_place", "location_display",
		"lat", "lon", "geo_tier", "has_geo", "actors", "organizations",
		"title", "summary", "url", "canonical_uri", "source", "sentiment", "confidence",
	}
	statsColumns = []string{
		"date", "total_incidents", "total_deaths", "total_injuries",
		"by_event_type", "by_region", "by_tier", "geocoded", "ungeocoded", "high_confidence", "delta_incidents",
	}
)

// PostgresRepository stores the Bronze, Silver and Gold layers plus daily
// stats, run bookkeeping and the gazetteer dimension in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

var (
	_ ports.Warehouse       = (*PostgresRepository)(nil)
	_ ports.GazetteerSource = (*PostgresRepository)(nil)
)

// Open connects to Postgres with the configured pool limits.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates missing tables and indexes.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveRaw inserts Bronze rows. Existing IDs are left untouched.
func (r *PostgresRepository) SaveRaw(ctx context.Context, articles []domain.RawArticle) error {
	for start := 0; start < len(articles); start += insertChunk {
		end := min(start+insertChunk, len(articles))
		q := psql.Insert("bronze_articles").Columns(bronzeColumns...)
		for _, a := range articles[start:end] {
			q = q.Values(a.ID, a.Title, a.Body, a.URL, nullString(a.CanonicalURI), a.Language, a.Source, a.PublishedAt.UTC(), a.IngestRunID)
		}
		if err := r.exec(ctx, r.db, q.Suffix("ON CONFLICT (id) DO NOTHING")); err != nil {
			return fmt.Errorf("insert bronze: %w", err)
		}
	}
	return nil
}

// RawByRun returns the Bronze rows of one ingestion run.
func (r *PostgresRepository) RawByRun(ctx context.Context, ingestRunID string) ([]domain.RawArticle, error) {
	return r.selectRaw(ctx, sq.Eq{"ingest_run_id": ingestRunID})
}

// RawSince returns Bronze rows published at or after since.
func (r *PostgresRepository) RawSince(ctx context.Context, since time.Time) ([]domain.RawArticle, error) {
	return r.selectRaw(ctx, sq.GtOrEq{"published_at": since.UTC()})
}

func (r *PostgresRepository) selectRaw(ctx context.Context, where sq.Sqlizer) ([]domain.RawArticle, error) {
	q := psql.Select(bronzeColumns...).From("bronze_articles").Where(where).OrderBy("published_at DESC", "id")
	return queryAll(ctx, r.db, q, func(rows *sql.Rows) (domain.RawArticle, error) {
		var (
			a   domain.RawArticle
			uri sql.NullString
		)
		err := rows.Scan(&a.ID, &a.Title, &a.Body, &a.URL, &uri, &a.Language, &a.Source, &a.PublishedAt, &a.IngestRunID)
		a.CanonicalURI = uri.String
		a.PublishedAt = a.PublishedAt.UTC()
		return a, err
	})
}

// UpsertEnriched writes Silver rows keyed by article ID.
func (r *PostgresRepository) UpsertEnriched(ctx context.Context, articles []domain.EnrichedArticle) error {
	suffix := "ON CONFLICT (id) DO UPDATE SET " + excludedAssignments(silverColumns[1:]) + ", processed_at = NOW()"
	for start := 0; start < len(articles); start += insertChunk {
		end := min(start+insertChunk, len(articles))
		q := psql.Insert("silver_articles").Columns(silverColumns...)
		for _, e := range articles[start:end] {
			values, err := silverValues(e)
			if err != nil {
				return fmt.Errorf("encode silver %s: %w", e.ID, err)
			}
			q = q.Values(values...)
		}
		if err := r.exec(ctx, r.db, q.Suffix(suffix)); err != nil {
			return fmt.Errorf("upsert silver: %w", err)
		}
	}
	return nil
}

// AllEnriched loads every Silver row.
func (r *PostgresRepository) AllEnriched(ctx context.Context) ([]domain.EnrichedArticle, error) {
	return r.selectSilver(ctx, nil)
}

// HistoryKeys returns the dedupe keys of Silver rows from other runs.
func (r *PostgresRepository) HistoryKeys(ctx context.Context, excludeRunID string, since time.Time) ([]ports.HistoryKey, error) {
	q := psql.Select("id", "title", "canonical_uri", "published_at").
		From("silver_articles").
		Where(sq.NotEq{"ingest_run_id": excludeRunID}).
		Where(sq.GtOrEq{"published_at": since.UTC()}).
		OrderBy("id")
	return queryAll(ctx, r.db, q, func(rows *sql.Rows) (ports.HistoryKey, error) {
		var (
			k   ports.HistoryKey
			uri sql.NullString
		)
		err := rows.Scan(&k.ID, &k.Title, &uri, &k.PublishedAt)
		k.CanonicalURI = uri.String
		return k, err
	})
}

func (r *PostgresRepository) selectSilver(ctx context.Context, where sq.Sqlizer) ([]domain.EnrichedArticle, error) {
	q := psql.Select(silverColumns...).From("silver_articles").OrderBy("published_at DESC", "id")
	if where != nil {
		q = q.Where(where)
	}
	return queryAll(ctx, r.db, q, scanSilver)
}

// ReplaceIncidents rebuilds the Gold table in one transaction.
func (r *PostgresRepository) ReplaceIncidents(ctx context.Context, incidents []domain.Incident) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin gold rebuild: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.exec(ctx, tx, psql.Delete("gold_incidents")); err != nil {
		return fmt.Errorf("clear gold: %w", err)
	}
	for start := 0; start < len(incidents); start += insertChunk {
		end := min(start+insertChunk, len(incidents))
		q := psql.Insert("gold_incidents").Columns(goldColumns...)
		for _, inc := range incidents[start:end] {
			q = q.Values(goldValues(inc)...)
		}
		if err = r.exec(ctx, tx, q); err != nil {
			return fmt.Errorf("insert gold: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit gold rebuild: %w", err)
	}
	return nil
}

// IncidentsOn returns the Gold incidents of one calendar date.
func (r *PostgresRepository) IncidentsOn(ctx context.Context, date time.Time) ([]domain.Incident, error) {
	q := psql.Select(goldColumns...).
		From("gold_incidents").
		Where("incident_date = ?::date", dateString(date)).
		OrderBy("published_at DESC", "id")
	return queryAll(ctx, r.db, q, scanGold)
}

// IncidentDates lists distinct Gold dates, ascending.
func (r *PostgresRepository) IncidentDates(ctx context.Context) ([]time.Time, error) {
	q := psql.Select("incident_date").Distinct().From("gold_incidents").OrderBy("incident_date")
	return queryAll(ctx, r.db, q, func(rows *sql.Rows) (time.Time, error) {
		var d time.Time
		err := rows.Scan(&d)
		return dateOnly(d), err
	})
}

// UpsertDailyStats writes the row for stats.Date.
func (r *PostgresRepository) UpsertDailyStats(ctx context.Context, stats domain.DailyStats) error {
	byEvent, err := encodeCounts(stats.ByEventType)
	if err != nil {
		return err
	}
	byRegion, err := encodeCounts(stats.ByRegion)
	if err != nil {
		return err
	}
	byTier, err := encodeCounts(stats.ByTier)
	if err != nil {
		return err
	}
	var delta sql.NullInt64
	if stats.DeltaIncidents != nil {
		delta = sql.NullInt64{Int64: int64(*stats.DeltaIncidents), Valid: true}
	}

	q := psql.Insert("daily_stats").Columns(statsColumns...).
		Values(dateString(stats.Date), stats.TotalIncidents, stats.TotalDeaths, stats.TotalInjuries,
			string(byEvent), string(byRegion), string(byTier),
			stats.Geocoded, stats.Ungeocoded, stats.HighConfidence, delta).
		Suffix("ON CONFLICT (date) DO UPDATE SET " + excludedAssignments(statsColumns[1:]) + ", updated_at = NOW()")
	if err := r.exec(ctx, r.db, q); err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

// DailyStats loads the row for date; ok is false when none is stored.
func (r *PostgresRepository) DailyStats(ctx context.Context, date time.Time) (domain.DailyStats, bool, error) {
	q := psql.Select(statsColumns...).From("daily_stats").Where("date = ?::date", dateString(date))
	rows, err := queryAll(ctx, r.db, q, scanStats)
	if err != nil {
		return domain.DailyStats{}, false, err
	}
	if len(rows) == 0 {
		return domain.DailyStats{}, false, nil
	}
	return rows[0], true, nil
}

// StartRun records a running pipeline run.
func (r *PostgresRepository) StartRun(ctx context.Context, summary domain.RunSummary) error {
	q := psql.Insert("ops_runs").
		Columns("run_id", "ingest_run_id", "status", "started_at").
		Values(summary.RunID, summary.IngestRunID, string(summary.Status), summary.StartedAt.UTC()).
		Suffix("ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at")
	if err := r.exec(ctx, r.db, q); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and stage counts.
func (r *PostgresRepository) FinishRun(ctx context.Context, summary domain.RunSummary) error {
	stages, err := encodeStages(summary)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	q := psql.Update("ops_runs").SetMap(map[string]any{
		"status":       string(summary.Status),
		"finished_at":  summary.FinishedAt.UTC(),
		"stage_counts": string(stages),
		"tokens_in":    summary.TokensIn,
		"tokens_out":   summary.TokensOut,
		"cost_usd":     summary.CostUSD,
	}).Where(sq.Eq{"run_id": summary.RunID})
	if err := r.exec(ctx, r.db, q); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LoadPlaces reads the dim_places gazetteer dimension.
func (r *PostgresRepository) LoadPlaces(ctx context.Context) ([]domain.GazetteerPlace, error) {
	q := psql.Select("place_id", "region", "province", "district", "lat", "lon").From("dim_places").OrderBy("place_id")
	return queryAll(ctx, r.db, q, func(rows *sql.Rows) (domain.GazetteerPlace, error) {
		var p domain.GazetteerPlace
		err := rows.Scan(&p.PlaceID, &p.Region, &p.Province, &p.District, &p.Lat, &p.Lon)
		return p, err
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *PostgresRepository) exec(ctx context.Context, db execer, q sq.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = db.ExecContext(ctx, query, args...)
	return err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAll[T any](ctx context.Context, db querier, q sq.Sqlizer, scan func(*sql.Rows) (T, error)) ([]T, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	var result []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, item)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return result, nil
}

func excludedAssignments(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " = EXCLUDED." + c
	}
	return strings.Join(parts, ", ")
}

func silverValues(e domain.EnrichedArticle) ([]any, error) {
	actors, err := encodeList(e.Actors)
	if err != nil {
		return nil, err
	}
	orgs, err := encodeList(e.Organizations)
	if err != nil {
		return nil, err
	}
	anomalies, err := encodeList(e.Anomalies)
	if err != nil {
		return nil, err
	}
	lat, lon := nullCoords(e.Coordinates)
	return []any{
		e.ID, e.IsRelevant, e.IsInternational, e.IsSummaryDigest, e.FilterReason,
		string(e.EventType), e.EventSubtype, e.Confidence, e.Deaths, e.Injuries,
		e.Location.Region, e.Location.Province, e.Location.District, e.Location.SpecificPlace,
		lat, lon, nullString(string(e.GeoTier)),
		string(actors), string(orgs), e.SummaryES, e.SummaryEN, string(e.Sentiment),
		e.Usage.Provider, e.Usage.Model, e.Usage.TokensIn, e.Usage.TokensOut, e.Usage.CostUSD,
		e.ClassificationFailed, string(anomalies),
		e.Title, e.URL, nullString(e.CanonicalURI), e.Source, e.PublishedAt.UTC(), e.IngestRunID,
	}, nil
}

func scanSilver(rows *sql.Rows) (domain.EnrichedArticle, error) {
	var (
		e                       domain.EnrichedArticle
		eventType, sentiment    string
		lat, lon                sql.NullFloat64
		tier, uri               sql.NullString
		actors, orgs, anomalies []byte
	)
	err := rows.Scan(
		&e.ID, &e.IsRelevant, &e.IsInternational, &e.IsSummaryDigest, &e.FilterReason,
		&eventType, &e.EventSubtype, &e.Confidence, &e.Deaths, &e.Injuries,
		&e.Location.Region, &e.Location.Province, &e.Location.District, &e.Location.SpecificPlace,
		&lat, &lon, &tier,
		&actors, &orgs, &e.SummaryES, &e.SummaryEN, &sentiment,
		&e.Usage.Provider, &e.Usage.Model, &e.Usage.TokensIn, &e.Usage.TokensOut, &e.Usage.CostUSD,
		&e.ClassificationFailed, &anomalies,
		&e.Title, &e.URL, &uri, &e.Source, &e.PublishedAt, &e.IngestRunID,
	)
	if err != nil {
		return e, err
	}
	e.EventType = domain.EventType(eventType)
	e.Sentiment = domain.Sentiment(sentiment)
	e.Coordinates = coordsFrom(lat, lon)
	e.GeoTier = domain.GeoTier(tier.String)
	e.CanonicalURI = uri.String
	e.PublishedAt = e.PublishedAt.UTC()

	if e.Actors, err = decodeList(actors); err != nil {
		return e, err
	}
	if e.Organizations, err = decodeList(orgs); err != nil {
		return e, err
	}
	e.Anomalies, err = decodeList(anomalies)
	return e, err
}

func goldValues(inc domain.Incident) []any {
	lat, lon := nullCoords(inc.Coordinates)
	return []any{
		inc.ID, string(inc.EventType), inc.EventSubtype, dateString(inc.IncidentDate), inc.PublishedAt.UTC(),
		inc.Deaths, inc.Injuries,
		inc.Location.Region, inc.Location.Province, inc.Location.District, inc.Location.SpecificPlace,
		inc.Location.Display(),
		lat, lon, nullString(string(inc.GeoTier)), inc.HasGeo(),
		joinList(inc.Actors), joinList(inc.Organizations),
		inc.Title, inc.Summary, inc.URL, nullString(inc.CanonicalURI), inc.Source, string(inc.Sentiment), inc.Confidence,
	}
}

func scanGold(rows *sql.Rows) (domain.Incident, error) {
	var (
		inc                  domain.Incident
		eventType, sentiment string
		display              string
		lat, lon             sql.NullFloat64
		tier, uri            sql.NullString
		hasGeo               bool
		actors, orgs         string
	)
	err := rows.Scan(
		&inc.ID, &eventType, &inc.EventSubtype, &inc.IncidentDate, &inc.PublishedAt,
		&inc.Deaths, &inc.Injuries,
		&inc.Location.Region, &inc.Location.Province, &inc.Location.District, &inc.Location.SpecificPlace,
		&display,
		&lat, &lon, &tier, &hasGeo,
		&actors, &orgs,
		&inc.Title, &inc.Summary, &inc.URL, &uri, &inc.Source, &sentiment, &inc.Confidence,
	)
	if err != nil {
		return inc, err
	}
	inc.EventType = domain.EventType(eventType)
	inc.Sentiment = domain.Sentiment(sentiment)
	inc.IncidentDate = dateOnly(inc.IncidentDate)
	inc.PublishedAt = inc.PublishedAt.UTC()
	inc.Coordinates = coordsFrom(lat, lon)
	inc.GeoTier = domain.GeoTier(tier.String)
	inc.CanonicalURI = uri.String
	inc.Actors = splitList(actors)
	inc.Organizations = splitList(orgs)
	return inc, nil
}

func scanStats(rows *sql.Rows) (domain.DailyStats, error) {
	var (
		s                         domain.DailyStats
		byEvent, byRegion, byTier []byte
		delta                     sql.NullInt64
	)
	err := rows.Scan(&s.Date, &s.TotalIncidents, &s.TotalDeaths, &s.TotalInjuries,
		&byEvent, &byRegion, &byTier, &s.Geocoded, &s.Ungeocoded, &s.HighConfidence, &delta)
	if err != nil {
		return s, err
	}
	s.Date = dateOnly(s.Date)
	if delta.Valid {
		d := int(delta.Int64)
		s.DeltaIncidents = &d
	}
	if s.ByEventType, err = decodeCounts[domain.EventType](byEvent); err != nil {
		return s, err
	}
	if s.ByRegion, err = decodeCounts[string](byRegion); err != nil {
		return s, err
	}
	s.ByTier, err = decodeCounts[domain.GeoTier](byTier)
	return s, err
}
