package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/infrastructure/storage"
	"IncidentEnricher/internal/taxonomy"
	"IncidentEnricher/internal/usecase"
)

const completion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"is_relevant\":true,\"event_type\":\"homicidio\",\"region\":\"Lima\",\"province\":\"Lima\",\"district\":\"Los Olivos\",\"deaths\":1,\"actors\":[\"PNP\"],\"summary_es\":\"Asesinato.\",\"confidence\":0.9}"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 400, "completion_tokens": 80, "total_tokens": 480}
}`

func testConfig(t *testing.T, llmURL string) config.Config {
	t.Helper()

	dir := t.TempDir()
	gazPath := filepath.Join(dir, "gazetteer.csv")
	csv := "ubigeo,departamento,provincia,distrito,latitud,longitud\n" +
		"150117,Lima,Lima,Los Olivos,-11.99,-77.07\n" +
		"150101,Lima,Lima,Lima,-12.05,-77.04\n"
	require.NoError(t, os.WriteFile(gazPath, []byte(csv), 0o600))

	return config.Config{
		Timezone:  "America/Lima",
		Logging:   config.LoggingConfig{Level: "error"},
		Scheduler: config.SchedulerConfig{CronExpression: "0 6 * * *", Lookback: 24 * time.Hour},
		LLM: config.LLMConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "gpt-4o-mini",
			APIKey:    "test-key",
			BaseURL:   llmURL + "/v1",
			MaxTokens: 256,
		},
		Classifier: config.ClassifierConfig{
			MaxAttempts: 1,
			Pricing:     map[string]config.PriceConfig{config.ProviderOpenAI: {InputPerMillion: 0.15, OutputPerMillion: 0.60}},
		},
		Gazetteer: config.GazetteerConfig{Source: GazetteerCSV, Path: gazPath},
		Dedupe:    config.DedupeConfig{PrefixRunes: 80, HistoryDays: 30},
		Pipeline:  config.PipelineConfig{BatchSize: 10, Concurrency: 2},
	}
}

func TestApplicationRunsWithMemoryWarehouse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion))
	}))
	defer server.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(t, server.URL), nil)
	require.NoError(t, err)
	defer a.Close()

	repo, ok := a.warehouse.(*storage.MemoryRepository)
	require.True(t, ok, "empty dsn selects the memory warehouse")

	published := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveRaw(ctx, []domain.RawArticle{{
		ID:          "a1",
		Title:       "Asesinan a cambista en Los Olivos",
		Body:        "<p>La PNP investiga el crimen.</p>",
		URL:         "https://diario.pe/a1",
		Source:      "diario.pe",
		PublishedAt: published,
		IngestRunID: "ingest-1",
	}}))

	summary, err := a.Run(ctx, usecase.Selector{IngestRunID: "ingest-1"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.RunSucceeded, summary.Status)
	assert.Equal(t, 1, summary.Classified)
	assert.Equal(t, 1, summary.AliasMapped)
	assert.Equal(t, 1, summary.Promoted)
	assert.Equal(t, 1, summary.GeocodedByTier[domain.TierDistrict])

	incidents := repo.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.EventViolentCrime, incidents[0].EventType)

	stats, err := a.Aggregate(ctx, published)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalIncidents)

	n, err := a.RebuildGold(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplicationRejectsBadGazetteerSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
	}{
		{name: "unknown", source: "sqlite"},
		{name: "postgres without dsn", source: GazetteerPostgres},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "http://127.0.0.1:0")
			cfg.Gazetteer.Source = tc.source
			_, err := New(context.Background(), cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestApplicationRequiresLLMKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.LLM.APIKey = ""
	_, err := New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "api key is empty")
}

func TestApplicationReload(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:0")
	taxPath := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(taxPath, taxonomy.DefaultDocument(), 0o600))
	cfg.Taxonomy.Path = taxPath

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Reload())

	require.NoError(t, os.WriteFile(taxPath, []byte("aliases: [unterminated"), 0o600))
	require.Error(t, a.Reload())

	_, kind := a.taxonomy.Lookup("homicidio")
	assert.NotEqual(t, taxonomy.MatchNone, kind, "previous table stays active")
}
