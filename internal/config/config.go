package config

import (
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone    = "America/Lima"
	defaultTemperature = 0.1
	fallbackTimezone   = "UTC"
	configPathEnv      = "INCIDENT_ENRICHER_CONFIG"
	databaseDSNEnv     = "DATABASE_DSN"
	openAIAPIKeyEnv    = "OPENAI_API_KEY"
	anthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	llmProviderEnv     = "LLM_PROVIDER"
	llmModelEnv        = "LLM_MODEL"
	azureMapsKeyEnv    = "AZURE_MAPS_KEY"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv  = "TELEGRAM_CHAT_ID"
	logLevelEnv        = "LOG_LEVEL"
)

// LLM provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
)

// Config holds high-level settings required across the application.
type Config struct {
	Timezone      string             `yaml:"timezone"`
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	LLM           LLMConfig          `yaml:"llm"`
	Classifier    ClassifierConfig   `yaml:"classifier"`
	Geocoding     GeocodingConfig    `yaml:"geocoding"`
	Gazetteer     GazetteerConfig    `yaml:"gazetteer"`
	Taxonomy      TaxonomyConfig     `yaml:"taxonomy"`
	Filter        FilterConfig       `yaml:"filter"`
	Dedupe        DedupeConfig       `yaml:"dedupe"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Notifications NotificationConfig `yaml:"notifications"`

	location *time.Location `yaml:"-"`
}

// Location is the timezone incident dates are computed in.
func (c Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoggingConfig selects level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN selects
// the in-memory warehouse.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// SchedulerConfig defines when the pipeline should run.
type SchedulerConfig struct {
	CronExpression string        `yaml:"cronExpression"`
	Lookback       time.Duration `yaml:"lookback"`
}

// LLMConfig selects and configures the generator backend.
type LLMConfig struct {
	Provider          string   `yaml:"provider"`
	Model             string   `yaml:"model"`
	APIKey            string   `yaml:"apiKey"`
	AnthropicAPIKey   string   `yaml:"anthropicApiKey"`
	BaseURL           string   `yaml:"baseUrl"`
	APIVersion        string   `yaml:"apiVersion"`
	MaxTokens         int      `yaml:"maxTokens"`
	Temperature       *float64 `yaml:"temperature"` // nil when unset, so 0 is a valid override
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
}

// SamplingTemperature returns the configured temperature or the default.
func (c LLMConfig) SamplingTemperature() float64 {
	if c.Temperature == nil {
		return defaultTemperature
	}
	return *c.Temperature
}

// PriceConfig is the USD price per million tokens.
type PriceConfig struct {
	InputPerMillion  float64 `yaml:"inputPerMillion"`
	OutputPerMillion float64 `yaml:"outputPerMillion"`
}

// ClassifierConfig tunes prompts, retries and accounting.
type ClassifierConfig struct {
	SystemPrompt string                 `yaml:"systemPrompt"`
	UserTemplate string                 `yaml:"userTemplate"`
	MaxBodyRunes int                    `yaml:"maxBodyRunes"`
	MaxAttempts  int                    `yaml:"maxAttempts"`
	BaseDelay    time.Duration          `yaml:"baseDelay"`
	MaxDelay     time.Duration          `yaml:"maxDelay"`
	CallTimeout  time.Duration          `yaml:"callTimeout"`
	Pricing      map[string]PriceConfig `yaml:"pricing"`
}

// GeocodingConfig orders the strategies and configures the external geocoder.
type GeocodingConfig struct {
	Strategies    []string          `yaml:"strategies"`
	RegionAliases map[string]string `yaml:"regionAliases"`
	CacheSize     int               `yaml:"cacheSize"`
	AzureMaps     AzureMapsConfig   `yaml:"azureMaps"`
}

// AzureMapsConfig describes the Azure Maps search client.
type AzureMapsConfig struct {
	Key               string        `yaml:"key"`
	Endpoint          string        `yaml:"endpoint"`
	CountrySet        string        `yaml:"countrySet"`
	CountryName       string        `yaml:"countryName"`
	Language          string        `yaml:"language"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
}

// GazetteerConfig selects where reference places come from.
type GazetteerConfig struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
}

// TaxonomyConfig points to an alias table overriding the embedded one.
type TaxonomyConfig struct {
	Path string `yaml:"path"`
}

// FilterConfig points to a pattern document overriding the embedded one.
type FilterConfig struct {
	Path string `yaml:"path"`
}

// DedupeConfig tunes duplicate detection.
type DedupeConfig struct {
	PrefixRunes int `yaml:"prefixRunes"`
	HistoryDays int `yaml:"historyDays"`
}

// PipelineConfig sizes batches and concurrency.
type PipelineConfig struct {
	BatchSize   int `yaml:"batchSize"`
	Concurrency int `yaml:"concurrency"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	Endpoint string `yaml:"endpoint"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if fileCfg, err := Parse(raw); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
		} else {
			cfg = mergeConfig(cfg, fileCfg)
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Parse decodes a YAML document without defaults or overrides.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(llmProviderEnv); v != "" {
		c.LLM.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(llmModelEnv); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(anthropicAPIKeyEnv); v != "" {
		c.LLM.AnthropicAPIKey = v
	}

	if v := os.Getenv(azureMapsKeyEnv); v != "" {
		c.Geocoding.AzureMaps.Key = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, fallbackTimezone)
		loc = time.UTC
		tz = fallbackTimezone
	}
	c.Timezone = tz
	c.location = loc
}

func mergeConfig(base, override Config) Config {
	pick(&base.Timezone, override.Timezone)

	pick(&base.Logging.Level, override.Logging.Level)
	pick(&base.Logging.Format, override.Logging.Format)

	pick(&base.Database.DSN, override.Database.DSN)
	pick(&base.Database.MaxOpenConns, override.Database.MaxOpenConns)
	pick(&base.Database.MaxIdleConns, override.Database.MaxIdleConns)
	pick(&base.Database.ConnMaxLifetime, override.Database.ConnMaxLifetime)
	if override.Database.Migrate {
		base.Database.Migrate = true
	}

	pick(&base.Scheduler.CronExpression, override.Scheduler.CronExpression)
	pick(&base.Scheduler.Lookback, override.Scheduler.Lookback)

	pick(&base.LLM.Provider, strings.ToLower(override.LLM.Provider))
	pick(&base.LLM.Model, override.LLM.Model)
	pick(&base.LLM.APIKey, override.LLM.APIKey)
	pick(&base.LLM.AnthropicAPIKey, override.LLM.AnthropicAPIKey)
	pick(&base.LLM.BaseURL, override.LLM.BaseURL)
	pick(&base.LLM.APIVersion, override.LLM.APIVersion)
	pick(&base.LLM.MaxTokens, override.LLM.MaxTokens)
	pick(&base.LLM.Temperature, override.LLM.Temperature)
	pick(&base.LLM.RequestsPerSecond, override.LLM.RequestsPerSecond)
	pick(&base.LLM.Burst, override.LLM.Burst)

	pick(&base.Classifier.SystemPrompt, override.Classifier.SystemPrompt)
	pick(&base.Classifier.UserTemplate, override.Classifier.UserTemplate)
	pick(&base.Classifier.MaxBodyRunes, override.Classifier.MaxBodyRunes)
	pick(&base.Classifier.MaxAttempts, override.Classifier.MaxAttempts)
	pick(&base.Classifier.BaseDelay, override.Classifier.BaseDelay)
	pick(&base.Classifier.MaxDelay, override.Classifier.MaxDelay)
	pick(&base.Classifier.CallTimeout, override.Classifier.CallTimeout)
	for name, price := range override.Classifier.Pricing {
		base.Classifier.Pricing[name] = price
	}

	if len(override.Geocoding.Strategies) > 0 {
		base.Geocoding.Strategies = override.Geocoding.Strategies
	}
	for from, to := range override.Geocoding.RegionAliases {
		base.Geocoding.RegionAliases[from] = to
	}
	pick(&base.Geocoding.CacheSize, override.Geocoding.CacheSize)
	az, oaz := &base.Geocoding.AzureMaps, override.Geocoding.AzureMaps
	pick(&az.Key, oaz.Key)
	pick(&az.Endpoint, oaz.Endpoint)
	pick(&az.CountrySet, oaz.CountrySet)
	pick(&az.CountryName, oaz.CountryName)
	pick(&az.Language, oaz.Language)
	pick(&az.Timeout, oaz.Timeout)
	pick(&az.MaxRetries, oaz.MaxRetries)
	pick(&az.RequestsPerSecond, oaz.RequestsPerSecond)

	pick(&base.Gazetteer.Source, override.Gazetteer.Source)
	pick(&base.Gazetteer.Path, override.Gazetteer.Path)
	pick(&base.Taxonomy.Path, override.Taxonomy.Path)
	pick(&base.Filter.Path, override.Filter.Path)

	pick(&base.Dedupe.PrefixRunes, override.Dedupe.PrefixRunes)
	pick(&base.Dedupe.HistoryDays, override.Dedupe.HistoryDays)

	pick(&base.Pipeline.BatchSize, override.Pipeline.BatchSize)
	pick(&base.Pipeline.Concurrency, override.Pipeline.Concurrency)

	pick(&base.Notifications.Telegram.BotToken, override.Notifications.Telegram.BotToken)
	pick(&base.Notifications.Telegram.ChatID, override.Notifications.Telegram.ChatID)
	pick(&base.Notifications.Telegram.Endpoint, override.Notifications.Telegram.Endpoint)

	return base
}

func ptr[T any](v T) *T { return &v }

// pick overwrites dst when v is not the zero value.
func pick[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func defaultConfig() Config {
	return Config{
		Timezone: defaultTimezone,
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{CronExpression: "0 6 * * *", Lookback: 24 * time.Hour},
		LLM: LLMConfig{
			Provider:          ProviderOpenAI,
			Model:             "gpt-4o-mini",
			APIVersion:        "2024-06-01",
			MaxTokens:         1024,
			Temperature:       ptr(defaultTemperature),
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Classifier: ClassifierConfig{
			MaxBodyRunes: 4000,
			MaxAttempts:  3,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			CallTimeout:  60 * time.Second,
			Pricing: map[string]PriceConfig{
				ProviderOpenAI:    {InputPerMillion: 0.15, OutputPerMillion: 0.60},
				ProviderAzure:     {InputPerMillion: 0.15, OutputPerMillion: 0.60},
				ProviderAnthropic: {InputPerMillion: 0.25, OutputPerMillion: 1.25},
			},
		},
		Geocoding: GeocodingConfig{
			Strategies: []string{"specific", "district", "province", "region", "estimated"},
			RegionAliases: map[string]string{
				"cuzco":                    "Cusco",
				"ancash":                   "Áncash",
				"lima metropolitana":       "Lima",
				"lima provincias":          "Lima",
				"provincia constitucional": "Callao",
				"apurimac":                 "Apurímac",
				"huanuco":                  "Huánuco",
				"junin":                    "Junín",
				"san martin":               "San Martín",
			},
			CacheSize: 500,
			AzureMaps: AzureMapsConfig{
				Endpoint:          "https://atlas.microsoft.com/search/address/json",
				CountrySet:        "PE",
				CountryName:       "Peru",
				Language:          "es-PE",
				Timeout:           5 * time.Second,
				MaxRetries:        2,
				RequestsPerSecond: 50,
			},
		},
		Gazetteer: GazetteerConfig{Source: "csv", Path: "data/gazetteer.csv"},
		Dedupe:    DedupeConfig{PrefixRunes: 80, HistoryDays: 30},
		Pipeline:  PipelineConfig{BatchSize: 100, Concurrency: 4},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{Endpoint: "https://api.telegram.org"},
		},
	}
}
