package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"newsflow/internal/models"
)

// Duration wraps time.Duration so YAML values like "15m" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	TableName    string `yaml:"table_name"`
	ResultsTable string `yaml:"results_table"`
	VectorDim    int    `yaml:"vector_dim"`
}

type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	VectorDim int    `yaml:"vector_dim"`
}

type SchedulerConfig struct {
	GlobalConcurrency int      `yaml:"global_concurrency"`
	Tick              Duration `yaml:"tick"`
	Jitter            float64  `yaml:"jitter"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	FailureThreshold  int      `yaml:"failure_threshold"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
}

type PipelineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type ScorerConfig struct {
	MinLength      int      `yaml:"min_length"`
	MaxLength      int      `yaml:"max_length"`
	TargetLanguage string   `yaml:"target_language"`
	SpamMarkers    []string `yaml:"spam_markers"`
	MinScore       float64  `yaml:"min_score"`
	WeightLength   float64  `yaml:"weight_length"`
	WeightLanguage float64  `yaml:"weight_language"`
	WeightSpam     float64  `yaml:"weight_spam"`
	WeightTrust    float64  `yaml:"weight_trust"`
}

type DedupConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	Retention           Duration `yaml:"retention"`
	MaxRecords          int      `yaml:"max_records"`
	OnEmbedError        string   `yaml:"on_embed_error"` // fail_open or fail_closed
}

type FetchConfig struct {
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	UserAgent   string   `yaml:"user_agent"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig is one entry in the sources list. TokenEnv names an
// environment variable so credentials never live in the file itself.
type SourceConfig struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"` // feed, web, social
	Cadence     Duration `yaml:"cadence"`
	Concurrency int      `yaml:"concurrency"`
	RateKey     string   `yaml:"rate_key"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	RateBurst   int      `yaml:"rate_burst"`
	TrustWeight float64  `yaml:"trust_weight"`
	Enabled     *bool    `yaml:"enabled"`

	URL            string   `yaml:"url"`
	MaxDepth       int      `yaml:"max_depth"`
	IgnorePatterns []string `yaml:"ignore_patterns"`

	Endpoint string `yaml:"endpoint"`
	Query    string `yaml:"query"`
	TokenEnv string `yaml:"token_env"`
}

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Server    ServerConfig    `yaml:"server"`
	Sources   []SourceConfig  `yaml:"sources"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/newsflow/config.yaml"),
			"/etc/newsflow/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "documents"
	}
	if config.Database.ResultsTable == "" {
		config.Database.ResultsTable = "ingestion_results"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}

	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.VectorDim == 0 {
		config.Embedding.VectorDim = config.Database.VectorDim
	}

	if config.Scheduler.GlobalConcurrency == 0 {
		config.Scheduler.GlobalConcurrency = 4
	}
	if config.Scheduler.Tick == 0 {
		config.Scheduler.Tick = Duration(time.Second)
	}
	if config.Scheduler.Jitter == 0 {
		config.Scheduler.Jitter = 0.1
	}
	if config.Scheduler.MaxBackoff == 0 {
		config.Scheduler.MaxBackoff = Duration(time.Hour)
	}
	if config.Scheduler.FailureThreshold == 0 {
		config.Scheduler.FailureThreshold = 5
	}
	if config.Scheduler.ShutdownGrace == 0 {
		config.Scheduler.ShutdownGrace = Duration(30 * time.Second)
	}

	if config.Pipeline.MaxConcurrent == 0 {
		config.Pipeline.MaxConcurrent = 8
	}

	if config.Scorer.MinLength == 0 {
		config.Scorer.MinLength = 100
	}
	if config.Scorer.MaxLength == 0 {
		config.Scorer.MaxLength = 50000
	}
	if config.Scorer.TargetLanguage == "" {
		config.Scorer.TargetLanguage = "en"
	}
	if config.Scorer.MinScore == 0 {
		config.Scorer.MinScore = 0.7
	}
	if config.Scorer.WeightLength+config.Scorer.WeightLanguage+config.Scorer.WeightSpam+config.Scorer.WeightTrust == 0 {
		config.Scorer.WeightLength = 0.35
		config.Scorer.WeightLanguage = 0.25
		config.Scorer.WeightSpam = 0.2
		config.Scorer.WeightTrust = 0.2
	}

	if config.Dedup.SimilarityThreshold == 0 {
		config.Dedup.SimilarityThreshold = 0.85
	}
	if config.Dedup.Retention == 0 {
		config.Dedup.Retention = Duration(14 * 24 * time.Hour)
	}
	if config.Dedup.MaxRecords == 0 {
		config.Dedup.MaxRecords = 100000
	}
	if config.Dedup.OnEmbedError == "" {
		config.Dedup.OnEmbedError = "fail_open"
	}

	if config.Fetch.Timeout == 0 {
		config.Fetch.Timeout = Duration(30 * time.Second)
	}
	if config.Fetch.MaxAttempts == 0 {
		config.Fetch.MaxAttempts = 3
	}
	if config.Fetch.BaseDelay == 0 {
		config.Fetch.BaseDelay = Duration(500 * time.Millisecond)
	}
	if config.Fetch.MaxDelay == 0 {
		config.Fetch.MaxDelay = Duration(30 * time.Second)
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8090"
	}

	for i := range config.Sources {
		src := &config.Sources[i]
		if src.Cadence == 0 {
			src.Cadence = Duration(15 * time.Minute)
		}
		if src.Concurrency == 0 {
			src.Concurrency = 1
		}
		if src.RatePerSec == 0 {
			src.RatePerSec = 1
		}
		if src.RateBurst == 0 {
			src.RateBurst = 1
		}
		if src.TrustWeight == 0 {
			src.TrustWeight = 0.5
		}
		if src.MaxDepth == 0 {
			src.MaxDepth = 2
		}
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
}

// RuntimeSources converts the configured list into runtime source
// descriptors. Tokens referenced via token_env are resolved here, once.
func (c *Config) RuntimeSources() []models.Source {
	out := make([]models.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		enabled := true
		if sc.Enabled != nil {
			enabled = *sc.Enabled
		}
		src := models.Source{
			ID:          sc.ID,
			Kind:        models.SourceKind(sc.Kind),
			Cadence:     sc.Cadence.Std(),
			Concurrency: sc.Concurrency,
			RateKey:     sc.RateKey,
			RatePerSec:  sc.RatePerSec,
			RateBurst:   sc.RateBurst,
			TrustWeight: sc.TrustWeight,
			Enabled:     enabled,
		}
		switch src.Kind {
		case models.SourceFeed:
			src.Feed = models.FeedSource{URL: sc.URL}
		case models.SourceWeb:
			src.Web = models.WebSource{
				URL:            sc.URL,
				MaxDepth:       sc.MaxDepth,
				IgnorePatterns: sc.IgnorePatterns,
			}
		case models.SourceSocial:
			src.Social = models.SocialSource{
				Endpoint: sc.Endpoint,
				Query:    sc.Query,
				Token:    os.Getenv(sc.TokenEnv),
			}
		}
		out = append(out, src)
	}
	return out
}
