// Package config loads application configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Sources, LLM, Analysis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Sources  SourcesConfig  `yaml:"sources"`
	Ingest   IngestConfig   `yaml:"ingest"`
	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RequestTimeout bounds every non-analysis route.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// StreamTimeout bounds the lifetime of a batch-analysis event stream.
	StreamTimeout time.Duration `yaml:"streamTimeout"`
	AllowOrigins  []string      `yaml:"allowOrigins"`
	// AnalyzeRateLimit is the number of analysis requests a client may
	// start per minute. Zero disables the limit.
	AnalyzeRateLimit int `yaml:"analyzeRateLimit"`
	AnalyzeBurst     int `yaml:"analyzeBurst"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables event publishing.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	OpportunityEvents string `yaml:"opportunityEvents"`
	IngestRequests    string `yaml:"ingestRequests"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// SourcesConfig configures the upstream opportunity feeds.
type SourcesConfig struct {
	Grants GrantsConfig `yaml:"grants"`
	SAM    SAMConfig    `yaml:"sam"`
}

// GrantsConfig configures the grants.gov XML extract adapter.
type GrantsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ExtractURL    string        `yaml:"extractUrl"`
	DownloadURL   string        `yaml:"downloadUrl"`
	DetailsURL    string        `yaml:"detailsUrl"`
	ViewURLPrefix string        `yaml:"viewUrlPrefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SAMConfig configures the SAM.gov opportunities API adapter.
type SAMConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"baseUrl"`
	APIKey       string        `yaml:"apiKey"`
	LookbackDays int           `yaml:"lookbackDays"`
	PageSize     int           `yaml:"pageSize"`
	PageDelay    time.Duration `yaml:"pageDelay"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	Timeout      time.Duration `yaml:"timeout"`
}

// IngestConfig controls how ingest runs record progress and filter records.
type IngestConfig struct {
	// FlushEvery is the number of processed records between counter
	// checkpoints on the run row.
	FlushEvery int `yaml:"flushEvery"`
	// DropMissingDeadline treats a record without a deadline as expired.
	DropMissingDeadline bool `yaml:"dropMissingDeadline"`
}

// LLMConfig configures the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AnalysisConfig controls fit analysis behaviour.
type AnalysisConfig struct {
	ItemTimeout       time.Duration `yaml:"itemTimeout"`
	MaxDocumentChars  int           `yaml:"maxDocumentChars"`
	MaxBatchSize      int           `yaml:"maxBatchSize"`
	EventBuffer       int           `yaml:"eventBuffer"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerResetAfter time.Duration `yaml:"breakerResetAfter"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     3 * time.Minute,
			ShutdownTimeout:  15 * time.Second,
			RequestTimeout:   30 * time.Second,
			StreamTimeout:    30 * time.Minute,
			AllowOrigins:     []string{"*"},
			AnalyzeRateLimit: 30,
			AnalyzeBurst:     5,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "propbot",
			User:            "propbot",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "propbot-ingest",
			Topics: KafkaTopics{
				OpportunityEvents: "opportunity-events",
				IngestRequests:    "ingest-requests",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Sources: SourcesConfig{
			Grants: GrantsConfig{
				Enabled:       true,
				ExtractURL:    "https://www.grants.gov/xml-extract",
				DownloadURL:   "https://prod-grants-gov-chatbot.s3.amazonaws.com/extracts/",
				DetailsURL:    "https://api.grants.gov/v1/api/fetchOpportunity",
				ViewURLPrefix: "https://www.grants.gov/web/grants/view-opportunity.html?oppId=",
				Timeout:       5 * time.Minute,
			},
			SAM: SAMConfig{
				Enabled:      true,
				BaseURL:      "https://api.sam.gov/opportunities/v2/search",
				LookbackDays: 90,
				PageSize:     100,
				PageDelay:    500 * time.Millisecond,
				MaxAttempts:  3,
				Timeout:      60 * time.Second,
			},
		},
		Ingest: IngestConfig{
			FlushEvery: 100,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			Timeout:     120 * time.Second,
		},
		Analysis: AnalysisConfig{
			ItemTimeout:       2 * time.Minute,
			MaxDocumentChars:  20000,
			MaxBatchSize:      200,
			EventBuffer:       1,
			BreakerThreshold:  5,
			BreakerResetAfter: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads PB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PB_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("PB_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("PB_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PB_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v, ok := os.LookupEnv("PB_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("PB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PB_SAM_API_KEY"); v != "" {
		cfg.Sources.SAM.APIKey = v
	}
	if v := os.Getenv("PB_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PB_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PB_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PB_INGEST_DROP_MISSING_DEADLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingest.DropMissingDeadline = b
		}
	}
	if v := os.Getenv("PB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
