// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pemistahl/lingua-go"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"QRELSCOPE_HOST" yaml:"host"`
	Port int    `envconfig:"QRELSCOPE_PORT" yaml:"port"`

	// Timeouts for the HTTP server
	ReadTimeout     time.Duration `envconfig:"QRELSCOPE_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"QRELSCOPE_WRITE_TIMEOUT" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `envconfig:"QRELSCOPE_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	// gRPC health endpoint
	GRPC GRPCConfig `yaml:"grpc"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Search configuration
	Search SearchConfig `yaml:"search"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Languages lists the corpus languages accepted by createCorpus.
	Languages []string `envconfig:"QRELSCOPE_LANGUAGES" yaml:"languages"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// GRPCConfig holds gRPC server settings.
type GRPCConfig struct {
	Enabled bool `envconfig:"QRELSCOPE_GRPC_ENABLED" yaml:"enabled"`
	Port    int  `envconfig:"QRELSCOPE_GRPC_PORT" yaml:"port"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver         string `envconfig:"QRELSCOPE_DB_DRIVER" yaml:"driver"`
	DSN            string `envconfig:"QRELSCOPE_DB_DSN" yaml:"dsn"`
	FullText       string `envconfig:"QRELSCOPE_DB_FULLTEXT" yaml:"fulltext"`
	MaxOpenConns   int    `envconfig:"QRELSCOPE_DB_MAX_OPEN_CONNS" yaml:"max_open_conns"`
	MigrateOnStart bool   `envconfig:"QRELSCOPE_DB_MIGRATE_ON_START" yaml:"migrate_on_start"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Type     string `envconfig:"QRELSCOPE_CACHE_TYPE" yaml:"type"`
	Size     int    `envconfig:"QRELSCOPE_CACHE_SIZE" yaml:"size"`
	TTL      int    `envconfig:"QRELSCOPE_CACHE_TTL" yaml:"ttl"` // seconds, 0 = no expiry
	RedisURL string `envconfig:"QRELSCOPE_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"QRELSCOPE_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"QRELSCOPE_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"QRELSCOPE_KAFKA_GROUP" yaml:"kafka_group"`
	TopicPrefix  string `envconfig:"QRELSCOPE_BUS_TOPIC_PREFIX" yaml:"topic_prefix"`

	// EventLog is a JSONL journal of published mutation events. Empty disables it.
	EventLog string `envconfig:"QRELSCOPE_BUS_EVENT_LOG" yaml:"event_log"`
}

// SearchConfig holds pagination and snippet settings.
type SearchConfig struct {
	DefaultLimit   int    `envconfig:"QRELSCOPE_DEFAULT_LIMIT" yaml:"default_limit"`
	MaxLimit       int    `envconfig:"QRELSCOPE_MAX_LIMIT" yaml:"max_limit"`
	SnippetLength  int    `envconfig:"QRELSCOPE_SNIPPET_LENGTH" yaml:"snippet_length"`
	HighlightOpen  string `envconfig:"QRELSCOPE_HIGHLIGHT_OPEN" yaml:"highlight_open"`
	HighlightClose string `envconfig:"QRELSCOPE_HIGHLIGHT_CLOSE" yaml:"highlight_close"`
}

// LLMConfig holds the Ollama connection and prompt settings.
// Summaries and answers are disabled when host or port is empty.
type LLMConfig struct {
	OllamaHost    string        `envconfig:"OLLAMA_HOST" yaml:"ollama_host"`
	OllamaPort    string        `envconfig:"OLLAMA_PORT" yaml:"ollama_port"`
	SummaryPrompt string        `envconfig:"LLM_PROMPT_SUMMARY" yaml:"summary_prompt"`
	Timeout       time.Duration `envconfig:"QRELSCOPE_LLM_TIMEOUT" yaml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"QRELSCOPE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"QRELSCOPE_LOG_FORMAT" yaml:"format"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `envconfig:"QRELSCOPE_METRICS_ENABLED" yaml:"enabled"`
	Path    string `envconfig:"QRELSCOPE_METRICS_PATH" yaml:"path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8103
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 5 * time.Minute
	cfg.ShutdownTimeout = 30 * time.Second

	cfg.GRPC = GRPCConfig{
		Enabled: false,
		Port:    8104,
	}

	cfg.Database = DatabaseConfig{
		Driver:         "sqlite",
		DSN:            "./data/qrelscope.db",
		FullText:       "fts5",
		MaxOpenConns:   1,
		MigrateOnStart: true,
	}

	cfg.Cache = CacheConfig{
		Type:     "memory",
		Size:     1024,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:        "memory",
		KafkaGroup:  "qrelscope",
		TopicPrefix: "qrelscope.",
	}

	cfg.Search = SearchConfig{
		DefaultLimit:   10,
		MaxLimit:       1000,
		SnippetLength:  500,
		HighlightOpen:  "<b>",
		HighlightClose: "</b>",
	}

	cfg.LLM = LLMConfig{
		Timeout: 5 * time.Minute,
	}

	cfg.Languages = []string{"English"}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		errs = append(errs, "grpc port must be between 1 and 65535")
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("invalid database driver: %s (must be sqlite or postgres)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database dsn is required")
	}
	fullTextDrivers := map[string]string{"fts5": "sqlite", "tsvector": "postgres", "paradedb": "postgres"}
	if driver, ok := fullTextDrivers[c.Database.FullText]; !ok {
		errs = append(errs, fmt.Sprintf("invalid fulltext engine: %s (must be fts5, tsvector, or paradedb)", c.Database.FullText))
	} else if validDrivers[c.Database.Driver] && driver != c.Database.Driver {
		errs = append(errs, fmt.Sprintf("fulltext engine %s requires the %s driver", c.Database.FullText, driver))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, "max_open_conns must not be negative")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"memory": true, "redis": true, "none": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be memory, redis, or none)", c.Cache.Type))
	}
	if c.Cache.Type == "memory" && c.Cache.Size < 1 {
		errs = append(errs, "cache size must be positive")
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, "cache ttl must not be negative")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	// Search validation
	if c.Search.DefaultLimit < 1 {
		errs = append(errs, "default_limit must be positive")
	}
	if c.Search.MaxLimit < c.Search.DefaultLimit {
		errs = append(errs, "max_limit must be at least default_limit")
	}
	if c.Search.SnippetLength < 1 {
		errs = append(errs, "snippet_length must be positive")
	}
	if c.Search.HighlightOpen == "" || c.Search.HighlightClose == "" {
		errs = append(errs, "highlight tags must not be empty")
	}

	// Language validation
	if len(c.Languages) == 0 {
		errs = append(errs, "at least one language is required")
	}
	for _, lang := range c.Languages {
		if _, ok := LookupLanguage(lang); !ok {
			errs = append(errs, fmt.Sprintf("unknown language: %s", lang))
		}
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// LookupLanguage resolves a natural language by its English name, case-insensitively.
func LookupLanguage(name string) (lingua.Language, bool) {
	for _, lang := range lingua.AllLanguages() {
		if strings.EqualFold(lang.String(), strings.TrimSpace(name)) {
			return lang, true
		}
	}
	return lingua.Unknown, false
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC listen address.
func (c *Config) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPC.Port)
}

// LLMEnabled reports whether an Ollama endpoint is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.OllamaHost != "" && c.LLM.OllamaPort != ""
}

// OllamaURL returns the base URL of the Ollama server.
func (c *Config) OllamaURL() string {
	return fmt.Sprintf("http://%s:%s", c.LLM.OllamaHost, c.LLM.OllamaPort)
}
