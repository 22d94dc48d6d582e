// Package config provides configuration management for the context enricher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all enricher configuration. It is built once at startup and
// handed to each component's constructor.
type Config struct {
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Ollama        OllamaConfig        `yaml:"ollama"`
	Worker        WorkerConfig        `yaml:"worker"`
	Cache         CacheConfig         `yaml:"cache"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ElasticsearchConfig holds document store settings.
type ElasticsearchConfig struct {
	URL         string `yaml:"url"`
	Index       string `yaml:"index"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	APIKey      string `yaml:"api_key"` // takes precedence over basic auth
	VerifyCerts bool   `yaml:"verify_certs"`
	CACertFile  string `yaml:"ca_cert_file"`
}

// OllamaConfig holds model gateway settings.
type OllamaConfig struct {
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   int           `yaml:"rate_limit"` // requests per minute, 0 = unlimited
}

// WorkerConfig holds enrichment loop tuning.
type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	TimeWindow      string        `yaml:"time_window"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	WriteStructured bool          `yaml:"write_structured_context"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // none, memory, redis
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// ServerConfig holds status server settings. An empty Addr disables it.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Elasticsearch: ElasticsearchConfig{
			URL:         "https://es01:9200",
			Index:       "wids-wireless-features",
			VerifyCerts: false,
		},
		Ollama: OllamaConfig{
			URL:         "http://ollama:11434",
			Model:       "llama3.1",
			Temperature: 0.2,
			Timeout:     120 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval:    10 * time.Second,
			BatchSize:       10,
			TimeWindow:      "now-24h",
			ErrorBackoff:    5 * time.Second,
			WriteStructured: true,
		},
		Cache: CacheConfig{
			Backend:   CacheNone,
			TTL:       1 * time.Hour,
			RedisAddr: "localhost:6379",
		},
		Server: ServerConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto c. Malformed numeric or
// boolean values are reported rather than ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("ES_URL", &c.Elasticsearch.URL)
	e.str("ES_INDEX", &c.Elasticsearch.Index)
	e.str("ES_USERNAME", &c.Elasticsearch.Username)
	e.str("ES_PASSWORD", &c.Elasticsearch.Password)
	e.str("ES_API_KEY", &c.Elasticsearch.APIKey)
	e.boolean("ES_VERIFY_CERTS", &c.Elasticsearch.VerifyCerts)
	e.str("ES_CA_CERT", &c.Elasticsearch.CACertFile)

	e.str("OLLAMA_URL", &c.Ollama.URL)
	e.str("OLLAMA_MODEL", &c.Ollama.Model)
	e.float("OLLAMA_TEMPERATURE", &c.Ollama.Temperature)
	e.seconds("OLLAMA_TIMEOUT_SECONDS", &c.Ollama.Timeout)
	e.integer("OLLAMA_RATE_LIMIT", &c.Ollama.RateLimit)

	e.seconds("POLL_SECONDS", &c.Worker.PollInterval)
	e.integer("BATCH_SIZE", &c.Worker.BatchSize)
	e.str("TIME_WINDOW", &c.Worker.TimeWindow)
	e.seconds("ERROR_BACKOFF_SECONDS", &c.Worker.ErrorBackoff)
	e.boolean("WRITE_STRUCTURED_CONTEXT", &c.Worker.WriteStructured)

	e.str("CACHE_BACKEND", &c.Cache.Backend)
	e.seconds("CACHE_TTL_SECONDS", &c.Cache.TTL)
	e.str("REDIS_ADDR", &c.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &c.Cache.RedisPassword)
	e.integer("REDIS_DB", &c.Cache.RedisDB)

	e.str("HTTP_ADDR", &c.Server.Addr)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	e.boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	e.str("OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)

	c.Ollama.URL = strings.TrimRight(c.Ollama.URL, "/")
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)

	return errors.Join(e.errs...)
}

// Validate reports settings the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Elasticsearch.URL == "" {
		errs = append(errs, errors.New("elasticsearch url is required"))
	}
	if c.Elasticsearch.Index == "" {
		errs = append(errs, errors.New("elasticsearch index is required"))
	}
	if c.Ollama.URL == "" {
		errs = append(errs, errors.New("ollama url is required"))
	}
	if c.Ollama.Model == "" {
		errs = append(errs, errors.New("ollama model is required"))
	}
	if c.Ollama.Timeout <= 0 {
		errs = append(errs, errors.New("ollama timeout must be positive"))
	}
	if c.Ollama.RateLimit < 0 {
		errs = append(errs, errors.New("ollama rate limit must not be negative"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Worker.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("error backoff must be positive"))
	}
	if c.Worker.TimeWindow == "" {
		errs = append(errs, errors.New("time window is required"))
	}
	switch c.Cache.Backend {
	case CacheNone, CacheMemory, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	return errors.Join(errs...)
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

// seconds accepts a whole or fractional number of seconds.
func (e *envReader) seconds(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid seconds %q", key, v))
		return
	}
	*dst = time.Duration(f * float64(time.Second))
}
