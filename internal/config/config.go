package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/chatflow/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "./config/chatflow.yaml"

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BreakerConfig overrides the generation breaker; zero fields keep the
// CB_LLM_* env defaults.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Provider            string        `mapstructure:"provider"`
	Model               string        `mapstructure:"model"`
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	DialogueTemperature float64       `mapstructure:"dialogue_temperature"`
	ReportTemperature   float64       `mapstructure:"report_temperature"`
	MaxTokens           int64         `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
	Breaker             BreakerConfig `mapstructure:"breaker"`
}

type WorkflowConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
	// MinContentLength is the research sufficiency threshold in characters.
	MinContentLength int `mapstructure:"min_content_length"`
}

type StreamingConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkDelay       time.Duration `mapstructure:"chunk_delay"`
	ReportChunkSize  int           `mapstructure:"report_chunk_size"`
	ReportChunkDelay time.Duration `mapstructure:"report_chunk_delay"`
	ReplayCapacity   int           `mapstructure:"replay_capacity"`
	MaxLen           int64         `mapstructure:"max_len"`
	StreamTTL        time.Duration `mapstructure:"stream_ttl"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// Task dispatchers.
const (
	DispatcherLocal    = "local"
	DispatcherTemporal = "temporal"
)

type TasksConfig struct {
	Dispatcher          string        `mapstructure:"dispatcher"`
	Workers             int           `mapstructure:"workers"`
	QueueSize           int           `mapstructure:"queue_size"`
	Lease               time.Duration `mapstructure:"lease"`
	EstimatedCompletion time.Duration `mapstructure:"estimated_completion"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RecoveryInterval    time.Duration `mapstructure:"recovery_interval"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Expiry    time.Duration `mapstructure:"expiry"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type RoutingConfig struct {
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Config is the whole service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Routing   RoutingConfig   `mapstructure:"routing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chatflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "chatflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.dialogue_temperature", 0.7)
	v.SetDefault("llm.report_temperature", 0.3)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.breaker.failure_threshold", 0)
	v.SetDefault("llm.breaker.max_requests", 0)
	v.SetDefault("llm.breaker.timeout", 0)

	v.SetDefault("workflow.history_limit", 10)
	v.SetDefault("workflow.min_content_length", 50)

	v.SetDefault("streaming.chunk_size", 50)
	v.SetDefault("streaming.chunk_delay", 50*time.Millisecond)
	v.SetDefault("streaming.report_chunk_size", 100)
	v.SetDefault("streaming.report_chunk_delay", 30*time.Millisecond)
	v.SetDefault("streaming.replay_capacity", 256)
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.stream_ttl", 24*time.Hour)
	v.SetDefault("streaming.ping_interval", 15*time.Second)

	v.SetDefault("tasks.dispatcher", DispatcherLocal)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_size", 100)
	v.SetDefault("tasks.lease", 10*time.Minute)
	v.SetDefault("tasks.estimated_completion", 7*time.Minute)
	v.SetDefault("tasks.timeout", 30*time.Minute)
	v.SetDefault("tasks.recovery_interval", time.Minute)

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "chatflow-tasks")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "chatflow")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "chatflow")
	v.SetDefault("auth.expiry", 24*time.Hour)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("routing.path", "./config/routing.yaml")
	v.SetDefault("routing.watch", true)
	v.SetDefault("routing.debounce", 200*time.Millisecond)
}

// Load reads CONFIG_PATH (or DefaultPath). A missing file yields defaults.
func Load() (*Config, error) {
	return LoadFrom(getEnvOrDefault("CONFIG_PATH", DefaultPath))
}

// LoadFrom reads the YAML file at path with environment overrides applied:
// server.port is overridden by SERVER_PORT, llm.provider by LLM_PROVIDER.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applySecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets() {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = getEnvOrDefault("OPENAI_API_KEY", "")
		case "anthropic":
			c.LLM.APIKey = getEnvOrDefault("ANTHROPIC_API_KEY", "")
		}
	}
	c.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", c.Auth.JWTSecret)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3", "memory":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "none":
	default:
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	switch c.Tasks.Dispatcher {
	case DispatcherLocal, DispatcherTemporal:
	default:
		return fmt.Errorf("unsupported tasks.dispatcher %q", c.Tasks.Dispatcher)
	}
	if c.Tasks.Dispatcher == DispatcherLocal && c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive")
	}
	if c.Workflow.HistoryLimit <= 0 {
		return fmt.Errorf("workflow.history_limit must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.enabled requires auth.jwt_secret or AUTH_JWT_SECRET")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
