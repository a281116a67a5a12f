package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the insight service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Insight   InsightConfig   `mapstructure:"insight"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, compatible
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each analysis stage
type LLMRoutingConfig struct {
	Foundation string `mapstructure:"foundation"`
	Strategic  string `mapstructure:"strategic"`
	Fallback   string `mapstructure:"fallback"`
}

// RetrievalConfig points at the semantic retrieval service.
type RetrievalConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset retrieval values.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.MaxResults <= 0 {
		r.MaxResults = 20
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	return r
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders the connection string for database/sql.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr renders host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Neo4jConfig contains graph store connection settings
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

func (n Neo4jConfig) Validate() error {
	if strings.TrimSpace(n.URI) == "" {
		return fmt.Errorf("storage.neo4j.uri required")
	}
	return nil
}

// InsightConfig controls insight-cycle behaviour.
type InsightConfig struct {
	LookbackDays        int    `mapstructure:"lookback_days"`
	MinResponseLength   int    `mapstructure:"min_response_length"`
	MaxResponseLength   int    `mapstructure:"max_response_length"`
	IDStrategy          string `mapstructure:"id_strategy"` // random | deterministic
	CycleStream         string `mapstructure:"cycle_stream"`
	EmbeddingStream     string `mapstructure:"embedding_stream"`
	NotificationStream  string `mapstructure:"notification_stream"`
	ConsumerGroup       string `mapstructure:"consumer_group"`
	MaxConcurrentCycles int    `mapstructure:"max_concurrent_cycles"`
}

// Normalize applies defaults for unset insight values.
func (c InsightConfig) Normalize() InsightConfig {
	if c.LookbackDays <= 0 {
		c.LookbackDays = 7
	}
	if c.MinResponseLength <= 0 {
		c.MinResponseLength = 200
	}
	if c.MaxResponseLength <= 0 {
		c.MaxResponseLength = 200000
	}
	if strings.TrimSpace(c.IDStrategy) == "" {
		c.IDStrategy = "random"
	}
	if c.CycleStream == "" {
		c.CycleStream = "cycle.enqueued"
	}
	if c.EmbeddingStream == "" {
		c.EmbeddingStream = "embedding.generate"
	}
	if c.NotificationStream == "" {
		c.NotificationStream = "cycle.completed"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "insight-workers"
	}
	if c.MaxConcurrentCycles <= 0 {
		c.MaxConcurrentCycles = 4
	}
	return c
}

// Validate checks the insight configuration.
func (c InsightConfig) Validate() error {
	switch c.IDStrategy {
	case "random", "deterministic":
	default:
		return fmt.Errorf("insight.id_strategy must be random or deterministic, got %q", c.IDStrategy)
	}
	if c.MinResponseLength >= c.MaxResponseLength {
		return fmt.Errorf("insight.min_response_length must be below max_response_length")
	}
	return nil
}

// WorkerConfig controls the cycle worker and scheduler.
type WorkerConfig struct {
	ConsumerName  string        `mapstructure:"consumer_name"`
	ScheduleCron  string        `mapstructure:"schedule_cron"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	ReadBlock     time.Duration `mapstructure:"read_block"`
	ReadBatchSize int64         `mapstructure:"read_batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Normalize applies defaults for unset worker values.
func (w WorkerConfig) Normalize() WorkerConfig {
	if strings.TrimSpace(w.ConsumerName) == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "insight-worker"
		}
		w.ConsumerName = host
	}
	if strings.TrimSpace(w.ScheduleCron) == "" {
		w.ScheduleCron = "0 4 * * *"
	}
	if w.ClaimMinIdle <= 0 {
		w.ClaimMinIdle = 5 * time.Minute
	}
	if w.ReadBlock <= 0 {
		w.ReadBlock = 5 * time.Second
	}
	if w.ReadBatchSize <= 0 {
		w.ReadBatchSize = 16
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 3
	}
	return w
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "2m")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("insight.lookback_days", 7)
	viper.SetDefault("insight.id_strategy", "random")
	viper.SetDefault("retrieval.max_results", 20)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("INSIGHTD")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Insight = config.Insight.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Worker = config.Worker.Normalize()

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Neo4j.Validate(); err != nil {
		panic(err)
	}
	if err := config.Insight.Validate(); err != nil {
		panic(err)
	}
	return &config
}
