package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the citation lifecycle engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Prober    ProberConfig    `mapstructure:"prober"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Placement PlacementConfig `mapstructure:"placement"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
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

// DSN assembles a connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
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

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// ProberConfig controls citation liveness probing.
type ProberConfig struct {
	Deadline         time.Duration `mapstructure:"deadline"`
	SlowThreshold    time.Duration `mapstructure:"slow_threshold"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	Concurrency      int           `mapstructure:"concurrency"`
	UserAgent        string        `mapstructure:"user_agent"`
	ScheduleCron     string        `mapstructure:"schedule_cron"`
	ScheduleDisabled bool          `mapstructure:"schedule_disabled"`
}

// Normalize applies documented defaults for unset prober values.
func (p ProberConfig) Normalize() ProberConfig {
	if p.Deadline <= 0 {
		p.Deadline = 75 * time.Second
	}
	if p.SlowThreshold <= 0 {
		p.SlowThreshold = 3 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 2 * time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if strings.TrimSpace(p.UserAgent) == "" {
		p.UserAgent = "citekeeper/1.0 (+link health check)"
	}
	if strings.TrimSpace(p.ScheduleCron) == "" {
		p.ScheduleCron = "@daily"
	}
	return p
}

// DiscoveryConfig controls the replacement discoverer and its oracle.
type DiscoveryConfig struct {
	OracleEndpoint      string        `mapstructure:"oracle_endpoint"`
	OracleAPIKey        string        `mapstructure:"oracle_api_key"`
	MaxCandidates       int           `mapstructure:"max_candidates"`
	Timeout             time.Duration `mapstructure:"timeout"`
	AutoApplyThreshold  float64       `mapstructure:"auto_apply_threshold"`
	DomainTablePath     string        `mapstructure:"domain_table_path"`
	VerifyCandidateText bool          `mapstructure:"verify_candidate_text"`
}

// Normalize applies defaults for unset discovery values.
func (d DiscoveryConfig) Normalize() DiscoveryConfig {
	if d.MaxCandidates <= 0 {
		d.MaxCandidates = 5
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.AutoApplyThreshold <= 0 {
		d.AutoApplyThreshold = 8.0
	}
	return d
}

func (d DiscoveryConfig) Validate() error {
	if strings.TrimSpace(d.OracleEndpoint) == "" {
		return fmt.Errorf("discovery.oracle_endpoint required")
	}
	if d.AutoApplyThreshold < 0 || d.AutoApplyThreshold > 9.99 {
		return fmt.Errorf("discovery.auto_apply_threshold must lie in [0, 9.99]")
	}
	return nil
}

// JobsConfig controls batch replacement jobs and the chunk worker.
type JobsConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DispatchStream    string        `mapstructure:"dispatch_stream"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	ConsumerName      string        `mapstructure:"consumer_name"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// Normalize applies defaults for unset job values.
func (j JobsConfig) Normalize() JobsConfig {
	if j.ChunkSize <= 0 {
		j.ChunkSize = 25
	}
	if j.HeartbeatInterval <= 0 {
		j.HeartbeatInterval = 30 * time.Second
	}
	if strings.TrimSpace(j.DispatchStream) == "" {
		j.DispatchStream = "chunk.dispatch"
	}
	if strings.TrimSpace(j.ConsumerGroup) == "" {
		j.ConsumerGroup = "citekeeper-workers"
	}
	if strings.TrimSpace(j.ConsumerName) == "" {
		j.ConsumerName = "worker-1"
	}
	if j.StaleAfter <= 0 {
		j.StaleAfter = 2 * j.HeartbeatInterval
	}
	return j
}

// PlacementConfig tunes inline citation placement.
type PlacementConfig struct {
	MinParagraphLength int `mapstructure:"min_paragraph_length"`
	SectionBonus       int `mapstructure:"section_bonus"`
}

// Normalize applies defaults for unset placement values.
func (p PlacementConfig) Normalize() PlacementConfig {
	if p.MinParagraphLength <= 0 {
		p.MinParagraphLength = 50
	}
	if p.SectionBonus <= 0 {
		p.SectionBonus = 3
	}
	return p
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, falling back to CITEKEEPER_* env vars.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("server.migrations_dir", "file://migrations")
	viper.SetDefault("jobs.chunk_size", 25)
	viper.SetDefault("discovery.auto_apply_threshold", 8.0)
	viper.SetDefault("discovery.verify_candidate_text", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CITEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Prober = config.Prober.Normalize()
	config.Discovery = config.Discovery.Normalize()
	config.Jobs = config.Jobs.Normalize()
	config.Placement = config.Placement.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Discovery.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
