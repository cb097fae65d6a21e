package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Clients   ClientsConfig   `mapstructure:"clients"`
	Posting   PostingConfig   `mapstructure:"posting"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConnTime    time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	HealthCheck    time.Duration `mapstructure:"health_check"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start"`
}

// NATSConfig configures inbound upstream events and outbound notifications.
// An empty URL disables both. Inbound events are read from a JetStream
// stream through a durable pull consumer.
type NATSConfig struct {
	URL                 string        `mapstructure:"url"`
	EventSubjectPrefix  string        `mapstructure:"event_subject_prefix"`
	NotifySubjectPrefix string        `mapstructure:"notify_subject_prefix"`
	StreamName          string        `mapstructure:"stream_name"`
	DurableName         string        `mapstructure:"durable_name"`
	Workers             int           `mapstructure:"workers"`
	AckWait             time.Duration `mapstructure:"ack_wait"`
	MaxDeliver          int           `mapstructure:"max_deliver"`
	NakDelay            time.Duration `mapstructure:"nak_delay"`
}

// RedisConfig configures the source-document lock. An empty Addr falls back to an in-process lock.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockExpiry time.Duration `mapstructure:"lock_expiry"`
	LockTries  int           `mapstructure:"lock_tries"`
}

type ClientsConfig struct {
	IdentityAddr       string        `mapstructure:"identity_addr"`
	IFRSAddr           string        `mapstructure:"ifrs_addr"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	BreakerMaxRequests uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval    time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures    uint32        `mapstructure:"breaker_consecutive_failures"`
}

type PostingConfig struct {
	DefaultCurrency      string  `mapstructure:"default_currency"`
	BalanceEpsilon       float64 `mapstructure:"balance_epsilon"`
	LargeLineThreshold   float64 `mapstructure:"large_line_threshold"`
	CFOApprovalThreshold float64 `mapstructure:"cfo_approval_threshold"`
	CEOApprovalThreshold float64 `mapstructure:"ceo_approval_threshold"`
}

type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TimeoutSweepCron string        `mapstructure:"timeout_sweep_cron"`
	RetryCron        string        `mapstructure:"retry_cron"`
	RetryOlderThan   time.Duration `mapstructure:"retry_older_than"`
	RetryBatchSize   int           `mapstructure:"retry_batch_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the key path with dots replaced by underscores
// (for example DATABASE_HOST, POSTING_DEFAULT_CURRENCY).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "gl-autoposting")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "gl_autoposting")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("nats.event_subject_prefix", "events")
	v.SetDefault("nats.notify_subject_prefix", "notifications.gl")
	v.SetDefault("nats.stream_name", "UPSTREAM_EVENTS")
	v.SetDefault("nats.durable_name", "gl-autoposting")
	v.SetDefault("nats.workers", 8)
	v.SetDefault("nats.ack_wait", 2*time.Minute)
	v.SetDefault("nats.max_deliver", 10)
	v.SetDefault("nats.nak_delay", 5*time.Second)

	v.SetDefault("redis.lock_expiry", 30*time.Second)
	v.SetDefault("redis.lock_tries", 32)

	v.SetDefault("clients.call_timeout", 10*time.Second)
	v.SetDefault("clients.breaker_max_requests", 1)
	v.SetDefault("clients.breaker_interval", time.Minute)
	v.SetDefault("clients.breaker_timeout", 30*time.Second)
	v.SetDefault("clients.breaker_consecutive_failures", 5)

	v.SetDefault("posting.default_currency", "GHS")
	v.SetDefault("posting.balance_epsilon", 0.01)
	v.SetDefault("posting.large_line_threshold", 1000000)
	v.SetDefault("posting.cfo_approval_threshold", 100000)
	v.SetDefault("posting.ceo_approval_threshold", 1000000)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timeout_sweep_cron", "@hourly")
	v.SetDefault("scheduler.retry_cron", "*/15 * * * *")
	v.SetDefault("scheduler.retry_older_than", 30*time.Minute)
	v.SetDefault("scheduler.retry_batch_size", 100)

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds the variables the deployment manifests already use.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("clients.identity_addr", "IDENTITY_GRPC_URL")
	_ = v.BindEnv("clients.ifrs_addr", "IFRS_GRPC_URL")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server.port and server.grpc_port must be positive")
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("database.host and database.database are required")
	}
	if len(c.Posting.DefaultCurrency) != 3 {
		return fmt.Errorf("posting.default_currency must be a 3-letter ISO code")
	}
	if c.Posting.BalanceEpsilon < 0 {
		return fmt.Errorf("posting.balance_epsilon cannot be negative")
	}
	if c.Posting.CEOApprovalThreshold < c.Posting.CFOApprovalThreshold {
		return fmt.Errorf("posting.ceo_approval_threshold must not be below posting.cfo_approval_threshold")
	}
	if c.Scheduler.RetryBatchSize <= 0 {
		return fmt.Errorf("scheduler.retry_batch_size must be positive")
	}
	return nil
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
