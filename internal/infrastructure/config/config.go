package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Marketplace MarketplaceConfig
	Vault       VaultConfig
	Gateway     GatewayConfig
	Queue       QueueConfig
	Cache       CacheConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
}

// MarketplaceConfig holds settings for the upstream marketplace API
type MarketplaceConfig struct {
	AppID            string
	AppSecret        string
	RedirectURI      string
	AuthBaseURL      string
	APIBaseURL       string
	RequestTimeout   time.Duration
	HandshakeTTL     time.Duration
	JanitorSchedule  string // cron spec for the handshake sweep
	ExchangeMemoTTL  time.Duration
	RefreshMargin    time.Duration // refresh proactively inside this window
	GlobalBackoffCap time.Duration
}

// VaultConfig holds credential sealing settings
type VaultConfig struct {
	MasterSecret string
}

// GatewayConfig holds rate-limit and circuit-breaker settings
type GatewayConfig struct {
	CallTimeout     time.Duration
	BucketWidth     time.Duration
	GlobalCeiling   int
	TenantCeiling   int
	HighPriorityPct int // share of the window reserved for high-priority calls
	QueueWait       time.Duration
	LocalRate       float64 // process-local smoothing, requests per second
	LocalBurst      int
	Circuit         map[string]CircuitConfig
}

// CircuitConfig holds per-endpoint-class circuit-breaker thresholds
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// QueueConfig holds webhook ingestion queue settings
type QueueConfig struct {
	WorkerConcurrency  int
	PollInterval       time.Duration
	BatchSize          int
	MaxAttempts        int
	JobTimeout         time.Duration
	StalenessThreshold time.Duration
	ReprocessCooldown  time.Duration
}

// CacheConfig holds tiered cache settings
type CacheConfig struct {
	L1TTL          time.Duration
	L2TTL          time.Duration
	HotPrefixes    []string
	WarmupSchedule string // cron spec for the warm-up pass
}

// Load reads configuration from file and environment.
// Priority (highest to lowest):
// 1. Environment variables with SELLERDESK_ prefix (e.g., SELLERDESK_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SELLERDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Marketplace: MarketplaceConfig{
			AppID:            v.GetString("marketplace.app_id"),
			AppSecret:        v.GetString("marketplace.app_secret"),
			RedirectURI:      v.GetString("marketplace.redirect_uri"),
			AuthBaseURL:      v.GetString("marketplace.auth_base_url"),
			APIBaseURL:       v.GetString("marketplace.api_base_url"),
			RequestTimeout:   v.GetDuration("marketplace.request_timeout"),
			HandshakeTTL:     v.GetDuration("marketplace.handshake_ttl"),
			JanitorSchedule:  v.GetString("marketplace.janitor_schedule"),
			ExchangeMemoTTL:  v.GetDuration("marketplace.exchange_memo_ttl"),
			RefreshMargin:    v.GetDuration("marketplace.refresh_margin"),
			GlobalBackoffCap: v.GetDuration("marketplace.global_backoff_cap"),
		},
		Vault: VaultConfig{
			MasterSecret: v.GetString("vault.master_secret"),
		},
		Gateway: GatewayConfig{
			CallTimeout:     v.GetDuration("gateway.call_timeout"),
			BucketWidth:     v.GetDuration("gateway.bucket_width"),
			GlobalCeiling:   v.GetInt("gateway.global_ceiling"),
			TenantCeiling:   v.GetInt("gateway.tenant_ceiling"),
			HighPriorityPct: v.GetInt("gateway.high_priority_pct"),
			QueueWait:       v.GetDuration("gateway.queue_wait"),
			LocalRate:       v.GetFloat64("gateway.local_rate"),
			LocalBurst:      v.GetInt("gateway.local_burst"),
		},
		Queue: QueueConfig{
			WorkerConcurrency:  v.GetInt("queue.worker_concurrency"),
			PollInterval:       v.GetDuration("queue.poll_interval"),
			BatchSize:          v.GetInt("queue.batch_size"),
			MaxAttempts:        v.GetInt("queue.max_attempts"),
			JobTimeout:         v.GetDuration("queue.job_timeout"),
			StalenessThreshold: v.GetDuration("queue.staleness_threshold"),
			ReprocessCooldown:  v.GetDuration("queue.reprocess_cooldown"),
		},
		Cache: CacheConfig{
			L1TTL:          v.GetDuration("cache.l1_ttl"),
			L2TTL:          v.GetDuration("cache.l2_ttl"),
			HotPrefixes:    v.GetStringSlice("cache.hot_prefixes"),
			WarmupSchedule: v.GetString("cache.warmup_schedule"),
		},
	}

	if v.IsSet("gateway.circuit") {
		circuits := make(map[string]CircuitConfig)
		if err := v.UnmarshalKey("gateway.circuit", &circuits); err != nil {
			return nil, fmt.Errorf("error parsing gateway.circuit config: %w", err)
		}
		cfg.Gateway.Circuit = circuits
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "sellerdesk-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "sellerdesk"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.Marketplace.AuthBaseURL == "" {
		cfg.Marketplace.AuthBaseURL = "https://auth.mercadolibre.com"
	}
	if cfg.Marketplace.APIBaseURL == "" {
		cfg.Marketplace.APIBaseURL = "https://api.mercadolibre.com"
	}
	if cfg.Marketplace.RequestTimeout == 0 {
		cfg.Marketplace.RequestTimeout = 30 * time.Second
	}
	if cfg.Marketplace.HandshakeTTL == 0 {
		cfg.Marketplace.HandshakeTTL = 30 * time.Minute
	}
	if cfg.Marketplace.JanitorSchedule == "" {
		cfg.Marketplace.JanitorSchedule = "*/10 * * * *"
	}
	if cfg.Marketplace.ExchangeMemoTTL == 0 {
		cfg.Marketplace.ExchangeMemoTTL = 5 * time.Minute
	}
	if cfg.Marketplace.RefreshMargin == 0 {
		cfg.Marketplace.RefreshMargin = 5 * time.Minute
	}
	if cfg.Marketplace.GlobalBackoffCap == 0 {
		cfg.Marketplace.GlobalBackoffCap = 5 * time.Minute
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = 30 * time.Second
	}
	if cfg.Gateway.BucketWidth == 0 {
		cfg.Gateway.BucketWidth = time.Minute
	}
	if cfg.Gateway.GlobalCeiling == 0 {
		cfg.Gateway.GlobalCeiling = 1000
	}
	if cfg.Gateway.TenantCeiling == 0 {
		cfg.Gateway.TenantCeiling = 120
	}
	if cfg.Gateway.HighPriorityPct == 0 {
		cfg.Gateway.HighPriorityPct = 20
	}
	if cfg.Gateway.QueueWait == 0 {
		cfg.Gateway.QueueWait = 5 * time.Second
	}
	if cfg.Gateway.LocalRate == 0 {
		cfg.Gateway.LocalRate = 25
	}
	if cfg.Gateway.LocalBurst == 0 {
		cfg.Gateway.LocalBurst = 10
	}
	if cfg.Gateway.Circuit == nil {
		cfg.Gateway.Circuit = map[string]CircuitConfig{
			// Read-heavy endpoints tolerate more failures before opening
			// than mutation endpoints.
			"read":     {FailureThreshold: 10, SuccessThreshold: 2, ResetTimeout: 30 * time.Second},
			"metrics":  {FailureThreshold: 20, SuccessThreshold: 2, ResetTimeout: 60 * time.Second},
			"mutation": {FailureThreshold: 5, SuccessThreshold: 3, ResetTimeout: 60 * time.Second},
		}
	}
	if cfg.Queue.WorkerConcurrency == 0 {
		cfg.Queue.WorkerConcurrency = 4
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 2 * time.Second
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 20
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.JobTimeout == 0 {
		cfg.Queue.JobTimeout = 2 * time.Minute
	}
	if cfg.Queue.StalenessThreshold == 0 {
		cfg.Queue.StalenessThreshold = 10 * time.Minute
	}
	if cfg.Queue.ReprocessCooldown == 0 {
		cfg.Queue.ReprocessCooldown = 15 * time.Minute
	}
	if cfg.Cache.L1TTL == 0 {
		cfg.Cache.L1TTL = 30 * time.Second
	}
	if cfg.Cache.L2TTL == 0 {
		cfg.Cache.L2TTL = 10 * time.Minute
	}
	if len(cfg.Cache.HotPrefixes) == 0 {
		cfg.Cache.HotPrefixes = []string{"credential:", "tenant:", "question:"}
	}
	if cfg.Cache.WarmupSchedule == "" {
		cfg.Cache.WarmupSchedule = "*/5 * * * *"
	}
}

// validate checks the loaded configuration for inconsistent values
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Gateway.HighPriorityPct < 0 || c.Gateway.HighPriorityPct > 100 {
		return fmt.Errorf("gateway.high_priority_pct must be between 0 and 100, got %d", c.Gateway.HighPriorityPct)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Marketplace.AppID == "" || c.Marketplace.AppSecret == "" {
			return fmt.Errorf("marketplace.app_id and marketplace.app_secret are required in production")
		}
		if len(c.Vault.MasterSecret) < 32 {
			return fmt.Errorf("vault.master_secret must be at least 32 characters in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis address in host:port form
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
