package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Automation AutomationConfig
	Scheduler  SchedulerConfig
	Payment    PaymentConfig
	Ports      PortsConfig
	Auth       AuthConfig
	Archive    ArchiveConfig
	Telemetry  TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	TrustedProxies   []string
	// Inbound customer messages per client IP
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite, memory
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file path
	AutoMigrate     bool   // apply migrations on server start
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings for the payment event store
type RedisConfig struct {
	Enabled       bool
	Host          string
	Port          int
	Password      string
	DB            int
	KeyPrefix     string
	AllowFallback bool // fall back to an in-memory store when Redis is unreachable
}

// AutomationConfig holds the order automation business settings
type AutomationConfig struct {
	Currency              string
	FreeShippingThreshold decimal.Decimal
	PaymentTimeout        time.Duration
	IdleTimeout           time.Duration
	HistoryLimit          int
	SuggestionLimit       int
	MinConfidence         float64
	UnresolvedTurnLimit   int
	PortTimeout           time.Duration
	RetryMaxAttempts      int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	ReconcileWaitAttempts int
	ReconcileWaitInterval time.Duration
	ProcessedEventTTL     time.Duration
	SessionQueueSize      int
	HandlerTimeout        time.Duration
}

// SchedulerConfig holds the background job pool and maintenance sweep settings
type SchedulerConfig struct {
	Enabled          bool
	Workers          int
	QueueSize        int
	JobTimeout       time.Duration
	CRMMaxAttempts   int
	CRMRetryBase     time.Duration
	CRMRetryMax      time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepCronEnabled bool
	SweepCron        string // cron expression, used instead of SweepInterval when enabled
}

// PaymentConfig holds the payment provider settings
type PaymentConfig struct {
	BaseURL       string
	ShopID        string
	SecretKey     string
	WebhookSecret string
	ReturnURL     string
}

// EndpointConfig describes one HTTP port adapter
type EndpointConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Enabled reports whether the endpoint is configured
func (e EndpointConfig) Enabled() bool {
	return e.BaseURL != ""
}

// PortsConfig holds the non-payment external collaborators
type PortsConfig struct {
	Classifier EndpointConfig
	Catalog    EndpointConfig
	Shipping   EndpointConfig
	CRM        EndpointConfig
	Inventory  EndpointConfig
	Escalation EndpointConfig
	Notifier   EndpointConfig
}

// AuthConfig holds operator endpoint authentication
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// ArchiveConfig holds the transcript archive sink
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible endpoint, empty for AWS
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool
	MetricsInterval   time.Duration
	LogsEnabled       bool // export zap entries over OTLP
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SALES_ prefix (e.g., SALES_PAYMENT_SECRET_KEY)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SALES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	threshold := decimal.Zero
	if raw := strings.TrimSpace(v.GetString("automation.free_shipping_threshold")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("automation.free_shipping_threshold: %w", err)
		}
		threshold = d
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),

			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:       v.GetBool("redis.enabled"),
			Host:          v.GetString("redis.host"),
			Port:          v.GetInt("redis.port"),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			KeyPrefix:     v.GetString("redis.key_prefix"),
			AllowFallback: v.GetBool("redis.allow_fallback"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Automation: AutomationConfig{
			Currency:              v.GetString("automation.currency"),
			FreeShippingThreshold: threshold,
			PaymentTimeout:        v.GetDuration("automation.payment_timeout"),
			IdleTimeout:           v.GetDuration("automation.idle_timeout"),
			HistoryLimit:          v.GetInt("automation.history_limit"),
			SuggestionLimit:       v.GetInt("automation.suggestion_limit"),
			MinConfidence:         v.GetFloat64("automation.min_confidence"),
			UnresolvedTurnLimit:   v.GetInt("automation.unresolved_turn_limit"),
			PortTimeout:           v.GetDuration("automation.port_timeout"),
			RetryMaxAttempts:      v.GetInt("automation.retry.max_attempts"),
			RetryBaseDelay:        v.GetDuration("automation.retry.base_delay"),
			RetryMaxDelay:         v.GetDuration("automation.retry.max_delay"),
			ReconcileWaitAttempts: v.GetInt("automation.reconcile_wait_attempts"),
			ReconcileWaitInterval: v.GetDuration("automation.reconcile_wait_interval"),
			ProcessedEventTTL:     v.GetDuration("automation.processed_event_ttl"),
			SessionQueueSize:      v.GetInt("automation.session_queue_size"),
			HandlerTimeout:        v.GetDuration("automation.handler_timeout"),
		},
		Scheduler: SchedulerConfig{
			Enabled:          v.GetBool("scheduler.enabled"),
			Workers:          v.GetInt("scheduler.workers"),
			QueueSize:        v.GetInt("scheduler.queue_size"),
			JobTimeout:       v.GetDuration("scheduler.job_timeout"),
			CRMMaxAttempts:   v.GetInt("scheduler.crm_max_attempts"),
			CRMRetryBase:     v.GetDuration("scheduler.crm_retry_base"),
			CRMRetryMax:      v.GetDuration("scheduler.crm_retry_max"),
			SweepInterval:    v.GetDuration("scheduler.sweep_interval"),
			SweepBatchSize:   v.GetInt("scheduler.sweep_batch_size"),
			SweepCronEnabled: v.GetBool("scheduler.sweep_cron_enabled"),
			SweepCron:        v.GetString("scheduler.sweep_cron"),
		},
		Payment: PaymentConfig{
			BaseURL:       v.GetString("payment.base_url"),
			ShopID:        v.GetString("payment.shop_id"),
			SecretKey:     v.GetString("payment.secret_key"),
			WebhookSecret: v.GetString("payment.webhook_secret"),
			ReturnURL:     v.GetString("payment.return_url"),
		},
		Ports: PortsConfig{
			Classifier: endpoint(v, "classifier"),
			Catalog:    endpoint(v, "catalog"),
			Shipping:   endpoint(v, "shipping"),
			CRM:        endpoint(v, "crm"),
			Inventory:  endpoint(v, "inventory"),
			Escalation: endpoint(v, "escalation"),
			Notifier:   endpoint(v, "notifier"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Archive: ArchiveConfig{
			Enabled:         v.GetBool("archive.enabled"),
			Bucket:          v.GetString("archive.bucket"),
			Region:          v.GetString("archive.region"),
			Endpoint:        v.GetString("archive.endpoint"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
			Prefix:          v.GetString("archive.prefix"),
			UsePathStyle:    v.GetBool("archive.use_path_style"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}
	if !v.IsSet("redis.allow_fallback") {
		cfg.Redis.AllowFallback = true
	}
	if !v.IsSet("scheduler.enabled") {
		cfg.Scheduler.Enabled = true
	}
	return cfg, nil
}

func endpoint(v *viper.Viper, name string) EndpointConfig {
	return EndpointConfig{
		BaseURL: v.GetString(name + ".base_url"),
		Token:   v.GetString(name + ".token"),
		Timeout: v.GetDuration(name + ".timeout"),
	}
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "salesflow"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// Long enough for a message whose port calls exhaust their retries
		cfg.HTTP.WriteTimeout = 90 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 30
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
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
		cfg.Database.DBName = "salesflow"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "salesflow.db"
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
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "payment:event:"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	a := &cfg.Automation
	if a.Currency == "" {
		a.Currency = "RUB"
	}
	if a.FreeShippingThreshold.IsZero() {
		a.FreeShippingThreshold = decimal.NewFromInt(15000)
	}
	if a.PaymentTimeout == 0 {
		a.PaymentTimeout = 30 * time.Minute
	}
	if a.IdleTimeout == 0 {
		a.IdleTimeout = 60 * time.Minute
	}
	if a.HistoryLimit == 0 {
		a.HistoryLimit = 20
	}
	if a.SuggestionLimit == 0 {
		a.SuggestionLimit = 3
	}
	if a.MinConfidence == 0 {
		a.MinConfidence = 0.4
	}
	if a.UnresolvedTurnLimit == 0 {
		a.UnresolvedTurnLimit = 3
	}
	if a.PortTimeout == 0 {
		a.PortTimeout = 10 * time.Second
	}
	if a.RetryMaxAttempts == 0 {
		a.RetryMaxAttempts = 3
	}
	if a.RetryBaseDelay == 0 {
		a.RetryBaseDelay = 200 * time.Millisecond
	}
	if a.RetryMaxDelay == 0 {
		a.RetryMaxDelay = 5 * time.Second
	}
	if a.ReconcileWaitAttempts == 0 {
		a.ReconcileWaitAttempts = 5
	}
	if a.ReconcileWaitInterval == 0 {
		a.ReconcileWaitInterval = 500 * time.Millisecond
	}
	if a.ProcessedEventTTL == 0 {
		a.ProcessedEventTTL = 72 * time.Hour
	}
	if a.SessionQueueSize == 0 {
		a.SessionQueueSize = 64
	}
	if a.HandlerTimeout == 0 {
		a.HandlerTimeout = 2 * time.Minute
	}

	s := &cfg.Scheduler
	if s.Workers == 0 {
		s.Workers = 2
	}
	if s.QueueSize == 0 {
		s.QueueSize = 100
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = 30 * time.Second
	}
	if s.CRMMaxAttempts == 0 {
		s.CRMMaxAttempts = 8
	}
	if s.CRMRetryBase == 0 {
		s.CRMRetryBase = 30 * time.Second
	}
	if s.CRMRetryMax == 0 {
		s.CRMRetryMax = 30 * time.Minute
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = time.Minute
	}
	if s.SweepBatchSize == 0 {
		s.SweepBatchSize = 100
	}
	if s.SweepCron == "" {
		s.SweepCron = "* * * * *"
	}

	if cfg.Payment.BaseURL == "" {
		cfg.Payment.BaseURL = "https://api.yookassa.ru/v3"
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "salesflow"
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}

	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "transcripts/"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "salesflow"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 30 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}
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

	if c.Automation.FreeShippingThreshold.IsNegative() {
		return fmt.Errorf("automation.free_shipping_threshold cannot be negative")
	}
	if c.Automation.MinConfidence < 0 || c.Automation.MinConfidence > 1 {
		return fmt.Errorf("automation.min_confidence must be between 0 and 1, got %f", c.Automation.MinConfidence)
	}
	if c.Automation.RetryMaxDelay < c.Automation.RetryBaseDelay {
		return fmt.Errorf("automation.retry.max_delay (%s) cannot be below automation.retry.base_delay (%s)",
			c.Automation.RetryMaxDelay, c.Automation.RetryBaseDelay)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "memory" {
			return fmt.Errorf("database.driver=memory is not allowed in production")
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
		}
		if c.Payment.WebhookSecret == "" {
			return fmt.Errorf("payment.webhook_secret is required in production")
		}
		if c.Database.Driver == "postgres" && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
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

// Addr returns the Redis address
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
