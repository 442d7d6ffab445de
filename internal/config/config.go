// Package config provides configuration management for Omnigate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"omnigate/internal/domain"
)

// Duration wraps time.Duration so TOML values can be written as strings
// like "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config is the root configuration structure.
type Config struct {
	Server         ServerConfig           `toml:"server"`
	Telemetry      TelemetryConfig        `toml:"telemetry"`
	Database       DatabaseConfig         `toml:"database"`
	Redis          RedisConfig            `toml:"redis"`
	S3             S3Config               `toml:"s3"`
	Lock           LockConfig             `toml:"lock"`
	Cache          CacheConfig            `toml:"cache"`
	Tasks          TasksConfig            `toml:"tasks"`
	Router         RouterConfig           `toml:"router"`
	Video          VideoConfig            `toml:"video"`
	ProviderErrors ProviderErrorsConfig   `toml:"provider_errors"`
	Webhooks       WebhooksConfig         `toml:"webhooks"`
	Monitoring     MonitoringConfig       `toml:"monitoring"`
	Alerting       AlertingConfig         `toml:"alerting"`
	Tracing        TracingConfig          `toml:"tracing"`
	Realtime       RealtimeConfig         `toml:"realtime"`
	Models         map[string]ModelConfig `toml:"models"`
	Aliases        map[string]string      `toml:"aliases"`
}

// ServerConfig contains server settings.
type ServerConfig struct {
	MetricsPort     int      `toml:"metrics_port"`
	BindAddress     string   `toml:"bind_address"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogFormat         string `toml:"log_format"`
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	DSN        string   `toml:"dsn"`
	Host       string   `toml:"host"`
	Port       int      `toml:"port"`
	User       string   `toml:"user"`
	Password   string   `toml:"password"`
	Database   string   `toml:"database"`
	SSLMode    string   `toml:"ssl_mode"`
	MaxConns   int      `toml:"max_conns"`
	MaxIdle    int      `toml:"max_idle"`
	ConnMaxAge Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// RedisConfig contains distributed cache settings.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	DialTimeout  Duration `toml:"dial_timeout"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// S3Config contains media store settings.
type S3Config struct {
	AccessKey               string   `toml:"access_key"`
	SecretKey               string   `toml:"secret_key"`
	BucketName              string   `toml:"bucket_name"`
	ServiceURL              string   `toml:"service_url"`
	Region                  string   `toml:"region"`
	ForcePathStyle          bool     `toml:"force_path_style"`
	IsR2                    bool     `toml:"is_r2"`
	MultipartChunkSizeBytes int64    `toml:"multipart_chunk_size_bytes"`
	MultipartThresholdBytes int64    `toml:"multipart_threshold_bytes"`
	PresignThresholdBytes   int64    `toml:"presign_threshold_bytes"`
	AutoCreateBucket        bool     `toml:"auto_create_bucket"`
	DefaultURLExpiration    Duration `toml:"default_url_expiration"`
	PublicBaseURL           string   `toml:"public_base_url"`
	AutoConfigureCors       bool     `toml:"auto_configure_cors"`
	CorsAllowedOrigins      []string `toml:"cors_allowed_origins"`
	CorsAllowedMethods      []string `toml:"cors_allowed_methods"`
	CorsExposeHeaders       []string `toml:"cors_expose_headers"`
	CorsMaxAgeSeconds       int      `toml:"cors_max_age_seconds"`
}

// LockConfig contains distributed lock settings.
type LockConfig struct {
	Backend       string   `toml:"backend"` // "memory", "redis", "postgres"
	DefaultExpiry Duration `toml:"default_expiry"`
	RetryDelay    Duration `toml:"retry_delay"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// CacheConfig contains cache manager settings. Region settings override the
// compile-time defaults per region name; only the fields present in the file
// are applied.
type CacheConfig struct {
	Regions map[string]CacheRegionOverride `toml:"regions"`
}

// CacheRegionOverride is a partial per-region settings block. Pointer fields
// distinguish "absent" from "explicitly false/zero".
type CacheRegionOverride struct {
	Enabled        *bool    `toml:"enabled"`
	DefaultTTL     Duration `toml:"default_ttl"`
	MaxTTL         Duration `toml:"max_ttl"`
	UseMemory      *bool    `toml:"use_memory"`
	UseDistributed *bool    `toml:"use_distributed"`
	Priority       *int     `toml:"priority"`
	EvictionPolicy string   `toml:"eviction_policy"`
	MaxSizeBytes   int64    `toml:"max_size_bytes"`
	DetailedStats  *bool    `toml:"detailed_stats"`
}

// RegionConfig returns the effective config for a region: the compile-time
// defaults with any file override applied on top.
func (c *CacheConfig) RegionConfig(region domain.CacheRegion) domain.CacheRegionConfig {
	cfg := domain.DefaultRegionConfig(region)
	if c == nil || c.Regions == nil {
		return cfg
	}
	o, ok := c.Regions[string(region)]
	if !ok {
		return cfg
	}
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	if o.DefaultTTL.Duration > 0 {
		cfg.DefaultTTL = o.DefaultTTL.Duration
	}
	if o.MaxTTL.Duration > 0 {
		cfg.MaxTTL = o.MaxTTL.Duration
	}
	if o.UseMemory != nil {
		cfg.UseMemory = *o.UseMemory
	}
	if o.UseDistributed != nil {
		cfg.UseDistributed = *o.UseDistributed
	}
	if o.Priority != nil {
		cfg.Priority = *o.Priority
	}
	if o.EvictionPolicy != "" {
		if policy, ok := domain.ParseEvictionPolicy(o.EvictionPolicy); ok {
			cfg.EvictionPolicy = policy
		}
	}
	if o.MaxSizeBytes > 0 {
		cfg.MaxSizeBytes = o.MaxSizeBytes
	}
	if o.DetailedStats != nil {
		cfg.DetailedStats = *o.DetailedStats
	}
	return cfg
}

// TasksConfig contains async task engine settings.
type TasksConfig struct {
	DefaultMaxRetries  int      `toml:"default_max_retries"`
	RetryBase          Duration `toml:"retry_base"`
	RetryMaxDelay      Duration `toml:"retry_max_delay"`
	RetryJitter        float64  `toml:"retry_jitter"`
	CacheTTL           Duration `toml:"cache_ttl"`
	CleanupAfter       Duration `toml:"cleanup_after"`
	RegistryPurgeGrace Duration `toml:"registry_purge_grace"`
}

// RouterConfig contains router and fallback settings.
type RouterConfig struct {
	DefaultStrategy  string              `toml:"default_strategy"`
	MaxRetries       int                 `toml:"max_retries"`
	RetryBaseDelay   Duration            `toml:"retry_base_delay"`
	RetryMaxDelay    Duration            `toml:"retry_max_delay"`
	FailureThreshold int                 `toml:"failure_threshold"`
	HealthCooldown   Duration            `toml:"health_cooldown"`
	Deployments      []DeploymentConfig  `toml:"deployments"`
	Fallbacks        map[string][]string `toml:"fallbacks"`
	DefaultFallbacks []string            `toml:"default_fallbacks"`
}

// DeploymentConfig declares one model deployment. Model is the gateway-facing
// alias the deployment serves; when empty the deployment name is the alias.
type DeploymentConfig struct {
	Name          string `toml:"name"`
	Model         string `toml:"model"`
	Provider      string `toml:"provider"`
	ProviderModel string `toml:"provider_model"`
	Priority      int    `toml:"priority"`
	Weight        int    `toml:"weight"`
}

// VideoConfig contains video generation orchestrator settings.
type VideoConfig struct {
	DefaultDurationSeconds float64  `toml:"default_duration_seconds"`
	MaxDurationSeconds     float64  `toml:"max_duration_seconds"`
	GenerationTimeout      Duration `toml:"generation_timeout"`
	PseudoProgressInterval Duration `toml:"pseudo_progress_interval"`
	ResultURLTTL           Duration `toml:"result_url_ttl"`
	RetryPollInterval      Duration `toml:"retry_poll_interval"`
	RetryLockTTL           Duration `toml:"retry_lock_ttl"`
}

// ProviderErrorsConfig controls the provider error tracker and credential
// auto-disable policy.
type ProviderErrorsConfig struct {
	WarningCap       int                   `toml:"warning_cap"`
	WarningRetention Duration              `toml:"warning_retention"`
	RecentCap        int                   `toml:"recent_cap"`
	DisableLockTTL   Duration              `toml:"disable_lock_ttl"`
	GateTTL          Duration              `toml:"gate_ttl"`
	Policies         map[string]PolicyRule `toml:"policies"`
}

// PolicyRule overrides the disable policy for one provider error type.
type PolicyRule struct {
	DisableImmediately  bool     `toml:"disable_immediately"`
	RequiredOccurrences int      `toml:"required_occurrences"`
	TimeWindow          Duration `toml:"time_window"`
}

// WebhooksConfig contains webhook pipeline settings.
type WebhooksConfig struct {
	MaxBatchSize         int      `toml:"max_batch_size"`
	MaxBatchDelay        Duration `toml:"max_batch_delay"`
	ConcurrentPublishers int      `toml:"concurrent_publishers"`
	QueueCapacity        int      `toml:"queue_capacity"`
	RequestTimeout       Duration `toml:"request_timeout"`
	FailureThreshold     int      `toml:"failure_threshold"`
	OpenDuration         Duration `toml:"open_duration"`
	CounterResetDuration Duration `toml:"counter_reset_duration"`
}

// MonitoringConfig contains cache monitoring thresholds.
type MonitoringConfig struct {
	Enabled                    bool             `toml:"enabled"`
	EvaluationInterval         Duration         `toml:"evaluation_interval"`
	MinHitRate                 float64          `toml:"min_hit_rate"`
	MaxMemoryUsage             int64            `toml:"max_memory_usage"`
	MaxEvictionRate            float64          `toml:"max_eviction_rate"`
	MaxResponseTimeMs          float64          `toml:"max_response_time_ms"`
	MinRequestsForHitRateAlert int64            `toml:"min_requests_for_hit_rate_alert"`
	RegionMemoryOverrides      map[string]int64 `toml:"region_memory_overrides"`
}

// AlertingConfig contains audio alert service settings.
type AlertingConfig struct {
	MaxHistorySize        int      `toml:"max_history_size"`
	DefaultCooldownPeriod Duration `toml:"default_cooldown_period"`
	EvaluationInterval    Duration `toml:"evaluation_interval"`
}

// TracingConfig contains tracing service settings.
type TracingConfig struct {
	RetentionPeriod Duration `toml:"retention_period"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	SamplingRate    float64  `toml:"sampling_rate"`
	EnableExport    bool     `toml:"enable_export"`
	OTLPEndpoint    string   `toml:"otlp_endpoint"`
	MaxCompleted    int      `toml:"max_completed"`
}

// RealtimeConfig contains realtime session store settings.
type RealtimeConfig struct {
	CleanupInterval          Duration `toml:"cleanup_interval"`
	MetricsInterval          Duration `toml:"metrics_interval"`
	MaxSessionAge            Duration `toml:"max_session_age"`
	ZombieSessionThreshold   Duration `toml:"zombie_session_threshold"`
	AutoTerminateZombies     bool     `toml:"auto_terminate_zombies"`
	MaxSessionsPerVirtualKey int      `toml:"max_sessions_per_virtual_key"`
	EnablePersistence        bool     `toml:"enable_persistence"`
	SessionTTL               Duration `toml:"session_ttl"`
}

// ModelConfig contains model metadata and pricing.
type ModelConfig struct {
	Provider      string `toml:"provider"`
	ProviderModel string `toml:"provider_model"`
	PricingSchema string `toml:"pricing_schema"`
	Pricing       string `toml:"pricing"` // JSON document for the schema
	Enabled       bool   `toml:"enabled"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort:     9090,
			BindAddress:     "0.0.0.0",
			ShutdownTimeout: dur(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "omnigate",
			PrometheusEnabled: true,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "omnigate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: dur(30 * time.Minute),
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			DialTimeout:  dur(5 * time.Second),
			ReadTimeout:  dur(3 * time.Second),
			WriteTimeout: dur(3 * time.Second),
		},
		S3: S3Config{
			Region:                  "us-east-1",
			MultipartChunkSizeBytes: 8 << 20,
			MultipartThresholdBytes: 50 << 20,
			PresignThresholdBytes:   100 << 20,
			DefaultURLExpiration:    dur(time.Hour),
			CorsAllowedOrigins:      []string{"*"},
			CorsAllowedMethods:      []string{"GET", "PUT", "HEAD"},
			CorsExposeHeaders:       []string{"ETag"},
			CorsMaxAgeSeconds:       3600,
		},
		Lock: LockConfig{
			Backend:       "redis",
			DefaultExpiry: dur(30 * time.Second),
			RetryDelay:    dur(100 * time.Millisecond),
			SweepInterval: dur(time.Minute),
		},
		Cache: CacheConfig{},
		Tasks: TasksConfig{
			DefaultMaxRetries:  3,
			RetryBase:          dur(30 * time.Second),
			RetryMaxDelay:      dur(time.Hour),
			RetryJitter:        0.2,
			CacheTTL:           dur(time.Hour),
			CleanupAfter:       dur(7 * 24 * time.Hour),
			RegistryPurgeGrace: dur(5 * time.Second),
		},
		Router: RouterConfig{
			DefaultStrategy:  "simple",
			MaxRetries:       3,
			RetryBaseDelay:   dur(500 * time.Millisecond),
			RetryMaxDelay:    dur(10 * time.Second),
			FailureThreshold: 3,
			HealthCooldown:   dur(30 * time.Second),
			Fallbacks:        make(map[string][]string),
		},
		Video: VideoConfig{
			DefaultDurationSeconds: 5,
			MaxDurationSeconds:     60,
			GenerationTimeout:      dur(10 * time.Minute),
			PseudoProgressInterval: dur(15 * time.Second),
			ResultURLTTL:           dur(24 * time.Hour),
			RetryPollInterval:      dur(15 * time.Second),
			RetryLockTTL:           dur(30 * time.Second),
		},
		ProviderErrors: ProviderErrorsConfig{
			WarningCap:       100,
			WarningRetention: dur(30 * 24 * time.Hour),
			RecentCap:        1000,
			DisableLockTTL:   dur(30 * time.Second),
			GateTTL:          dur(30 * time.Second),
		},
		Webhooks: WebhooksConfig{
			MaxBatchSize:         100,
			MaxBatchDelay:        dur(100 * time.Millisecond),
			ConcurrentPublishers: 3,
			QueueCapacity:        10000,
			RequestTimeout:       dur(30 * time.Second),
			FailureThreshold:     5,
			OpenDuration:         dur(5 * time.Minute),
			CounterResetDuration: dur(15 * time.Minute),
		},
		Monitoring: MonitoringConfig{
			Enabled:                    true,
			EvaluationInterval:         dur(time.Minute),
			MinHitRate:                 0.5,
			MaxMemoryUsage:             512 << 20,
			MaxEvictionRate:            100,
			MaxResponseTimeMs:          50,
			MinRequestsForHitRateAlert: 100,
		},
		Alerting: AlertingConfig{
			MaxHistorySize:        1000,
			DefaultCooldownPeriod: dur(5 * time.Minute),
			EvaluationInterval:    dur(time.Minute),
		},
		Tracing: TracingConfig{
			RetentionPeriod: dur(time.Hour),
			CleanupInterval: dur(5 * time.Minute),
			SamplingRate:    1.0,
			MaxCompleted:    10000,
		},
		Realtime: RealtimeConfig{
			CleanupInterval:          dur(5 * time.Minute),
			MetricsInterval:          dur(time.Minute),
			MaxSessionAge:            dur(4 * time.Hour),
			ZombieSessionThreshold:   dur(15 * time.Minute),
			AutoTerminateZombies:     true,
			MaxSessionsPerVirtualKey: 10,
			EnablePersistence:        true,
			SessionTTL:               dur(2 * time.Hour),
		},
		Models:  make(map[string]ModelConfig),
		Aliases: make(map[string]string),
	}
}

// Load loads configuration from a file, starting from defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides expands ${VAR} patterns in secrets and applies direct
// OMNIGATE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)
	c.Redis.Addr = expandEnv(c.Redis.Addr)
	c.Redis.Password = expandEnv(c.Redis.Password)
	c.S3.AccessKey = expandEnv(c.S3.AccessKey)
	c.S3.SecretKey = expandEnv(c.S3.SecretKey)

	if v := os.Getenv("OMNIGATE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("OMNIGATE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("OMNIGATE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("OMNIGATE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("OMNIGATE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("OMNIGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("OMNIGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OMNIGATE_S3_ACCESS_KEY"); v != "" {
		c.S3.AccessKey = v
	}
	if v := os.Getenv("OMNIGATE_S3_SECRET_KEY"); v != "" {
		c.S3.SecretKey = v
	}
	if v := os.Getenv("OMNIGATE_S3_BUCKET"); v != "" {
		c.S3.BucketName = v
	}
	if v := os.Getenv("OMNIGATE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.MetricsPort = port
		}
	}
}

// expandEnv expands ${VAR} or $VAR patterns.
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks cross-field consistency and value ranges.
func (c *Config) Validate() error {
	if _, ok := domain.ParseRoutingStrategy(c.Router.DefaultStrategy); !ok {
		return fmt.Errorf("router: unknown default_strategy %q", c.Router.DefaultStrategy)
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router: max_retries must be >= 0")
	}
	if c.Webhooks.MaxBatchSize <= 0 {
		return fmt.Errorf("webhooks: max_batch_size must be > 0")
	}
	if c.Webhooks.ConcurrentPublishers <= 0 {
		return fmt.Errorf("webhooks: concurrent_publishers must be > 0")
	}
	if c.Tasks.RetryJitter < 0 || c.Tasks.RetryJitter >= 1 {
		return fmt.Errorf("tasks: retry_jitter must be in [0, 1)")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing: sampling_rate must be in [0, 1]")
	}
	if c.Monitoring.MinHitRate < 0 || c.Monitoring.MinHitRate > 1 {
		return fmt.Errorf("monitoring: min_hit_rate must be in [0, 1]")
	}
	switch c.Lock.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("lock: unknown backend %q", c.Lock.Backend)
	}
	for name, region := range c.Cache.Regions {
		if region.Priority != nil && (*region.Priority < 0 || *region.Priority > 100) {
			return fmt.Errorf("cache: region %q priority must be in [0, 100]", name)
		}
	}
	for i, d := range c.Router.Deployments {
		if d.Name == "" {
			return fmt.Errorf("router: deployment %d has no name", i)
		}
		if d.Provider == "" {
			return fmt.Errorf("router: deployment %q has no provider", d.Name)
		}
	}
	return nil
}

// ResolveAlias resolves a model alias to its canonical name.
func (c *Config) ResolveAlias(model string) string {
	if resolved, ok := c.Aliases[model]; ok {
		return resolved
	}
	return model
}

// ModelMetadata resolves a model's pricing and identity record. The second
// return is false when the model is unknown or disabled.
func (c *Config) ModelMetadata(model string) (domain.ModelMetadata, bool) {
	name := c.ResolveAlias(model)
	m, ok := c.Models[name]
	if !ok || !m.Enabled {
		return domain.ModelMetadata{}, false
	}
	schema, _ := domain.ParsePricingSchemaType(m.PricingSchema)
	return domain.ModelMetadata{
		Alias:           name,
		ProviderID:      m.Provider,
		ProviderModelID: m.ProviderModel,
		PricingSchema:   schema,
		PricingConfig:   []byte(m.Pricing),
	}, true
}
