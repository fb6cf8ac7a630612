package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Reporting   ReportingConfig   `yaml:"reporting"`
	Pool        PoolConfig        `yaml:"pool"`
	DefaultSMTP DefaultSMTPConfig `yaml:"default_smtp"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the optional Redis connection. Redis backs the
// dispatcher writer lock and the shared attachment cache tier; the
// service degrades gracefully without it.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// APIConfig holds control-API auth settings
type APIConfig struct {
	Token       string   `yaml:"token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	// PlainAddresses disables recipient redaction in logs. Leave off
	// anywhere real traffic flows.
	PlainAddresses bool `yaml:"plain_addresses"`
}

// DispatchConfig holds the send-loop tuning knobs
type DispatchConfig struct {
	IntervalMS                  int   `yaml:"interval_ms"`
	BatchSize                   int   `yaml:"batch_size"`
	AccountBatchSize            int   `yaml:"account_batch_size"`
	MaxConcurrent               int   `yaml:"max_concurrent"`
	MaxPerAccount               int   `yaml:"max_per_account"`
	MaxAttachmentConcurrency    int   `yaml:"max_attachment_concurrency"`
	MaxRetries                  int   `yaml:"max_retries"`
	RetryDelaysSeconds          []int `yaml:"retry_delays_seconds"`
	MaxEnqueueBatch             int   `yaml:"max_enqueue_batch"`
	ResultBuffer                int   `yaml:"result_buffer"`
	ResultPublishTimeoutSeconds int   `yaml:"result_publish_timeout_seconds"`
}

// Interval returns the send-loop pause as a duration
func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// ResultPublishTimeout returns the result-queue publish timeout as a duration
func (c DispatchConfig) ResultPublishTimeout() time.Duration {
	return time.Duration(c.ResultPublishTimeoutSeconds) * time.Second
}

// ReportingConfig holds the delivery-report loop settings
type ReportingConfig struct {
	IntervalSeconds    int    `yaml:"interval_seconds"`
	BatchSize          int    `yaml:"batch_size"`
	RetentionSeconds   int    `yaml:"retention_seconds"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	GlobalSyncURL      string `yaml:"global_sync_url"`
	ReportDeferred     bool   `yaml:"report_deferred"`
}

// Interval returns the reporting fallback interval as a duration
func (c ReportingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// HTTPTimeout returns the per-report HTTP timeout as a duration
func (c ReportingConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// PoolConfig holds SMTP connection pool settings
type PoolConfig struct {
	TTLSeconds             int `yaml:"ttl_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	ConnectTimeoutSeconds  int `yaml:"connect_timeout_seconds"`
	LoginTimeoutSeconds    int `yaml:"login_timeout_seconds"`
	SendTimeoutSeconds     int `yaml:"send_timeout_seconds"`
	ProbeTimeoutSeconds    int `yaml:"probe_timeout_seconds"`
}

// TTL returns the idle connection lifetime as a duration
func (c PoolConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CleanupInterval returns the pool sweep interval as a duration
func (c PoolConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// ConnectTimeout returns the TCP dial timeout as a duration
func (c PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// LoginTimeout returns the connect+login budget as a duration
func (c PoolConfig) LoginTimeout() time.Duration {
	return time.Duration(c.LoginTimeoutSeconds) * time.Second
}

// SendTimeout returns the per-message SMTP transaction timeout as a duration
func (c PoolConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the NOOP liveness probe timeout as a duration
func (c PoolConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// DefaultSMTPConfig is the account of last resort, used when a message
// names no account. Messages with no account and no default here are
// rejected at admission.
type DefaultSMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Configured reports whether a usable default account exists.
func (c DefaultSMTPConfig) Configured() bool {
	return c.Host != ""
}

// AttachmentsConfig holds attachment fetch and cache settings
type AttachmentsConfig struct {
	BaseDir             string      `yaml:"base_dir"`
	DefaultEndpoint     string      `yaml:"default_endpoint"`
	FetchTimeoutSeconds int         `yaml:"fetch_timeout_seconds"`
	MaxSizeMB           int         `yaml:"max_size_mb"`
	SizePolicy          string      `yaml:"size_policy"` // "reject", "warn" or "allow"
	S3                  S3Config    `yaml:"s3"`
	Cache               CacheConfig `yaml:"cache"`
}

// FetchTimeout returns the per-attachment fetch budget as a duration
func (c AttachmentsConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// S3Config holds object-storage settings for attachments stored in S3
type S3Config struct {
	Region     string `yaml:"region"`
	Bucket     string `yaml:"bucket"`
	AccessKey  string `yaml:"access_key"` // Empty pair uses the default credential chain (IAM role on ECS)
	SecretKey  string `yaml:"secret_key"`
	AWSProfile string `yaml:"aws_profile"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c S3Config) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// CacheConfig holds the tiered attachment cache settings
type CacheConfig struct {
	MemoryMaxMB      int    `yaml:"memory_max_mb"`
	MemoryTTLSeconds int    `yaml:"memory_ttl_seconds"`
	DiskDir          string `yaml:"disk_dir"`
	DiskMaxMB        int    `yaml:"disk_max_mb"`
	DiskTTLSeconds   int    `yaml:"disk_ttl_seconds"`
	DiskThresholdKB  int    `yaml:"disk_threshold_kb"`
	RedisTTLSeconds  int    `yaml:"redis_ttl_seconds"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Dispatch.IntervalMS == 0 {
		cfg.Dispatch.IntervalMS = 500
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 10000
	}
	if cfg.Dispatch.AccountBatchSize == 0 {
		cfg.Dispatch.AccountBatchSize = 50
	}
	if cfg.Dispatch.MaxConcurrent == 0 {
		cfg.Dispatch.MaxConcurrent = 10
	}
	if cfg.Dispatch.MaxPerAccount == 0 {
		cfg.Dispatch.MaxPerAccount = 3
	}
	if cfg.Dispatch.MaxAttachmentConcurrency == 0 {
		cfg.Dispatch.MaxAttachmentConcurrency = 3
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 5
	}
	if len(cfg.Dispatch.RetryDelaysSeconds) == 0 {
		cfg.Dispatch.RetryDelaysSeconds = []int{60, 300, 900, 3600, 7200}
	}
	if cfg.Dispatch.MaxEnqueueBatch == 0 {
		cfg.Dispatch.MaxEnqueueBatch = 1000
	}
	if cfg.Dispatch.ResultBuffer == 0 {
		cfg.Dispatch.ResultBuffer = 1000
	}
	if cfg.Dispatch.ResultPublishTimeoutSeconds == 0 {
		cfg.Dispatch.ResultPublishTimeoutSeconds = 5
	}
	if cfg.Reporting.IntervalSeconds == 0 {
		cfg.Reporting.IntervalSeconds = 300
	}
	if cfg.Reporting.BatchSize == 0 {
		cfg.Reporting.BatchSize = 1000
	}
	if cfg.Reporting.RetentionSeconds == 0 {
		cfg.Reporting.RetentionSeconds = 7 * 24 * 3600
	}
	if cfg.Reporting.HTTPTimeoutSeconds == 0 {
		cfg.Reporting.HTTPTimeoutSeconds = 30
	}
	if cfg.Pool.TTLSeconds == 0 {
		cfg.Pool.TTLSeconds = 300
	}
	if cfg.Pool.CleanupIntervalSeconds == 0 {
		cfg.Pool.CleanupIntervalSeconds = cfg.Pool.TTLSeconds / 2
	}
	if cfg.Pool.ConnectTimeoutSeconds == 0 {
		cfg.Pool.ConnectTimeoutSeconds = 10
	}
	if cfg.Pool.LoginTimeoutSeconds == 0 {
		cfg.Pool.LoginTimeoutSeconds = 15
	}
	if cfg.Pool.SendTimeoutSeconds == 0 {
		cfg.Pool.SendTimeoutSeconds = 30
	}
	if cfg.Pool.ProbeTimeoutSeconds == 0 {
		cfg.Pool.ProbeTimeoutSeconds = 5
	}
	if cfg.DefaultSMTP.Port == 0 {
		cfg.DefaultSMTP.Port = 25
	}
	if cfg.Attachments.FetchTimeoutSeconds == 0 {
		cfg.Attachments.FetchTimeoutSeconds = 30
	}
	if cfg.Attachments.MaxSizeMB == 0 {
		cfg.Attachments.MaxSizeMB = 25
	}
	if cfg.Attachments.SizePolicy == "" {
		cfg.Attachments.SizePolicy = "warn"
	}
	if cfg.Attachments.Cache.MemoryMaxMB == 0 {
		cfg.Attachments.Cache.MemoryMaxMB = 50
	}
	if cfg.Attachments.Cache.MemoryTTLSeconds == 0 {
		cfg.Attachments.Cache.MemoryTTLSeconds = 300
	}
	if cfg.Attachments.Cache.DiskMaxMB == 0 {
		cfg.Attachments.Cache.DiskMaxMB = 500
	}
	if cfg.Attachments.Cache.DiskTTLSeconds == 0 {
		cfg.Attachments.Cache.DiskTTLSeconds = 3600
	}
	if cfg.Attachments.Cache.DiskThresholdKB == 0 {
		cfg.Attachments.Cache.DiskThresholdKB = 100
	}
	if cfg.Attachments.Cache.RedisTTLSeconds == 0 {
		cfg.Attachments.Cache.RedisTTLSeconds = 3600
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if token := os.Getenv("MAILROOM_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if level := os.Getenv("MAILROOM_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.DefaultSMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DefaultSMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USER"); user != "" {
		cfg.DefaultSMTP.User = user
	}
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		cfg.DefaultSMTP.Password = password
	}
	if bucket := os.Getenv("ATTACHMENT_S3_BUCKET"); bucket != "" {
		cfg.Attachments.S3.Bucket = bucket
	}
	if region := os.Getenv("ATTACHMENT_S3_REGION"); region != "" {
		cfg.Attachments.S3.Region = region
	}

	return cfg, nil
}
