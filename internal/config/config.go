package config

import "time"

// Process roles. An api process accepts submissions and serves sessions,
// a worker process runs the pipeline and the sweeper, all does both.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper" validate:"required"`
	Session  SessionConfig  `mapstructure:"session" validate:"required"`
	Dedup    DedupConfig    `mapstructure:"dedup" validate:"required"`
	Jobs     JobsConfig     `mapstructure:"jobs" validate:"required"`
}

// ServerConfig contains HTTP server and process settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	Role            string        `mapstructure:"role" validate:"required,oneof=api worker all"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RunsAPI reports whether the process serves the gateway routes.
func (c ServerConfig) RunsAPI() bool {
	return c.Role == RoleAPI || c.Role == RoleAll
}

// RunsWorkers reports whether the process runs the worker pool and sweeper.
func (c ServerConfig) RunsWorkers() bool {
	return c.Role == RoleWorker || c.Role == RoleAll
}

// DatabaseConfig contains the Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the broker and dedup cache. An empty URL selects the
// in-process broker and cache, which only work for a single all-role process.
type RedisConfig struct {
	URL       string `mapstructure:"url" validate:"omitempty,url"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// LLMConfig contains the generation backend settings.
type LLMConfig struct {
	GeminiAPIKey string  `mapstructure:"gemini_api_key"`
	ModelName    string  `mapstructure:"model_name" validate:"required"`
	Temperature  float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// StorageConfig selects where generated assets are uploaded. With a bucket
// configured assets go to S3 (or an S3-compatible endpoint such as R2);
// otherwise they are written under LocalDir.
type StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	LocalDir        string `mapstructure:"local_dir"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	Count             int           `mapstructure:"count" validate:"gte=1"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	GenerateTimeout   time.Duration `mapstructure:"generate_timeout" validate:"gt=0"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout" validate:"gt=0"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1,lte=20"`
}

// BrokerConfig bounds the broker.
type BrokerConfig struct {
	MaxDepth  int           `mapstructure:"max_depth" validate:"gte=0"`
	LeaseWait time.Duration `mapstructure:"lease_wait" validate:"gt=0"`
}

// SweeperConfig controls the periodic maintenance loop.
type SweeperConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxJobAge    time.Duration `mapstructure:"max_job_age" validate:"gt=0"`
	RequeueAfter time.Duration `mapstructure:"requeue_after" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"gt=0"`
}

// DedupConfig sets cache entry lifetimes.
type DedupConfig struct {
	PendingTTL time.Duration `mapstructure:"pending_ttl" validate:"gt=0"`
	ResultTTL  time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
}

// JobsConfig controls submission admission and retention.
type JobsConfig struct {
	RetentionPeriod time.Duration `mapstructure:"retention_period" validate:"gt=0"`
	SubmitRate      float64       `mapstructure:"submit_rate" validate:"gte=0"`
	SubmitBurst     int           `mapstructure:"submit_burst" validate:"gte=1"`
}
