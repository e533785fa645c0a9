package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. VOXQ_DATABASE_URL.
const EnvPrefix = "VOXQ"

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.role":             RoleAll,
	"server.shutdown_timeout": 10 * time.Second,

	"database.url":               "",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    25,
	"database.conn_max_lifetime": 5 * time.Minute,

	"redis.url":        "",
	"redis.key_prefix": "voxq",

	"llm.gemini_api_key": "",
	"llm.model_name":     "gemini-2.0-flash",
	"llm.temperature":    0.7,

	"storage.bucket":            "",
	"storage.region":            "auto",
	"storage.endpoint":          "",
	"storage.access_key_id":     "",
	"storage.secret_access_key": "",
	"storage.local_dir":         "./data/assets",

	"worker.count":              4,
	"worker.visibility_timeout": 2 * time.Minute,
	"worker.generate_timeout":   60 * time.Second,
	"worker.upload_timeout":     30 * time.Second,
	"worker.backoff_initial":    2 * time.Second,
	"worker.backoff_max":        2 * time.Minute,
	"worker.max_attempts":       3,

	"broker.max_depth":  10000,
	"broker.lease_wait": 5 * time.Second,

	"sweeper.interval":      30 * time.Second,
	"sweeper.max_job_age":   24 * time.Hour,
	"sweeper.requeue_after": 10 * time.Minute,
	"sweeper.batch_size":    100,

	"session.grace_period": 2 * time.Minute,

	"dedup.pending_ttl": 10 * time.Minute,
	"dedup.result_ttl":  60 * time.Second,

	"jobs.retention_period": 7 * 24 * time.Hour,
	"jobs.submit_rate":      50.0,
	"jobs.submit_burst":     100,
}

// Load reads configuration from config.yaml in the working directory (if
// present) and from the environment, then validates it.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the working directory for config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags plus the rules that span sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if cfg.Server.RunsWorkers() && cfg.LLM.GeminiAPIKey == "" {
		return errors.New("configuration validation failed: llm.gemini_api_key is required for the worker role")
	}

	if cfg.Redis.URL == "" && cfg.Server.Role != RoleAll {
		return fmt.Errorf("configuration validation failed: redis.url is required for the %s role", cfg.Server.Role)
	}

	if cfg.Worker.VisibilityTimeout <= cfg.Worker.GenerateTimeout+cfg.Worker.UploadTimeout {
		return errors.New("configuration validation failed: worker.visibility_timeout must exceed generate_timeout plus upload_timeout")
	}

	return nil
}
