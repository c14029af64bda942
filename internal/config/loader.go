package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "EXBACKUP"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves, parses and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}

var _ Loader = (*ViperLoader)(nil)

// ViperLoader reads an optional YAML file, a .env file and EXBACKUP_*
// environment variables, in increasing order of precedence.
type ViperLoader struct {
	path    string
	envFile string
}

// NewViperLoader creates a loader. path and envFile may be empty.
func NewViperLoader(path, envFile string) *ViperLoader {
	return &ViperLoader{path: path, envFile: envFile}
}

// Load builds the configuration and validates it.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.envFile != "" {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.endpoint", "ovh-eu")
	v.SetDefault("api.application_key", "")
	v.SetDefault("api.application_secret", "")
	v.SetDefault("api.consumer_key", "")
	v.SetDefault("api.requests_per_second", 5.0)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.breaker_failure_ratio", 0.6)
	v.SetDefault("api.breaker_timeout", "30s")

	v.SetDefault("backup.destination_root", "")
	v.SetDefault("backup.date_format", "2006-01-02")
	v.SetDefault("backup.max_age_hours", 24)
	v.SetDefault("backup.poll_interval_seconds", 10)
	v.SetDefault("backup.startup_grace_seconds", 100)
	v.SetDefault("backup.concurrency_limit", 4)
	v.SetDefault("backup.download_strategy", string(DownloadStreaming))
	v.SetDefault("backup.download_rate_limit", 10<<20)
	v.SetDefault("backup.download_timeout", "2h")
	v.SetDefault("backup.max_download_attempts", 3)
	v.SetDefault("backup.external_tool", "wget")
	v.SetDefault("backup.deadline", "0s")
	v.SetDefault("backup.placeholder_suffix", "@configureme.me")
	v.SetDefault("backup.accounts_file", "")

	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.service_name", "exchange-backup")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", "")
	v.SetDefault("events.client_id", "exchange-backup")

	v.SetDefault("journal.postgres_dsn", "")
	v.SetDefault("status.addr", "")
	v.SetDefault("log.level", "info")
}
