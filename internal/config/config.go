package config

import "time"

// DownloadStrategy selects how archives are fetched.
type DownloadStrategy string

const (
	DownloadStreaming    DownloadStrategy = "streaming"
	DownloadExternalTool DownloadStrategy = "external-tool"
)

// Config is the top-level configuration of the backup tool.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Events    EventsConfig    `mapstructure:"events"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Status    StatusConfig    `mapstructure:"status"`
	Log       LogConfig       `mapstructure:"log"`
}

// APIConfig holds the API credentials and client tuning.
type APIConfig struct {
	Endpoint            string        `mapstructure:"endpoint" validate:"required"`
	ApplicationKey      string        `mapstructure:"application_key" validate:"required"`
	ApplicationSecret   string        `mapstructure:"application_secret" validate:"required"`
	ConsumerKey         string        `mapstructure:"consumer_key" validate:"required"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

// BackupConfig controls scheduling, downloads and the archive layout.
type BackupConfig struct {
	DestinationRoot     string           `mapstructure:"destination_root" validate:"required,dir"`
	DateFormat          string           `mapstructure:"date_format" validate:"required"`
	MaxAgeHours         int              `mapstructure:"max_age_hours" validate:"gte=1"`
	PollIntervalSeconds int              `mapstructure:"poll_interval_seconds" validate:"gte=1"`
	StartupGraceSeconds int              `mapstructure:"startup_grace_seconds" validate:"gte=0"`
	ConcurrencyLimit    int              `mapstructure:"concurrency_limit" validate:"gte=1"`
	DownloadStrategy    DownloadStrategy `mapstructure:"download_strategy" validate:"oneof=streaming external-tool"`
	DownloadRateLimit   int64            `mapstructure:"download_rate_limit" validate:"gte=0"`
	DownloadTimeout     time.Duration    `mapstructure:"download_timeout" validate:"gt=0"`
	MaxDownloadAttempts int              `mapstructure:"max_download_attempts" validate:"gte=1"`
	ExternalTool        string           `mapstructure:"external_tool" validate:"required_if=DownloadStrategy external-tool"`
	Deadline            time.Duration    `mapstructure:"deadline" validate:"gte=0"`
	PlaceholderSuffix   string           `mapstructure:"placeholder_suffix"`
	AccountsFile        string           `mapstructure:"accounts_file" validate:"omitempty,file"`
}

// PollInterval returns the delay between rounds.
func (b BackupConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// StartupGrace returns the delay granted to the backend after the first round reset exports.
func (b BackupConfig) StartupGrace() time.Duration {
	return time.Duration(b.StartupGraceSeconds) * time.Second
}

// TelemetryConfig enables trace and metric export when ExporterEndpoint is set.
type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// EventsConfig enables the Kafka transition feed when both fields are set.
type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	ClientID     string   `mapstructure:"client_id"`
}

// Enabled reports whether events should be published to Kafka.
func (e EventsConfig) Enabled() bool { return len(e.KafkaBrokers) > 0 && e.KafkaTopic != "" }

// JournalConfig enables the Postgres run journal.
type JournalConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Enabled reports whether a journal is configured.
func (j JournalConfig) Enabled() bool { return j.PostgresDSN != "" }

// StatusConfig enables the HTTP status server.
type StatusConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Enabled reports whether the status server should run.
func (s StatusConfig) Enabled() bool { return s.Addr != "" }

// LogConfig controls the log output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
}
