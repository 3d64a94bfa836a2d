package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider name constants
const (
	ProviderGoogleDrive = "google_drive"
	ProviderS3          = "s3"
)

type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Storage       StorageConfig      `mapstructure:"storage"`
	TokenRefresh  TokenRefreshConfig `mapstructure:"token_refresh"`
	Health        HealthConfig       `mapstructure:"health"`
	Recovery      RecoveryConfig     `mapstructure:"recovery"`
	Uploads       UploadConfig       `mapstructure:"uploads"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Port    int    `mapstructure:"port"`
	Env     string `mapstructure:"env"`
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the active cloud storage provider for the deployment
// and carries per-provider credentials.
type StorageConfig struct {
	Provider    string            `mapstructure:"provider"` // "google_drive" or "s3"
	GoogleDrive GoogleDriveConfig `mapstructure:"google_drive"`
	S3          S3Config          `mapstructure:"s3"`
}

type GoogleDriveConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	RootFolderID string        `mapstructure:"root_folder_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"` // optional, for S3-compatible stores
}

// TokenRefreshConfig tunes the token renewal state machine.
type TokenRefreshConfig struct {
	ProactiveEnabled   bool          `mapstructure:"proactive_enabled"`
	ProactiveWindow    time.Duration `mapstructure:"proactive_window"`     // refresh when expiring within this window
	ExpiringSoonWindow time.Duration `mapstructure:"expiring_soon_window"` // maintenance: immediate refresh window
	ScheduleLead       time.Duration `mapstructure:"schedule_lead"`        // proactive job fires at expires_at - lead
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	RetryUntil         time.Duration `mapstructure:"retry_until"`
}

// HealthConfig tunes the connection health validator.
type HealthConfig struct {
	LiveValidationEnabled bool          `mapstructure:"live_validation_enabled"`
	LiveProbeInterval     time.Duration `mapstructure:"live_probe_interval"`
	LiveProbesPerBatch    int           `mapstructure:"live_probes_per_batch"`
	HealthyCacheTTL       time.Duration `mapstructure:"healthy_cache_ttl"`
	ErrorCacheTTL         time.Duration `mapstructure:"error_cache_ttl"`
	UnhealthyThreshold    int           `mapstructure:"unhealthy_threshold"`
}

// RecoveryConfig tunes the background maintenance jobs and the task queue.
type RecoveryConfig struct {
	AutomaticEnabled         bool          `mapstructure:"automatic_enabled"`
	MaintenanceEnabled       bool          `mapstructure:"maintenance_enabled"`
	MaintenanceInterval      time.Duration `mapstructure:"maintenance_interval"`
	CleanupInterval          time.Duration `mapstructure:"cleanup_interval"`
	HealthValidationInterval time.Duration `mapstructure:"health_validation_interval"`
	FailureAmnestyAge        time.Duration `mapstructure:"failure_amnesty_age"`
	StuckScheduleAge         time.Duration `mapstructure:"stuck_schedule_age"`
	NotificationRetention    time.Duration `mapstructure:"notification_retention"`
	StaleHealthAge           time.Duration `mapstructure:"stale_health_age"`
	OrphanHealthAge          time.Duration `mapstructure:"orphan_health_age"`
	ActiveUploadWindow       time.Duration `mapstructure:"active_upload_window"`
	UnhealthyRetryDelay      time.Duration `mapstructure:"unhealthy_retry_delay"`
	UploadRetryUntil         time.Duration `mapstructure:"upload_retry_until"`
	MaxRecoveryAttempts      int           `mapstructure:"max_recovery_attempts"`
	WorkerCount              int           `mapstructure:"worker_count"`
	QueuePollInterval        time.Duration `mapstructure:"queue_poll_interval"`
}

type UploadConfig struct {
	SpoolPath       string `mapstructure:"spool_path"`       // Base path for spooled files
	IncomingFolder  string `mapstructure:"incoming_folder"`  // Freshly received uploads
	UploadingFolder string `mapstructure:"uploading_folder"` // Uploads in flight
	ArchiveFolder   string `mapstructure:"archive_folder"`   // Successfully forwarded uploads
	MaxSizeBytes    int64  `mapstructure:"max_size_bytes"`
}

type NotificationConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	WebhookURL          string        `mapstructure:"webhook_url"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ThrottleWindow      time.Duration `mapstructure:"throttle_window"` // one notification per error type per window
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func NewConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Enable environment variable override
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(viper.GetString("app.env"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = ProviderGoogleDrive
	}

	return &cfg, nil
}

// setDefaults installs the per-environment presets. Every value here can be
// overridden by config.yaml or environment variables.
func setDefaults(env string) {
	viper.SetDefault("app.name", "DropGate")
	viper.SetDefault("app.port", 8080)
	viper.SetDefault("app.env", "local")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("token_refresh.proactive_enabled", true)
	viper.SetDefault("token_refresh.proactive_window", 15*time.Minute)
	viper.SetDefault("token_refresh.expiring_soon_window", 30*time.Minute)
	viper.SetDefault("token_refresh.schedule_lead", 15*time.Minute)
	viper.SetDefault("token_refresh.lock_ttl", 30*time.Second)
	viper.SetDefault("token_refresh.attempt_timeout", 120*time.Second)
	viper.SetDefault("token_refresh.retry_until", time.Hour)

	viper.SetDefault("health.live_validation_enabled", true)
	viper.SetDefault("health.live_probe_interval", 5*time.Minute)
	viper.SetDefault("health.live_probes_per_batch", 10)
	viper.SetDefault("health.healthy_cache_ttl", 30*time.Second)
	viper.SetDefault("health.error_cache_ttl", 10*time.Second)
	viper.SetDefault("health.unhealthy_threshold", 5)

	viper.SetDefault("recovery.automatic_enabled", true)
	viper.SetDefault("recovery.maintenance_enabled", true)
	viper.SetDefault("recovery.maintenance_interval", 10*time.Minute)
	viper.SetDefault("recovery.cleanup_interval", time.Hour)
	viper.SetDefault("recovery.health_validation_interval", 15*time.Minute)
	viper.SetDefault("recovery.failure_amnesty_age", 7*24*time.Hour)
	viper.SetDefault("recovery.stuck_schedule_age", 2*time.Hour)
	viper.SetDefault("recovery.notification_retention", 30*24*time.Hour)
	viper.SetDefault("recovery.stale_health_age", 30*24*time.Hour)
	viper.SetDefault("recovery.orphan_health_age", 90*24*time.Hour)
	viper.SetDefault("recovery.active_upload_window", 7*24*time.Hour)
	viper.SetDefault("recovery.unhealthy_retry_delay", 5*time.Minute)
	viper.SetDefault("recovery.upload_retry_until", 30*time.Minute)
	viper.SetDefault("recovery.max_recovery_attempts", 5)
	viper.SetDefault("recovery.worker_count", 4)
	viper.SetDefault("recovery.queue_poll_interval", time.Second)

	viper.SetDefault("uploads.spool_path", "./spool")
	viper.SetDefault("uploads.incoming_folder", "incoming")
	viper.SetDefault("uploads.uploading_folder", "uploading")
	viper.SetDefault("uploads.archive_folder", "archive")
	viper.SetDefault("uploads.max_size_bytes", int64(100<<20))

	viper.SetDefault("notifications.enabled", false)
	viper.SetDefault("notifications.timeout", 30*time.Second)
	viper.SetDefault("notifications.throttle_window", 24*time.Hour)
	viper.SetDefault("notifications.escalation_threshold", 3)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("storage.google_drive.timeout", 60*time.Second)

	// Environment presets
	switch env {
	case "testing":
		viper.SetDefault("health.live_validation_enabled", false)
		viper.SetDefault("health.healthy_cache_ttl", time.Second)
		viper.SetDefault("health.error_cache_ttl", 500*time.Millisecond)
		viper.SetDefault("recovery.worker_count", 1)
		viper.SetDefault("recovery.queue_poll_interval", 50*time.Millisecond)
	case "staging":
		viper.SetDefault("logging.level", "debug")
	case "production":
		viper.SetDefault("logging.level", "info")
	default: // local
		viper.SetDefault("health.live_validation_enabled", false)
		viper.SetDefault("logging.level", "debug")
	}
}

func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development" || c.App.Env == "local"
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) IsTesting() bool {
	return c.App.Env == "testing"
}
