// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bissquit/mail-courier/internal/batch"
	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
)

const envPrefix = "MAILCOURIER_"

// Config is the root application configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Server     ServerConfig     `koanf:"server"`
	Recipients RecipientsConfig `koanf:"recipients"`
	Database   DatabaseConfig   `koanf:"database"`
	Template   TemplateConfig   `koanf:"template"`
	Senders    []SenderConfig   `koanf:"senders" validate:"required,min=1,dive"`
	Run        RunConfig        `koanf:"run"`
	Queue      QueueConfig      `koanf:"queue"`
	Failure    FailureConfig    `koanf:"failure"`
	Retry      RetryConfig      `koanf:"retry"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// ServerConfig controls the metrics and stats HTTP listener.
type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=0,max=65535"`
}

// RecipientsConfig selects the recipient source.
type RecipientsConfig struct {
	Source string `koanf:"source" validate:"oneof=csv postgres"`
	Path   string `koanf:"path" validate:"required_if=Source csv"`
}

// DatabaseConfig configures the PostgreSQL recipient store.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// TemplateConfig is the message blueprint for the run.
type TemplateConfig struct {
	Subject     string   `koanf:"subject" validate:"required"`
	Body        string   `koanf:"body"`
	BodyFile    string   `koanf:"body_file"`
	HTML        bool     `koanf:"html"`
	Attachments []string `koanf:"attachments"`
}

// SenderConfig is one outbound SMTP identity with its quotas.
type SenderConfig struct {
	ID          string `koanf:"id" validate:"required"`
	Host        string `koanf:"host" validate:"required"`
	Port        int    `koanf:"port" validate:"min=1,max=65535"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	FromAddress string `koanf:"from_address" validate:"required"`

	TotalLimitPerRun int           `koanf:"total_limit_per_run" validate:"min=0"`
	LimitPerMinute   int           `koanf:"limit_per_minute" validate:"min=0"`
	LimitPerHour     int           `koanf:"limit_per_hour" validate:"min=0"`
	MinGap           time.Duration `koanf:"min_gap" validate:"min=0"`
	GapJitter        time.Duration `koanf:"gap_jitter" validate:"min=0"`
}

// RunConfig controls run-wide behavior.
type RunConfig struct {
	Mode               string        `koanf:"mode" validate:"oneof=queued direct"`
	GlobalLimit        int           `koanf:"global_limit" validate:"min=0"`
	BatchSize          int           `koanf:"batch_size" validate:"min=1"`
	InterBatchInterval time.Duration `koanf:"inter_batch_interval" validate:"min=0"`
	MaxAttemptsPerTask int           `koanf:"max_attempts_per_task" validate:"min=1"`
}

// QueueConfig controls queue management and sender selection.
type QueueConfig struct {
	MaxSizePerSender     int           `koanf:"max_size_per_sender" validate:"min=1"`
	SelectionPolicy      string        `koanf:"selection_policy" validate:"oneof=smart simple round_robin"`
	OverflowStrategy     string        `koanf:"overflow_strategy" validate:"oneof=wait_shortest expand_queue"`
	EnableRebalancing    bool          `koanf:"enable_rebalancing"`
	RebalanceInterval    time.Duration `koanf:"rebalance_interval" validate:"min=0"`
	MaxWaitTimeThreshold time.Duration `koanf:"max_wait_time_threshold" validate:"min=0"`
	RebalanceMaxMoves    int           `koanf:"rebalance_max_moves" validate:"min=1"`
}

// FailureConfig controls sender failure tracking and blocking.
type FailureConfig struct {
	MaxFailuresBeforeBlock int           `koanf:"max_failures_before_block" validate:"min=1"`
	CooldownPeriod         time.Duration `koanf:"cooldown_period" validate:"min=0"`
	FailureWindow          time.Duration `koanf:"failure_window" validate:"min=0"`
	ResetFailuresAfter     time.Duration `koanf:"reset_failures_after" validate:"min=0"`
}

// RetryConfig controls direct-mode retry and fallback.
type RetryConfig struct {
	MaxRetriesPerSender    int           `koanf:"max_retries_per_sender" validate:"min=0"`
	RetryDelay             time.Duration `koanf:"retry_delay" validate:"min=0"`
	MaxRetriesPerRecipient int           `koanf:"max_retries_per_recipient" validate:"min=0"`
	MaxFallbackAttempts    int           `koanf:"max_fallback_attempts" validate:"min=0"`
}

// Default returns the configuration defaults applied before file and
// environment loading.
func Default() Config {
	schedCfg := dispatch.DefaultSchedulerConfig()
	failCfg := dispatch.DefaultFailureConfig()
	retryCfg := dispatch.DefaultRetryConfig()
	runCfg := batch.DefaultConfig()

	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
		},
		Recipients: RecipientsConfig{
			Source: "csv",
			Path:   "recipients.csv",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 3,
		},
		Run: RunConfig{
			Mode:               string(runCfg.Mode),
			BatchSize:          runCfg.BatchSize,
			InterBatchInterval: runCfg.InterBatchInterval,
			MaxAttemptsPerTask: runCfg.MaxAttemptsPerTask,
		},
		Queue: QueueConfig{
			MaxSizePerSender:     schedCfg.MaxQueueSizePerSender,
			SelectionPolicy:      string(schedCfg.SelectionPolicy),
			OverflowStrategy:     string(schedCfg.OverflowStrategy),
			EnableRebalancing:    schedCfg.EnableRebalancing,
			RebalanceInterval:    schedCfg.RebalanceInterval,
			MaxWaitTimeThreshold: schedCfg.MaxWaitTimeThreshold,
			RebalanceMaxMoves:    schedCfg.RebalanceMaxMoves,
		},
		Failure: FailureConfig{
			MaxFailuresBeforeBlock: failCfg.MaxFailuresBeforeBlock,
			CooldownPeriod:         failCfg.CooldownPeriod,
			FailureWindow:          failCfg.FailureWindow,
			ResetFailuresAfter:     failCfg.ResetFailuresAfter,
		},
		Retry: RetryConfig{
			MaxRetriesPerSender:    retryCfg.MaxRetriesPerSender,
			RetryDelay:             retryCfg.RetryDelay,
			MaxRetriesPerRecipient: retryCfg.MaxRetriesPerRecipient,
			MaxFallbackAttempts:    retryCfg.MaxFallbackAttempts,
		},
	}
}

// Load reads configuration from the YAML file at path (optional) and the
// MAILCOURIER_ environment, validates it and returns the result. Nested keys
// map to environment variables with double underscores:
// MAILCOURIER_RUN__GLOBAL_LIMIT overrides run.global_limit.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Recipients.Source == "postgres" && cfg.Database.URL == "" {
		return nil, fmt.Errorf("validate config: database.url is required with the postgres recipient source")
	}

	return &cfg, nil
}

// SenderProfiles converts the configured senders into domain profiles.
func (c *Config) SenderProfiles() []domain.SenderProfile {
	profiles := make([]domain.SenderProfile, 0, len(c.Senders))
	for _, s := range c.Senders {
		port := s.Port
		if port == 0 {
			port = 587
		}
		profiles = append(profiles, domain.SenderProfile{
			ID:               s.ID,
			Host:             s.Host,
			Port:             port,
			Username:         s.Username,
			Password:         s.Password,
			FromAddress:      s.FromAddress,
			TotalLimitPerRun: s.TotalLimitPerRun,
			LimitPerMinute:   s.LimitPerMinute,
			LimitPerHour:     s.LimitPerHour,
			MinGap:           s.MinGap,
			GapJitter:        s.GapJitter,
		})
	}
	return profiles
}

// SchedulerConfig maps the queue section to the dispatch layer.
func (c *Config) SchedulerConfig() dispatch.SchedulerConfig {
	return dispatch.SchedulerConfig{
		MaxQueueSizePerSender: c.Queue.MaxSizePerSender,
		SelectionPolicy:       dispatch.SelectionPolicy(c.Queue.SelectionPolicy),
		OverflowStrategy:      dispatch.OverflowStrategy(c.Queue.OverflowStrategy),
		EnableRebalancing:     c.Queue.EnableRebalancing,
		RebalanceInterval:     c.Queue.RebalanceInterval,
		MaxWaitTimeThreshold:  c.Queue.MaxWaitTimeThreshold,
		RebalanceMaxMoves:     c.Queue.RebalanceMaxMoves,
	}
}

// FailureTrackerConfig maps the failure section to the dispatch layer.
func (c *Config) FailureTrackerConfig() dispatch.FailureConfig {
	return dispatch.FailureConfig{
		MaxFailuresBeforeBlock: c.Failure.MaxFailuresBeforeBlock,
		CooldownPeriod:         c.Failure.CooldownPeriod,
		FailureWindow:          c.Failure.FailureWindow,
		ResetFailuresAfter:     c.Failure.ResetFailuresAfter,
	}
}

// RetryOrchestratorConfig maps the retry section to the dispatch layer.
func (c *Config) RetryOrchestratorConfig() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxRetriesPerSender:    c.Retry.MaxRetriesPerSender,
		RetryDelay:             c.Retry.RetryDelay,
		MaxRetriesPerRecipient: c.Retry.MaxRetriesPerRecipient,
		MaxFallbackAttempts:    c.Retry.MaxFallbackAttempts,
	}
}

// BatchConfig maps the run section to the batch driver.
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		Mode:               batch.Mode(c.Run.Mode),
		BatchSize:          c.Run.BatchSize,
		InterBatchInterval: c.Run.InterBatchInterval,
		MaxAttemptsPerTask: c.Run.MaxAttemptsPerTask,
	}
}
