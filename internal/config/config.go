package config

import (
	"time"
)

// Config is the root configuration for the semant engine.
type Config struct {
	Core      CoreConfig      `mapstructure:"core" yaml:"core" validate:"required"`
	Database  DBConfig        `mapstructure:"database" yaml:"database" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Review    ReviewConfig    `mapstructure:"review" yaml:"review"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains core engine settings.
type CoreConfig struct {
	HomeDir  string `mapstructure:"home_dir" yaml:"home_dir"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	InboxCap int    `mapstructure:"inbox_cap" yaml:"inbox_cap" validate:"min=1,max=1024"`
	Debug    bool   `mapstructure:"debug" yaml:"debug"`
}

// DBConfig contains triple store database configuration.
type DBConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"min=1s"`
	WALMode     bool          `mapstructure:"wal_mode" yaml:"wal_mode"`
}

// SchedulerConfig contains dispatch, retry, and parallelism settings.
type SchedulerConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=10"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"min=1ms"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"min=1ms"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout" validate:"min=1s"`
	MaxParallel      int           `mapstructure:"max_parallel" yaml:"max_parallel" validate:"min=1,max=100"`
	DiscoveryMaxWait time.Duration `mapstructure:"discovery_max_wait" yaml:"discovery_max_wait" validate:"min=1s"`
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval" validate:"min=10ms"`
}

// ReviewConfig contains review-gate settings for the pipeline.
type ReviewConfig struct {
	Policy       string        `mapstructure:"policy" yaml:"policy" validate:"omitempty,oneof=majority_approve all_approve"`
	Deadline     time.Duration `mapstructure:"deadline" yaml:"deadline" validate:"min=1s"`
	MaxRevisions int           `mapstructure:"max_revisions" yaml:"max_revisions" validate:"min=0,max=10"`
	MinReviewers int           `mapstructure:"min_reviewers" yaml:"min_reviewers" validate:"min=1"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}
