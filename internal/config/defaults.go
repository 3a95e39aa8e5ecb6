package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir:  homeDir,
			DataDir:  filepath.Join(homeDir, "data"),
			InboxCap: 16,
			Debug:    false,
		},
		Database: DBConfig{
			Path:        filepath.Join(homeDir, "semant.db"),
			BusyTimeout: 5 * time.Second,
			WALMode:     true,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:      3,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			DispatchTimeout:  30 * time.Second,
			MaxParallel:      10,
			DiscoveryMaxWait: time.Minute,
			TickInterval:     time.Second,
		},
		Review: ReviewConfig{
			Policy:       "majority_approve",
			Deadline:     2 * time.Minute,
			MaxRevisions: 3,
			MinReviewers: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "",
		},
	}
}

// getDefaultHomeDir returns the default semant home directory. It uses
// ~/.semant or falls back to a temporary directory if the user home cannot
// be determined.
func getDefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".semant")
	}
	return filepath.Join(userHome, ".semant")
}
