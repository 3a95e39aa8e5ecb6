package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
core:
  inbox_cap: 32
  debug: true
scheduler:
  max_attempts: 5
  dispatch_timeout: 10s
review:
  policy: all_approve
  min_reviewers: 2
logging:
  level: debug
  format: text
`)

	cfg, err := NewLoader(NewValidator()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Core.InboxCap)
	assert.True(t, cfg.Core.Debug)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.DispatchTimeout)
	assert.Equal(t, "all_approve", cfg.Review.Policy)
	assert.Equal(t, 2, cfg.Review.MinReviewers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, time.Second, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := NewLoader(NewValidator()).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_LOAD_FAILED, types.CodeOf(err))
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "core: [not: a map\n")

	_, err := NewLoader(NewValidator()).Load(path)
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_LOAD_FAILED, types.CodeOf(err))
}

func TestLoadWithDefaults_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := NewLoader(NewValidator()).LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Core.InboxCap, cfg.Core.InboxCap)
	assert.Equal(t, defaults.Scheduler, cfg.Scheduler)
	assert.Equal(t, defaults.Review, cfg.Review)
}

func TestLoad_InterpolatesEnvironmentVariables(t *testing.T) {
	t.Setenv("SEMANT_TEST_DATA", "/var/lib/semant")
	t.Setenv("SEMANT_TEST_LEVEL", "warn")

	path := writeConfig(t, `
core:
  data_dir: ${SEMANT_TEST_DATA}/data
database:
  path: ${SEMANT_TEST_DATA}/triples.db
logging:
  level: ${SEMANT_TEST_LEVEL}
`)

	cfg, err := NewLoader(NewValidator()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/semant/data", cfg.Core.DataDir)
	assert.Equal(t, "/var/lib/semant/triples.db", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_UnsetEnvVarIsRejectedByValidation(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: ${SEMANT_UNSET_LEVEL_VAR}
`)

	_, err := NewLoader(NewValidator()).Load(path)
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
}

func TestValidate_RejectsOutOfRangeValues(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Scheduler.MaxAttempts = 0
	err := v.Validate(cfg)
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
	assert.Contains(t, err.Error(), "scheduler.max_attempts")

	cfg = DefaultConfig()
	cfg.Review.Policy = "dictatorship"
	err = v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review.policy")

	cfg = DefaultConfig()
	cfg.Core.InboxCap = 4096
	err = v.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core.inbox_cap")
}

func TestValidate_BackoffMaxMustCoverBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.BackoffBase = 10 * time.Second
	cfg.Scheduler.BackoffMax = time.Second

	err := NewValidator().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_max")
}

func TestValidate_TracingEndpointRequiredWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true

	err := NewValidator().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing.endpoint")

	cfg.Tracing.Endpoint = "localhost:4317"
	assert.NoError(t, NewValidator().Validate(cfg))
}

func TestValidate_NilConfig(t *testing.T) {
	err := NewValidator().Validate(nil)
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, NewValidator().Validate(DefaultConfig()))
}
