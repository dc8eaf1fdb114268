package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "linkresolver.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "linkresolver_session", cfg.Server.SessionCookie)
	assert.Equal(t, 8, cfg.Dispatch.MaxConcurrentServices)
	assert.True(t, cfg.Dispatch.ProtectTerminal)
	assert.True(t, cfg.Dispatch.RequeueTemporaryFailures)
	assert.Equal(t, 300, cfg.Dispatch.StaleAfterSecs)
	assert.Equal(t, "services.yaml", cfg.Services.Path)
	assert.Empty(t, cfg.Labels.Path)
	assert.Equal(t, "https://archive.org", cfg.InternetArchive.BaseURL)
	assert.Equal(t, 3, cfg.InternetArchive.NumResults)
	assert.Equal(t, []string{"texts", "audio"}, cfg.InternetArchive.Mediatypes)
	assert.True(t, cfg.InternetArchive.ShowWebLink)
	assert.InDelta(t, 5.0, cfg.InternetArchive.RatePerSec, 0.001)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/linkresolver
log:
  level: debug
  format: console
server:
  port: 9090
dispatch:
  max_concurrent_services: 4
  protect_terminal: false
internet_archive:
  num_results: 5
  mediatypes: [texts]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Dispatch.MaxConcurrentServices)
	assert.False(t, cfg.Dispatch.ProtectTerminal)
	assert.Equal(t, 5, cfg.InternetArchive.NumResults)
	assert.Equal(t, []string{"texts"}, cfg.InternetArchive.Mediatypes)
	// Defaults still apply for unset values
	assert.Equal(t, 300, cfg.Dispatch.StaleAfterSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LINKRESOLVER_STORE_DRIVER", "postgres")
	t.Setenv("LINKRESOLVER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("LINKRESOLVER_SERVER_PORT", "3000")
	t.Setenv("LINKRESOLVER_DISPATCH_STALE_AFTER_SECS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Dispatch.StaleAfterSecs)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Server.Port = 8080
	cfg.Dispatch.MaxConcurrentServices = 8
	cfg.Services.Path = "services.yaml"
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// resolve mode never binds a port
	assert.NoError(t, cfg.Validate("resolve"))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	cfg.Dispatch.MaxConcurrentServices = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "max_concurrent_services must be between 1 and 64")
}

func TestValidateMigrate_OnlyChecksStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.MaxConcurrentServices = 0
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate("migrate"))

	cfg.Store.DatabaseURL = ""
	assert.Error(t, cfg.Validate("migrate"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Dispatch.MaxConcurrentServices = 65
	assert.Error(t, cfg.Validate("serve"))

	cfg.Dispatch.MaxConcurrentServices = 64
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateNegativeValues(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.StaleAfterSecs = -1
	cfg.InternetArchive.RatePerSec = -2

	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_after_secs")
	assert.Contains(t, err.Error(), "rate_per_sec")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
