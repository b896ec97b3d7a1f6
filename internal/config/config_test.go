package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Build.Timeout)
	assert.Equal(t, 1, cfg.Build.MinQuorum)
	assert.Equal(t, 8, cfg.Build.MaxConcurrency)
	assert.InDelta(t, 500, cfg.Build.DefaultRadiusM, 0.001)
	assert.Equal(t, []string{"baseline"}, cfg.Build.DefaultScenarios)
	assert.Equal(t, 64, cfg.Build.CircleSegments)
	assert.Equal(t, []string{"remote", "census-geographies"}, cfg.Resolver.Priorities)
	assert.InDelta(t, 0.01, cfg.Resolver.DefaultTolerance, 1e-9)
	assert.InDelta(t, 1.0, cfg.Resolver.Tolerances["elevation_m"], 1e-9)
	assert.InDelta(t, 0.30, cfg.Scoring.Heat, 0.001)
	assert.True(t, cfg.Connectors.Synthetic.Enabled)
	assert.True(t, cfg.Connectors.HazardAtlas.Enabled)
	assert.False(t, cfg.Connectors.Remote.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Connectors.Cache.MinTTL)
	assert.Equal(t, 5, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.Resilience.RetryBackoff)
	assert.Equal(t, time.Duration(0), cfg.Policy.PollInterval)
	assert.Equal(t, int64(5<<20), cfg.Policy.MaxBodyBytes)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "stage0.context.versions", cfg.Kafka.Topic)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: ctx.db
log:
  level: debug
  format: console
server:
  port: 9090
build:
  timeout: 3s
  default_scenarios: [baseline, ssp5_8.5]
policy:
  poll_interval: 5m
  keywords: [defensible space]
connectors:
  remote:
    enabled: true
    url: https://risk.example.com/v1/site
    fields: [flood_depth_m]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "ctx.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Build.Timeout)
	assert.Equal(t, []string{"baseline", "ssp5_8.5"}, cfg.Build.DefaultScenarios)
	assert.Equal(t, 5*time.Minute, cfg.Policy.PollInterval)
	assert.Equal(t, []string{"defensible space"}, cfg.Policy.Keywords)
	assert.True(t, cfg.Connectors.Remote.Enabled)
	assert.Equal(t, []string{"flood_depth_m"}, cfg.Connectors.Remote.Fields)
	// Defaults still apply for unset values
	assert.Equal(t, 8, cfg.Build.MaxConcurrency)
	assert.Equal(t, "remote", cfg.Connectors.Remote.Name)

	assert.NoError(t, cfg.Validate("serve"))
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

	t.Setenv("STAGE0_STORE_DRIVER", "postgres")
	t.Setenv("STAGE0_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("STAGE0_SERVER_PORT", "3000")
	t.Setenv("STAGE0_BUILD_TIMEOUT", "2500ms")
	t.Setenv("STAGE0_KAFKA_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Build.Timeout)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [\n"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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
	cfg.Server.Port = 8080
	cfg.Store.Driver = DriverMemory
	cfg.Build.Timeout = 10 * time.Second
	cfg.Build.MinQuorum = 1
	cfg.Build.MaxConcurrency = 8
	cfg.Scoring.Mitigation = 0.5
	cfg.Connectors.Cache.MinTTL = time.Minute
	cfg.Connectors.Cache.MaxTTL = time.Hour
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
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStoreDrivers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "must be one of memory, sqlite, postgres"},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.database_url is required"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite }, "store.sqlite_path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("serve")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateBuildSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"quorum", func(c *Config) { c.Build.MinQuorum = 0 }, "build.min_quorum"},
		{"concurrency low", func(c *Config) { c.Build.MaxConcurrency = 0 }, "build.max_concurrency"},
		{"concurrency high", func(c *Config) { c.Build.MaxConcurrency = 65 }, "build.max_concurrency"},
		{"timeout", func(c *Config) { c.Build.Timeout = 0 }, "build.timeout"},
		{"tolerance", func(c *Config) { c.Resolver.DefaultTolerance = -1 }, "resolver.default_tolerance"},
		{"weights", func(c *Config) { c.Scoring.Flood = -0.1 }, "scoring weights"},
		{"mitigation", func(c *Config) { c.Scoring.Mitigation = 1.5 }, "scoring.mitigation"},
		{"remote url", func(c *Config) { c.Connectors.Remote.Enabled = true }, "connectors.remote.url"},
		{"cache ttl", func(c *Config) { c.Connectors.Cache.MinTTL = 2 * time.Hour }, "min_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("build")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateKafka(t *testing.T) {
	cfg := validDefaults()
	cfg.Kafka.Enabled = true

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "versions"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateMigrate(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent store.driver")

	cfg.Store.Driver = DriverSQLite
	cfg.Store.SQLitePath = "ctx.db"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = -1
	cfg.Build.MinQuorum = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "build.min_quorum")
}
