package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Build      BuildConfig      `yaml:"build" mapstructure:"build"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Connectors ConnectorsConfig `yaml:"connectors" mapstructure:"connectors"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the context store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BuildConfig configures context builds.
type BuildConfig struct {
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MinQuorum        int           `yaml:"min_quorum" mapstructure:"min_quorum"`
	MaxConcurrency   int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	DefaultRadiusM   float64       `yaml:"default_radius_m" mapstructure:"default_radius_m"`
	DefaultScenarios []string      `yaml:"default_scenarios" mapstructure:"default_scenarios"`
	CircleSegments   int           `yaml:"circle_segments" mapstructure:"circle_segments"`
}

// ResolverConfig configures field reconciliation. File, when set, is a
// YAML document with a top-level resolver key and replaces the inline
// settings.
type ResolverConfig struct {
	File             string             `yaml:"file" mapstructure:"file"`
	DefaultTolerance float64            `yaml:"default_tolerance" mapstructure:"default_tolerance"`
	Priorities       []string           `yaml:"priorities" mapstructure:"priorities"`
	Tolerances       map[string]float64 `yaml:"tolerances" mapstructure:"tolerances"`
}

// ScoringConfig configures the hazard index.
type ScoringConfig struct {
	Heat        float64            `yaml:"heat" mapstructure:"heat"`
	Flood       float64            `yaml:"flood" mapstructure:"flood"`
	Pollution   float64            `yaml:"pollution" mapstructure:"pollution"`
	Impervious  float64            `yaml:"impervious" mapstructure:"impervious"`
	Mitigation  float64            `yaml:"mitigation" mapstructure:"mitigation"`
	Multipliers map[string]float64 `yaml:"multipliers" mapstructure:"multipliers"`
}

// ConnectorsConfig enables and tunes the data source connectors.
type ConnectorsConfig struct {
	Synthetic   ToggleConfig        `yaml:"synthetic" mapstructure:"synthetic"`
	HazardAtlas ToggleConfig        `yaml:"hazard_atlas" mapstructure:"hazard_atlas"`
	Census      CensusConfig        `yaml:"census" mapstructure:"census"`
	Remote      RemoteConfig        `yaml:"remote" mapstructure:"remote"`
	Cache       CacheConfig         `yaml:"cache" mapstructure:"cache"`
	HTTP        HTTPConnectorConfig `yaml:"http" mapstructure:"http"`
}

// ToggleConfig switches a connector that needs no other settings.
type ToggleConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// CensusConfig configures the Census geographies connector.
type CensusConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Benchmark string  `yaml:"benchmark" mapstructure:"benchmark"`
	Vintage   string  `yaml:"vintage" mapstructure:"vintage"`
}

// RemoteConfig configures the generic JSON remote connector.
type RemoteConfig struct {
	Enabled    bool     `yaml:"enabled" mapstructure:"enabled"`
	Name       string   `yaml:"name" mapstructure:"name"`
	URL        string   `yaml:"url" mapstructure:"url"`
	Fields     []string `yaml:"fields" mapstructure:"fields"`
	Confidence float64  `yaml:"confidence" mapstructure:"confidence"`
}

// CacheConfig configures the badger connector cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir      string        `yaml:"dir" mapstructure:"dir"`
	InMemory bool          `yaml:"in_memory" mapstructure:"in_memory"`
	MinTTL   time.Duration `yaml:"min_ttl" mapstructure:"min_ttl"`
	MaxTTL   time.Duration `yaml:"max_ttl" mapstructure:"max_ttl"`
}

// HTTPConnectorConfig configures the shared outbound HTTP fetcher.
type HTTPConnectorConfig struct {
	UserAgent   string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries  int           `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerHost float64       `yaml:"rate_per_host" mapstructure:"rate_per_host"`
}

// ResilienceConfig configures connector retries and circuit breakers.
type ResilienceConfig struct {
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	RetryAttempts    int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff" mapstructure:"retry_max_backoff"`
	RetryJitter      float64       `yaml:"retry_jitter" mapstructure:"retry_jitter"`
}

// PolicyConfig configures the policy watcher.
type PolicyConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	Keywords     []string      `yaml:"keywords" mapstructure:"keywords"`
}

// KafkaConfig configures the version event publisher.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STAGE0")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.max_upload_bytes", 32<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "stage0.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("build.timeout", 10*time.Second)
	v.SetDefault("build.min_quorum", 1)
	v.SetDefault("build.max_concurrency", 8)
	v.SetDefault("build.default_radius_m", 500.0)
	v.SetDefault("build.default_scenarios", []string{"baseline"})
	v.SetDefault("build.circle_segments", 64)

	v.SetDefault("resolver.file", "")
	v.SetDefault("resolver.default_tolerance", 0.01)
	v.SetDefault("resolver.priorities", []string{"remote", "census-geographies"})
	v.SetDefault("resolver.tolerances", map[string]float64{"elevation_m": 1.0, "heat_index_c": 0.5})

	v.SetDefault("scoring.heat", 0.30)
	v.SetDefault("scoring.flood", 0.30)
	v.SetDefault("scoring.pollution", 0.20)
	v.SetDefault("scoring.impervious", 0.20)
	v.SetDefault("scoring.mitigation", 0.5)
	v.SetDefault("scoring.multipliers", map[string]float64{})

	v.SetDefault("connectors.synthetic.enabled", true)
	v.SetDefault("connectors.hazard_atlas.enabled", true)
	v.SetDefault("connectors.census.enabled", true)
	v.SetDefault("connectors.census.rate_limit", 10.0)
	v.SetDefault("connectors.census.benchmark", "")
	v.SetDefault("connectors.census.vintage", "")
	v.SetDefault("connectors.remote.enabled", false)
	v.SetDefault("connectors.remote.name", "remote")
	v.SetDefault("connectors.remote.url", "")
	v.SetDefault("connectors.remote.fields", []string{})
	v.SetDefault("connectors.remote.confidence", 0.5)
	v.SetDefault("connectors.cache.enabled", false)
	v.SetDefault("connectors.cache.dir", ".stage0-cache")
	v.SetDefault("connectors.cache.in_memory", false)
	v.SetDefault("connectors.cache.min_ttl", 15*time.Minute)
	v.SetDefault("connectors.cache.max_ttl", 60*time.Minute)
	v.SetDefault("connectors.http.user_agent", "stage0/1.0")
	v.SetDefault("connectors.http.timeout", 8*time.Second)
	v.SetDefault("connectors.http.max_retries", 2)
	v.SetDefault("connectors.http.rate_per_host", 5.0)

	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown", 30*time.Second)
	v.SetDefault("resilience.retry_attempts", 3)
	v.SetDefault("resilience.retry_backoff", 200*time.Millisecond)
	v.SetDefault("resilience.retry_max_backoff", 5*time.Second)
	v.SetDefault("resilience.retry_jitter", 0.2)

	v.SetDefault("policy.fetch_timeout", 10*time.Second)
	v.SetDefault("policy.poll_interval", time.Duration(0))
	v.SetDefault("policy.max_body_bytes", 5<<20)
	v.SetDefault("policy.keywords", []string{})

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "stage0.context.versions")
}

// Validate checks the settings a command needs. Mode is one of serve,
// build or migrate.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver %q must be one of memory, sqlite, postgres", c.Store.Driver)
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		c.validateBuild(add)
		if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
			add("kafka.brokers and kafka.topic are required when kafka is enabled")
		}
	case "build":
		c.validateBuild(add)
	case "migrate":
		if c.Store.Driver == DriverMemory {
			add("migrate needs a persistent store.driver")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBuild(add func(string, ...any)) {
	if c.Build.MinQuorum < 1 {
		add("build.min_quorum must be >= 1")
	}
	if c.Build.MaxConcurrency < 1 || c.Build.MaxConcurrency > 64 {
		add("build.max_concurrency must be between 1 and 64")
	}
	if c.Build.Timeout <= 0 {
		add("build.timeout must be > 0")
	}
	if c.Resolver.DefaultTolerance < 0 {
		add("resolver.default_tolerance must be >= 0")
	}
	s := c.Scoring
	if s.Heat < 0 || s.Flood < 0 || s.Pollution < 0 || s.Impervious < 0 {
		add("scoring weights must be >= 0")
	}
	if s.Mitigation < 0 || s.Mitigation > 1 {
		add("scoring.mitigation must be between 0 and 1")
	}
	if c.Connectors.Remote.Enabled && c.Connectors.Remote.URL == "" {
		add("connectors.remote.url is required when the remote connector is enabled")
	}
	if c.Connectors.Cache.MinTTL > c.Connectors.Cache.MaxTTL {
		add("connectors.cache.min_ttl must not exceed max_ttl")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
