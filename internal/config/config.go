package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store           StoreConfig           `yaml:"store" mapstructure:"store"`
	Server          ServerConfig          `yaml:"server" mapstructure:"server"`
	Log             LogConfig             `yaml:"log" mapstructure:"log"`
	Dispatch        DispatchConfig        `yaml:"dispatch" mapstructure:"dispatch"`
	Services        ServicesConfig        `yaml:"services" mapstructure:"services"`
	Labels          LabelsConfig          `yaml:"labels" mapstructure:"labels"`
	InternetArchive InternetArchiveConfig `yaml:"internet_archive" mapstructure:"internet_archive"`
	Telemetry       TelemetryConfig       `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP resolver endpoint.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SessionCookie  string   `yaml:"session_cookie" mapstructure:"session_cookie"`
	RequestTimeout int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	// TrustForwardedFor takes the client address from X-Forwarded-For.
	TrustForwardedFor bool `yaml:"trust_forwarded_for" mapstructure:"trust_forwarded_for"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DispatchConfig controls how services are scheduled and run.
type DispatchConfig struct {
	MaxConcurrentServices    int  `yaml:"max_concurrent_services" mapstructure:"max_concurrent_services"`
	ProtectTerminal          bool `yaml:"protect_terminal" mapstructure:"protect_terminal"`
	StaleAfterSecs           int  `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	RequeueTemporaryFailures bool `yaml:"requeue_temporary_failures" mapstructure:"requeue_temporary_failures"`
	ServiceTimeoutSecs       int  `yaml:"service_timeout_secs" mapstructure:"service_timeout_secs"`
	RetryAttempts            int  `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialBackoffMs    int  `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	CircuitFailureThreshold  int  `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs         int  `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// ServicesConfig points at the service group definitions.
type ServicesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LabelsConfig points at an optional type-label vocabulary file.
type LabelsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// InternetArchiveConfig holds defaults for InternetArchive services. Per
// service options in services.yaml take precedence.
type InternetArchiveConfig struct {
	BaseURL     string   `yaml:"base_url" mapstructure:"base_url"`
	SearchURL   string   `yaml:"search_url" mapstructure:"search_url"`
	NumResults  int      `yaml:"num_results" mapstructure:"num_results"`
	Mediatypes  []string `yaml:"mediatypes" mapstructure:"mediatypes"`
	ShowWebLink bool     `yaml:"show_web_link" mapstructure:"show_web_link"`
	RatePerSec  float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LINKRESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "linkresolver.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.session_cookie", "linkresolver_session")
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("dispatch.max_concurrent_services", 8)
	v.SetDefault("dispatch.protect_terminal", true)
	v.SetDefault("dispatch.stale_after_secs", 300)
	v.SetDefault("dispatch.requeue_temporary_failures", true)
	v.SetDefault("dispatch.service_timeout_secs", 20)
	v.SetDefault("dispatch.retry_attempts", 2)
	v.SetDefault("dispatch.retry_initial_backoff_ms", 250)
	v.SetDefault("dispatch.circuit_failure_threshold", 5)
	v.SetDefault("dispatch.circuit_reset_secs", 60)
	v.SetDefault("services.path", "services.yaml")
	v.SetDefault("internet_archive.base_url", "https://archive.org")
	v.SetDefault("internet_archive.search_url", "https://archive.org/advancedsearch.php")
	v.SetDefault("internet_archive.num_results", 3)
	v.SetDefault("internet_archive.mediatypes", []string{"texts", "audio"})
	v.SetDefault("internet_archive.show_web_link", true)
	v.SetDefault("internet_archive.rate_per_sec", 5.0)
	v.SetDefault("internet_archive.timeout_secs", 10)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "linkresolver")

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

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "serve", "resolve", "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of sqlite, postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "serve", "resolve":
		if c.Dispatch.MaxConcurrentServices < 1 || c.Dispatch.MaxConcurrentServices > 64 {
			problems = append(problems, "dispatch.max_concurrent_services must be between 1 and 64")
		}
		if c.Dispatch.StaleAfterSecs < 0 {
			problems = append(problems, "dispatch.stale_after_secs must be >= 0")
		}
		if c.InternetArchive.RatePerSec < 0 {
			problems = append(problems, "internet_archive.rate_per_sec must be >= 0")
		}
		if c.Services.Path == "" {
			problems = append(problems, "services.path is required")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
