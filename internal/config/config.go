// Package config loads service settings: built-in defaults, then an optional
// YAML file, then environment overrides. The result is resolved once at
// startup and passed into constructors.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/session"
)

// Environment variables.
const (
	EnvConfigPath   = "SESSION_INSIGHTS_CONFIG"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvGeminiModel  = "GEMINI_MODEL"
	EnvGeminiSSM    = "SSM_API_KEY_PARAM"
	EnvStoreBackend = "STORE_BACKEND"
	EnvTable        = "SESSIONS_TABLE"
	EnvSQLitePath   = "SQLITE_PATH"
	EnvListenAddr   = "LISTEN_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
	EnvMetrics      = "METRICS_ENABLED"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendDynamo = "dynamo"
)

// Config holds every setting the service needs.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr             string   `yaml:"listenAddr"`
	AllowedOrigins         []string `yaml:"allowedOrigins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdownTimeoutSeconds"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Table      string `yaml:"table"`
	SQLitePath string `yaml:"sqlitePath"`
}

// GeminiConfig configures the inference gateway. APIKey is never read from
// the YAML file; it comes from the environment or SSM.
type GeminiConfig struct {
	APIKey      string  `yaml:"-"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	SSMParam    string  `yaml:"ssmParam"`

	// ValidateOnStartup makes one Gemini call at startup and refuses to
	// start when the key is rejected.
	ValidateOnStartup bool `yaml:"validateOnStartup"`
}

// Inference converts the settings to a gateway config.
func (g GeminiConfig) Inference() inference.Config {
	return inference.Config{APIKey: g.APIKey, Model: g.Model, Temperature: g.Temperature}
}

// SessionConfig tunes the session processor and transport.
type SessionConfig struct {
	BufferWarnThreshold int `yaml:"bufferWarnThreshold"`
	SendTimeoutSeconds  int `yaml:"sendTimeoutSeconds"`
}

// SendTimeout returns the per-message write budget.
func (s SessionConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles EMF metric output.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:             ":8000",
			ShutdownTimeoutSeconds: 15,
		},
		Store: StoreConfig{
			Backend:    BackendSQLite,
			SQLitePath: "sessions.db",
		},
		Gemini: GeminiConfig{
			Model:       inference.DefaultModel,
			Temperature: inference.DefaultTemperature,
		},
		Session: SessionConfig{
			BufferWarnThreshold: session.DefaultBufferWarnThreshold,
			SendTimeoutSeconds:  10,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration. path, when empty, falls back to
// SESSION_INSIGHTS_CONFIG; when both are empty no file is read. A file that
// is named but unreadable is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		// Fields absent from the file keep their defaults.
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvGeminiAPIKey); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv(EnvGeminiModel); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv(EnvGeminiSSM); v != "" {
		c.Gemini.SSMParam = v
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvTable); v != "" {
		c.Store.Table = v
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvMetrics); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = on
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid METRICS_ENABLED")
		}
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlitePath is required for the sqlite backend")
		}
	case BackendDynamo:
		if c.Store.Table == "" {
			return fmt.Errorf("store.table (or %s) is required for the dynamo backend", EnvTable)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Session.BufferWarnThreshold <= 0 {
		c.Session.BufferWarnThreshold = session.DefaultBufferWarnThreshold
	}
	if c.Session.SendTimeoutSeconds <= 0 {
		c.Session.SendTimeoutSeconds = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	return nil
}

// ParameterGetter is the subset of the SSM client used for key resolution.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveGeminiKey fills Gemini.APIKey from SSM Parameter Store when it is
// not already set and an SSM parameter is configured. A missing key is not
// an error; the gateway then runs unconfigured.
func (c *Config) ResolveGeminiKey(ctx context.Context, client ParameterGetter) error {
	if c.Gemini.APIKey != "" || c.Gemini.SSMParam == "" {
		return nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.Gemini.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("read Gemini API key from SSM %s: %w", c.Gemini.SSMParam, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return fmt.Errorf("SSM parameter %s has no value", c.Gemini.SSMParam)
	}
	c.Gemini.APIKey = *result.Parameter.Value
	log.Debug().Str("param", c.Gemini.SSMParam).Dur("elapsed", time.Since(start)).Msg("Gemini API key loaded from SSM")
	return nil
}
