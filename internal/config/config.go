package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mapbox/pt2itp/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Context  ContextConfig  `yaml:"context" mapstructure:"context"`
	Conflate ConflateConfig `yaml:"conflate" mapstructure:"conflate"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the PostGIS store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// BaseURL and DB are combined when DatabaseURL is empty.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	DB      string `yaml:"db" mapstructure:"db"`

	RetryMaxAttempts      int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	CircuitThreshold      int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs      int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// ContextConfig describes the locale used for name tokenization.
type ContextConfig struct {
	Language   string            `yaml:"language" mapstructure:"language"`
	Country    string            `yaml:"country" mapstructure:"country"`
	Region     string            `yaml:"region" mapstructure:"region"`
	Tokens     map[string]string `yaml:"tokens" mapstructure:"tokens"`
	TokensFile string            `yaml:"tokens_file" mapstructure:"tokens_file"`
}

// WeightsConfig holds the score weights.
type WeightsConfig struct {
	Proximity float64 `yaml:"proximity" mapstructure:"proximity"`
	Names     float64 `yaml:"names" mapstructure:"names"`
}

// ConflateConfig configures the conflation pass.
type ConflateConfig struct {
	InAddress       string `yaml:"in_address" mapstructure:"in_address"`
	InPersistent    string `yaml:"in_persistent" mapstructure:"in_persistent"`
	ErrorAddress    string `yaml:"error_address" mapstructure:"error_address"`
	ErrorPersistent string `yaml:"error_persistent" mapstructure:"error_persistent"`
	Output          string `yaml:"output" mapstructure:"output"`

	Metric           string        `yaml:"metric" mapstructure:"metric"`
	Threshold        float64       `yaml:"threshold" mapstructure:"threshold"`
	IdentityDistance float64       `yaml:"identity_distance" mapstructure:"identity_distance"`
	MatchThreshold   float64       `yaml:"match_threshold" mapstructure:"match_threshold"`
	NameSimilarity   float64       `yaml:"name_similarity" mapstructure:"name_similarity"`
	Epsilon          float64       `yaml:"epsilon" mapstructure:"epsilon"`
	Weights          WeightsConfig `yaml:"weights" mapstructure:"weights"`
	IgnoreProps      []string      `yaml:"ignore_props" mapstructure:"ignore_props"`

	Workers    int     `yaml:"workers" mapstructure:"workers"`
	MaxRetries int     `yaml:"max_retries" mapstructure:"max_retries"`
	WriteRate  float64 `yaml:"write_rate" mapstructure:"write_rate"`
	DryRun     bool    `yaml:"dry_run" mapstructure:"dry_run"`
}

// ImportConfig configures bulk import.
type ImportConfig struct {
	Input  string `yaml:"input" mapstructure:"input"`
	Errors string `yaml:"errors" mapstructure:"errors"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ConfigurationError reports missing or invalid settings. It is raised
// before any I/O.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PT2ITP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.base_url", "postgres://postgres@localhost:5432")
	v.SetDefault("store.db", "")
	v.SetDefault("store.retry_max_attempts", 3)
	v.SetDefault("store.retry_initial_backoff_ms", 200)
	v.SetDefault("store.retry_max_backoff_ms", 5000)
	v.SetDefault("store.circuit_threshold", 5)
	v.SetDefault("store.circuit_reset_secs", 30)
	v.SetDefault("context.language", "en")
	v.SetDefault("context.country", "")
	v.SetDefault("context.region", "")
	v.SetDefault("context.tokens_file", "")
	v.SetDefault("conflate.in_address", "")
	v.SetDefault("conflate.in_persistent", "")
	v.SetDefault("conflate.error_address", "")
	v.SetDefault("conflate.error_persistent", "")
	v.SetDefault("conflate.output", "")
	v.SetDefault("conflate.metric", "planar")
	v.SetDefault("conflate.threshold", 0.0)
	v.SetDefault("conflate.identity_distance", 0.0)
	v.SetDefault("conflate.match_threshold", 0.5)
	v.SetDefault("conflate.name_similarity", 0.85)
	v.SetDefault("conflate.epsilon", 1e-9)
	v.SetDefault("conflate.weights.proximity", 0.3)
	v.SetDefault("conflate.weights.names", 0.7)
	v.SetDefault("conflate.ignore_props", []string{})
	v.SetDefault("conflate.workers", 4)
	v.SetDefault("conflate.max_retries", 3)
	v.SetDefault("conflate.write_rate", 0.0)
	v.SetDefault("conflate.dry_run", false)
	v.SetDefault("import.input", "")
	v.SetDefault("import.errors", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// ConnString returns the store connection string, joining BaseURL and DB
// when DatabaseURL is unset.
func (s StoreConfig) ConnString() string {
	if s.DatabaseURL != "" {
		return s.DatabaseURL
	}
	if s.DB == "" {
		return ""
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + s.DB
}

// Validate checks that the settings a command needs are present.
// Recognised commands are "init", "import" and "conflate".
func (c *Config) Validate(command string) error {
	if c.Store.ConnString() == "" {
		return &ConfigurationError{Key: "store.database_url", Reason: "store.database_url or store.db is required"}
	}

	switch command {
	case "init":
	case "import":
		if c.Import.Input == "" {
			return &ConfigurationError{Key: "import.input", Reason: "input path is required"}
		}
	case "conflate":
		cf := c.Conflate
		if cf.InAddress == "" {
			return &ConfigurationError{Key: "conflate.in_address", Reason: "incoming address path is required"}
		}
		if cf.Metric != "" && cf.Metric != "planar" && cf.Metric != "geodesic" {
			return &ConfigurationError{Key: "conflate.metric", Reason: fmt.Sprintf("unknown metric %q", cf.Metric)}
		}
		if cf.Threshold < 0 || cf.IdentityDistance < 0 || cf.Epsilon < 0 {
			return &ConfigurationError{Key: "conflate.threshold", Reason: "distances must not be negative"}
		}
		if cf.MatchThreshold < 0 || cf.MatchThreshold > 1 {
			return &ConfigurationError{Key: "conflate.match_threshold", Reason: "must be within [0,1]"}
		}
		if cf.NameSimilarity < 0 || cf.NameSimilarity > 1 {
			return &ConfigurationError{Key: "conflate.name_similarity", Reason: "must be within [0,1]"}
		}
		if cf.Weights.Proximity < 0 || cf.Weights.Names < 0 || cf.Weights.Proximity+cf.Weights.Names == 0 {
			return &ConfigurationError{Key: "conflate.weights", Reason: "weights must be non-negative and not both zero"}
		}
		if cf.Workers < 1 {
			return &ConfigurationError{Key: "conflate.workers", Reason: "must be at least 1"}
		}
		if cf.MaxRetries < 0 {
			return &ConfigurationError{Key: "conflate.max_retries", Reason: "must not be negative"}
		}
	default:
		return &ConfigurationError{Key: "command", Reason: fmt.Sprintf("unknown command %q", command)}
	}
	return nil
}

// BuildContext assembles the tokenization context. Entries of the inline
// token map override entries loaded from TokensFile.
func (c ContextConfig) BuildContext() (*model.Context, error) {
	tokens := make(map[string]string)

	if c.TokensFile != "" {
		raw, err := os.ReadFile(c.TokensFile)
		if err != nil {
			return nil, &ConfigurationError{Key: "context.tokens_file", Reason: err.Error()}
		}
		var fileTokens map[string]string
		if err := yaml.Unmarshal(raw, &fileTokens); err != nil {
			return nil, &ConfigurationError{Key: "context.tokens_file", Reason: "parse: " + err.Error()}
		}
		for k, v := range fileTokens {
			tokens[k] = v
		}
	}
	for k, v := range c.Tokens {
		tokens[k] = v
	}

	return model.NewContext(c.Language, c.Country, c.Region, model.NewTokens(tokens)), nil
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
