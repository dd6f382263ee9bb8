// Package config handles bmsinsight configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bmsinsight", "config.yaml"))
	}

	paths = append(paths, "/etc/bmsinsight/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bmsinsight configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Engine    EngineConfig    `yaml:"engine"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Weather   WeatherConfig   `yaml:"weather"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address ("" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// EngineConfig tunes the insight loop: its execution budget, turn
// ceilings, checkpoint cadence and history compaction.
type EngineConfig struct {
	// TimeoutSec is the hard execution limit of one invocation.
	TimeoutSec int `yaml:"timeout_sec"`
	// SoftBudgetRatio is the fraction of TimeoutSec after which the
	// loop checkpoints and yields.
	SoftBudgetRatio float64 `yaml:"soft_budget_ratio"`

	MaxTurnsDefault int `yaml:"max_turns_default"`
	MaxTurnsCustom  int `yaml:"max_turns_custom"`
	MaxTurnsLimit   int `yaml:"max_turns_limit"`
	MaxInitRetries  int `yaml:"max_init_retries"`
	ModelRetries    int `yaml:"model_retries"`

	CheckpointEvery      int `yaml:"checkpoint_every"`
	CompressionThreshold int `yaml:"compression_threshold"`
	KeepFirst            int `yaml:"keep_first"`
	KeepLast             int `yaml:"keep_last"`
	MaxCheckpointBytes   int `yaml:"max_checkpoint_bytes"`
	ContextTokenBudget   int `yaml:"context_token_budget"`

	DefaultContextDays int `yaml:"default_context_days"`
	LeaseTTLSec        int `yaml:"lease_ttl_sec"`
}

// Timeout returns the hard timeout as a duration.
func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// LeaseTTL returns the job lease duration.
func (c EngineConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

// JobsConfig selects and configures the job store backend.
type JobsConfig struct {
	Backend        string      `yaml:"backend"` // sqlite (default), redis, memory
	RetentionHours int         `yaml:"retention_hours"`
	Redis          RedisConfig `yaml:"redis"`
}

// Retention returns how long finished jobs are kept.
func (c JobsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// RedisConfig defines the redis job store connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WeatherConfig points the weather/solar fetcher at Open-Meteo
// compatible endpoints.
type WeatherConfig struct {
	ForecastURL string  `yaml:"forecast_url"`
	ArchiveURL  string  `yaml:"archive_url"`
	Derate      float64 `yaml:"derate"` // PV system losses, 0-1
}

// MQTTConfig enables mirroring progress events to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file, expanding ${ENV} references
// and filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}

	e := &c.Engine
	if e.TimeoutSec == 0 {
		e.TimeoutSec = 60
	}
	if e.SoftBudgetRatio == 0 {
		e.SoftBudgetRatio = 0.9
	}
	if e.MaxTurnsDefault == 0 {
		e.MaxTurnsDefault = 10
	}
	if e.MaxTurnsCustom == 0 {
		e.MaxTurnsCustom = 20
	}
	if e.MaxTurnsLimit == 0 {
		e.MaxTurnsLimit = 50
	}
	if e.MaxInitRetries == 0 {
		e.MaxInitRetries = 100
	}
	if e.ModelRetries == 0 {
		e.ModelRetries = 2
	}
	if e.CheckpointEvery == 0 {
		e.CheckpointEvery = 5
	}
	if e.CompressionThreshold == 0 {
		e.CompressionThreshold = 50
	}
	if e.KeepFirst == 0 {
		e.KeepFirst = 5
	}
	if e.KeepLast == 0 {
		e.KeepLast = 20
	}
	if e.MaxCheckpointBytes == 0 {
		e.MaxCheckpointBytes = 512 * 1024
	}
	if e.ContextTokenBudget == 0 {
		e.ContextTokenBudget = 24000
	}
	if e.DefaultContextDays == 0 {
		e.DefaultContextDays = 30
	}
	if e.LeaseTTLSec == 0 {
		e.LeaseTTLSec = e.TimeoutSec + 30
	}

	if c.Jobs.Backend == "" {
		c.Jobs.Backend = "sqlite"
	}
	if c.Jobs.RetentionHours == 0 {
		c.Jobs.RetentionHours = 24
	}
	if c.Jobs.Redis.KeyPrefix == "" {
		c.Jobs.Redis.KeyPrefix = "bmsinsight:"
	}

	if c.Weather.ForecastURL == "" {
		c.Weather.ForecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	if c.Weather.ArchiveURL == "" {
		c.Weather.ArchiveURL = "https://archive-api.open-meteo.com/v1/archive"
	}
	if c.Weather.Derate == 0 {
		c.Weather.Derate = 0.75
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "bmsinsight"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "bmsinsight"
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	e := c.Engine
	if e.SoftBudgetRatio <= 0 || e.SoftBudgetRatio > 1 {
		errs = append(errs, fmt.Errorf("engine.soft_budget_ratio %.2f must be in (0, 1]", e.SoftBudgetRatio))
	}
	if e.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("engine.timeout_sec cannot be negative"))
	}
	if e.KeepFirst+e.KeepLast >= e.CompressionThreshold {
		errs = append(errs, fmt.Errorf("engine.keep_first + engine.keep_last (%d) must be below compression_threshold (%d)",
			e.KeepFirst+e.KeepLast, e.CompressionThreshold))
	}
	if e.MaxTurnsDefault > e.MaxTurnsLimit || e.MaxTurnsCustom > e.MaxTurnsLimit {
		errs = append(errs, fmt.Errorf("engine.max_turns_limit %d is below a per-mode default", e.MaxTurnsLimit))
	}

	switch c.Jobs.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Jobs.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("jobs.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("jobs.backend %q (valid: sqlite, redis, memory)", c.Jobs.Backend))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if !c.Anthropic.Configured() {
				errs = append(errs, fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	return errors.Join(errs...)
}
