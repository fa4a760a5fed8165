// Package config loads cloid's file configuration and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	OllamaURL  string `json:"ollama_url" yaml:"ollama_url" toml:"ollama_url"`
	Model      string `json:"model" yaml:"model" toml:"model"`
	EmbedModel string `json:"embed_model" yaml:"embed_model" toml:"embed_model"`
	CacheDir   string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	DataDir    string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	CacheCapacity         int  `json:"cache_capacity" yaml:"cache_capacity" toml:"cache_capacity"`
	MaxPromptLength       int  `json:"max_prompt_length" yaml:"max_prompt_length" toml:"max_prompt_length"`
	WarmupIntervalSeconds int  `json:"warmup_interval_seconds" yaml:"warmup_interval_seconds" toml:"warmup_interval_seconds"`
	AutoWarmup            bool `json:"auto_warmup" yaml:"auto_warmup" toml:"auto_warmup"`

	// WarmupFailureBackoffSeconds pauses warmup attempts after a failure; 0 retries on the next call.
	WarmupFailureBackoffSeconds int  `json:"warmup_failure_backoff_seconds" yaml:"warmup_failure_backoff_seconds" toml:"warmup_failure_backoff_seconds"`
	// DisableQuantization stops int8 hints from being sent with queries.
	DisableQuantization         bool `json:"disable_quantization" yaml:"disable_quantization" toml:"disable_quantization"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	// SpawnRuntime starts `ollama serve` when nothing answers at OllamaURL.
	SpawnRuntime bool   `json:"spawn_runtime" yaml:"spawn_runtime" toml:"spawn_runtime"`
	OllamaBin    string `json:"ollama_bin" yaml:"ollama_bin" toml:"ollama_bin"`
	RuntimeLog   string `json:"runtime_log" yaml:"runtime_log" toml:"runtime_log"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Default values.
const (
	DefaultAddr            = ":8080"
	DefaultOllamaURL       = "http://localhost:11434"
	DefaultModel           = "phi4"
	DefaultEmbedModel      = "nomic-embed-text"
	DefaultCacheDir        = "~/.llm_quantization"
	DefaultCacheCapacity   = 100
	DefaultMaxPromptLength = 1000
	DefaultWarmupSeconds   = 300
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultOllamaBin       = "ollama"
)

// Default returns a Config with every field set to its default.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills unspecified fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.OllamaURL == "" {
		c.OllamaURL = DefaultOllamaURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.EmbedModel == "" {
		c.EmbedModel = DefaultEmbedModel
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.MaxPromptLength == 0 {
		c.MaxPromptLength = DefaultMaxPromptLength
	}
	if c.WarmupIntervalSeconds <= 0 {
		c.WarmupIntervalSeconds = DefaultWarmupSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.OllamaBin == "" {
		c.OllamaBin = DefaultOllamaBin
	}
	return c
}

// ApplyEnv overlays environment variables onto c. lookup is os.LookupEnv when nil.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) Config {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CLOID_ADDR", &c.Addr)
	str("CLOID_OLLAMA_URL", &c.OllamaURL)
	str("CLOID_MODEL", &c.Model)
	str("CLOID_EMBED_MODEL", &c.EmbedModel)
	str("CLOID_CACHE_DIR", &c.CacheDir)
	str("CLOI_DATA_DIR", &c.DataDir)
	str("CLOID_LOG_LEVEL", &c.LogLevel)
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	boolean("CLOID_AUTO_WARMUP", &c.AutoWarmup)
	boolean("CLOID_DISABLE_QUANTIZATION", &c.DisableQuantization)
	if v, ok := lookup("CLOID_WARMUP_FAILURE_BACKOFF_SECONDS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			c.WarmupFailureBackoffSeconds = n
		}
	}
	return c
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
