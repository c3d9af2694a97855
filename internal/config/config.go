// Package config loads run configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds regmatch configuration.
type Config struct {
	Generator     string        `yaml:"generator"` // provider:model, e.g. "anthropic:claude-sonnet-4-6"
	Embedder      string        `yaml:"embedder"`  // provider:model or "lexical:<dims>"
	TopK          int           `yaml:"top_k"`
	MinSimilarity float64       `yaml:"min_similarity"`
	MaxRetries    int           `yaml:"max_retries"` // extra generations after malformed output
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Workers       int           `yaml:"workers"`
	Controls      []string      `yaml:"controls"` // internal control ids to match; empty = all
	Gateway       GatewayConfig `yaml:"gateway"`
	Cache         CacheConfig   `yaml:"cache"`
	Index         IndexConfig   `yaml:"index"`
	Output        OutputConfig  `yaml:"output"`
	Redact        RedactConfig  `yaml:"redact"`
}

type GatewayConfig struct {
	Concurrency    int           `yaml:"concurrency"` // in-flight calls per gateway
	Timeout        time.Duration `yaml:"timeout"`     // per attempt
	Retries        int           `yaml:"retries"`     // attempts including the first
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	PairTimeout    time.Duration `yaml:"pair_timeout"` // whole classification of one pair; 0 = none
}

type CacheConfig struct {
	Backend   string        `yaml:"backend"` // memory | sqlite | redis | none
	Path      string        `yaml:"path"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type IndexConfig struct {
	Path string `yaml:"path"` // persisted regulatory index; empty = build in memory
}

type OutputConfig struct {
	Format string `yaml:"format"` // json | md | csv
}

type RedactConfig struct {
	ExtraPatterns []string `yaml:"extra_patterns"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables consulted by ApplyEnv.
const (
	EnvGenerator = "REGMATCH_GENERATOR"
	EnvEmbedder  = "REGMATCH_EMBEDDER"
)

// Load reads configuration from a YAML file.
// If path is empty or the file doesn't exist, it returns the default config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Generator:     "anthropic:claude-sonnet-4-6",
		Embedder:      "openai:text-embedding-3-small",
		TopK:          1,
		MinSimilarity: 0.0,
		MaxRetries:    2,
		Temperature:   0,
		MaxTokens:     2048,
		Workers:       4,
		Gateway: GatewayConfig{
			Concurrency:    4,
			Timeout:        2 * time.Minute,
			Retries:        3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     30 * 24 * time.Hour,
		},
		Output: OutputConfig{Format: "json"},
	}
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Generator == "" {
		cfg.Generator = d.Generator
	}
	if cfg.Embedder == "" {
		cfg.Embedder = d.Embedder
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = d.Cache.Backend
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = d.Output.Format
	}
}

// ApplyEnv overrides model selection from the environment. API keys are
// read by the gateway constructors, not stored here.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvGenerator)); v != "" {
		c.Generator = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEmbedder)); v != "" {
		c.Embedder = v
	}
}
