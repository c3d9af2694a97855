package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
// Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	if err := validateModel("generator", c.Generator); err != nil {
		return err
	}
	if err := validateModel("embedder", c.Embedder); err != nil {
		return err
	}
	if c.TopK < 1 {
		return fmt.Errorf("%w: top_k must be at least 1, got %d", ErrInvalid, c.TopK)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be within [0, 1], got %v", ErrInvalid, c.MinSimilarity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("%w: temperature must be within [0, 1], got %v", ErrInvalid, c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalid)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalid)
	}

	g := c.Gateway
	if g.Concurrency < 0 || g.Retries < 1 || g.Timeout < 0 || g.InitialBackoff < 0 || g.MaxBackoff < 0 || g.PairTimeout < 0 {
		return fmt.Errorf("%w: gateway settings must be non-negative and retries at least 1", ErrInvalid)
	}
	if g.MaxBackoff > 0 && g.InitialBackoff > g.MaxBackoff {
		return fmt.Errorf("%w: gateway.initial_backoff exceeds gateway.max_backoff", ErrInvalid)
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "sqlite":
		if strings.TrimSpace(c.Cache.Path) == "" {
			return fmt.Errorf("%w: cache.path must be set for the sqlite backend", ErrInvalid)
		}
	case "redis":
		if strings.TrimSpace(c.Cache.RedisAddr) == "" {
			return fmt.Errorf("%w: cache.redis_addr must be set for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache.backend %q", ErrInvalid, c.Cache.Backend)
	}

	switch c.Output.Format {
	case "json", "md", "csv":
	default:
		return fmt.Errorf("%w: output.format must be json, md or csv, got %q", ErrInvalid, c.Output.Format)
	}

	for _, p := range c.Redact.ExtraPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: redact.extra_patterns: %v", ErrInvalid, err)
		}
	}
	return nil
}

func validateModel(key, v string) error {
	provider, model, ok := strings.Cut(v, ":")
	if !ok || provider == "" || model == "" {
		return fmt.Errorf("%w: %s must be provider:model, got %q", ErrInvalid, key, v)
	}
	return nil
}
