// Package gateway holds the capability interfaces for the external embedding
// and generation services, their HTTP providers, and the concurrency and
// retry wrappers every call goes through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors. Every provider failure wraps one of these.
var (
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrGenerationUnavailable = errors.New("generation unavailable")
)

// sharedHTTPClient is used by all providers. Per-call deadlines come from the
// caller's context; this timeout is only a backstop.
var sharedHTTPClient = &http.Client{
	Timeout: 5 * time.Minute,
}

// defaultMaxTokens is the fallback when GenerateOptions.MaxTokens is not set.
const defaultMaxTokens = 2048

// Generator turns a prompt into a model completion.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	ModelID() string
}

// Embedder turns a text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// GenerateOptions tunes generation providers.
// A nil Temperature leaves the provider's default; zero is sent as zero.
type GenerateOptions struct {
	Temperature *float64
	MaxTokens   int
}

// APIError is a non-2xx answer from a provider. It unwraps to the gateway's
// unavailability sentinel.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: HTTP %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}

// NewGenerator parses a "provider:model" string and returns the matching Generator.
// The API key is read from the environment at construction time and validated immediately.
// Example: "anthropic:claude-sonnet-4-6" or "openai:gpt-4o".
func NewGenerator(providerModel string, opts GenerateOptions) (Generator, error) {
	provider, model, err := splitProviderModel(providerModel)
	if err != nil {
		return nil, err
	}
	switch provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
		}
		return &anthropicProvider{model: model, apiKey: apiKey, opts: opts}, nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		return &openaiProvider{model: model, apiKey: apiKey, opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q: supported providers are anthropic, openai", provider)
	}
}

// NewEmbedder parses a "provider:model" string and returns the matching Embedder.
// "lexical:<dims>" selects the local feature-hashing embedder and needs no key.
func NewEmbedder(providerModel string) (Embedder, error) {
	provider, model, err := splitProviderModel(providerModel)
	if err != nil {
		return nil, err
	}
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		return &openaiEmbedder{model: model, apiKey: apiKey}, nil
	case "lexical":
		dims, err := strconv.Atoi(model)
		if err != nil || dims <= 0 {
			return nil, fmt.Errorf("invalid lexical embedder dimension %q: expected a positive integer", model)
		}
		return NewLexicalEmbedder(dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: supported providers are openai, lexical", provider)
	}
}

func splitProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider:model (e.g. anthropic:claude-sonnet-4-6)", s)
	}
	return parts[0], parts[1], nil
}

// truncate limits a string to maxLen runes, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
