package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator_UnknownPrefix(t *testing.T) {
	_, err := NewGenerator("gemini:gemini-pro", GenerateOptions{})
	if err == nil {
		t.Error("expected error for unknown provider prefix, got nil")
	}
}

func TestNewGenerator_InvalidFormat(t *testing.T) {
	_, err := NewGenerator("nocolon", GenerateOptions{})
	if err == nil {
		t.Error("expected error for missing colon separator, got nil")
	}
}

func TestNewGenerator_Anthropic_NoKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewGenerator("anthropic:claude-sonnet-4-6", GenerateOptions{})
	if err == nil {
		t.Error("expected error when ANTHROPIC_API_KEY not set, got nil")
	}
}

func TestNewGenerator_OpenAI_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewGenerator("openai:gpt-4o", GenerateOptions{})
	if err == nil {
		t.Error("expected error when OPENAI_API_KEY not set, got nil")
	}
}

func TestNewGenerator_WithKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key-for-construction-only")
	t.Setenv("OPENAI_API_KEY", "sk-test-key-for-construction-only")
	for _, pm := range []string{"anthropic:claude-sonnet-4-6", "openai:gpt-4o"} {
		g, err := NewGenerator(pm, GenerateOptions{})
		require.NoError(t, err, pm)
		assert.Equal(t, pm, g.ModelID())
	}
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder("lexical:64")
	require.NoError(t, err)
	assert.Equal(t, "lexical:64", e.ModelID())

	_, err = NewEmbedder("lexical:zero")
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "")
	_, err = NewEmbedder("openai:text-embedding-3-small")
	assert.Error(t, err, "expected error when OPENAI_API_KEY not set")

	_, err = NewEmbedder("bedrock:titan")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short string: got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("truncate long string: got %q", got)
	}
	if got := truncate("héllo", 3); got != "hél..." {
		t.Errorf("truncate multibyte: got %q, want %q", got, "hél...")
	}
}

func withAnthropicServer(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	original := AnthropicAPIURL()
	SetAnthropicAPIURL(srv.URL)
	t.Cleanup(func() {
		srv.Close()
		SetAnthropicAPIURL(original)
	})
}

func TestAnthropic_Generate(t *testing.T) {
	withAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "prompt text", req.Messages[0].Content)
		assert.Equal(t, 512, req.MaxTokens)
		w.Write([]byte(`{"model":"claude","content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`)) //nolint:errcheck
	})
	p := &anthropicProvider{model: "claude", apiKey: "test-key", opts: GenerateOptions{MaxTokens: 512}}
	out, err := p.Generate(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestGenerate_ZeroTemperatureIsSent(t *testing.T) {
	zero := 0.0
	opts := GenerateOptions{Temperature: &zero}

	withAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req, "temperature")
		assert.Equal(t, 0.0, req["temperature"])
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`)) //nolint:errcheck
	})
	_, err := (&anthropicProvider{model: "claude", apiKey: "k", opts: opts}).Generate(context.Background(), "p")
	require.NoError(t, err)

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req, "temperature")
		assert.Equal(t, 0.0, req["temperature"])
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)) //nolint:errcheck
	}))
	orig := OpenAIAPIURL()
	SetOpenAIAPIURL(chat.URL)
	t.Cleanup(func() {
		chat.Close()
		SetOpenAIAPIURL(orig)
	})
	_, err = (&openaiProvider{model: "gpt-4o", apiKey: "k", opts: opts}).Generate(context.Background(), "p")
	require.NoError(t, err)
}

func TestAnthropic_UnsetTemperatureIsOmitted(t *testing.T) {
	withAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotContains(t, req, "temperature")
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`)) //nolint:errcheck
	})
	_, err := (&anthropicProvider{model: "claude", apiKey: "k"}).Generate(context.Background(), "p")
	require.NoError(t, err)
}

func TestAnthropic_ErrorStatus(t *testing.T) {
	withAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`)) //nolint:errcheck
	})
	p := &anthropicProvider{model: "claude", apiKey: "k"}
	_, err := p.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Temporary())
	assert.Equal(t, "rate_limit_error", apiErr.Type)
}

func TestOpenAI_GenerateAndEmbed(t *testing.T) {
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"done"}}]}`)) //nolint:errcheck
	}))
	emb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"classify incidents"}, req.Input)
		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}]}`)) //nolint:errcheck
	}))
	origChat, origEmb := OpenAIAPIURL(), OpenAIEmbeddingsURL()
	SetOpenAIAPIURL(chat.URL)
	SetOpenAIEmbeddingsURL(emb.URL)
	t.Cleanup(func() {
		chat.Close()
		emb.Close()
		SetOpenAIAPIURL(origChat)
		SetOpenAIEmbeddingsURL(origEmb)
	})

	out, err := (&openaiProvider{model: "gpt-4o", apiKey: "test-key"}).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	vec, err := (&openaiEmbedder{model: "text-embedding-3-small", apiKey: "test-key"}).Embed(context.Background(), "classify incidents")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAI_EmbedBadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"too long"}}`)) //nolint:errcheck
	}))
	orig := OpenAIEmbeddingsURL()
	SetOpenAIEmbeddingsURL(srv.URL)
	t.Cleanup(func() {
		srv.Close()
		SetOpenAIEmbeddingsURL(orig)
	})

	e := &openaiEmbedder{model: "m", apiKey: "k"}
	_, attempts, err := Embed(context.Background(), e, "x", RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 1, attempts, "4xx other than 408/429 must not be retried")
	assert.Equal(t, int32(1), calls.Load())
}

type flakyGenerator struct {
	failures int
	calls    atomic.Int32
}

func (f *flakyGenerator) ModelID() string { return "fake:flaky" }

func (f *flakyGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return "", errors.New("connection reset")
	}
	return "ok", nil
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	g := &flakyGenerator{failures: 2}
	out, attempts, err := Generate(context.Background(), g, "p", RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
}

func TestGenerate_ExhaustedRetriesWrapSentinel(t *testing.T) {
	g := &flakyGenerator{failures: 10}
	_, attempts, err := Generate(context.Background(), g, "p", RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond})
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, 2, attempts)
}

type blockingGenerator struct{}

func (blockingGenerator) ModelID() string { return "fake:blocking" }

func (blockingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGenerate_PerAttemptTimeout(t *testing.T) {
	start := time.Now()
	_, attempts, err := Generate(context.Background(), blockingGenerator{}, "p", RetryPolicy{
		Attempts: 2, InitialBackoff: time.Millisecond, Timeout: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, attempts)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGenerate_CancelledParentStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &flakyGenerator{failures: 10}
	_, _, err := Generate(ctx, g, "p", RetryPolicy{Attempts: 5, InitialBackoff: time.Millisecond})
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, int32(0), g.calls.Load())
}

type countingGenerator struct {
	inFlight, peak atomic.Int32
}

func (c *countingGenerator) ModelID() string { return "fake:counting" }

func (c *countingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return "ok", nil
}

func TestLimitGenerator_CapsConcurrency(t *testing.T) {
	inner := &countingGenerator{}
	g := LimitGenerator(inner, 2)
	assert.Equal(t, "fake:counting", g.ModelID())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_, _ = g.Generate(context.Background(), "p")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}

func TestLimitEmbedder_CancelledWhileWaiting(t *testing.T) {
	e := LimitEmbedder(NewLexicalEmbedder(8), 1)
	le := e.(*limitedEmbedder)
	require.True(t, le.sem.TryAcquire(1))
	defer le.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestLexicalEmbedder(t *testing.T) {
	e := NewLexicalEmbedder(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Classify incidents by severity and report critical ones")
	require.NoError(t, err)
	require.Len(t, a, 256)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	b, _ := e.Embed(ctx, "Classify  incidents by severity and report critical ones ")
	assert.Equal(t, a, b, "whitespace-only differences must embed identically")

	empty, err := e.Embed(ctx, "the and of")
	require.NoError(t, err)
	for _, v := range empty {
		assert.Zero(t, v)
	}
}
