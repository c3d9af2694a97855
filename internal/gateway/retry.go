package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how a single logical gateway call is retried.
type RetryPolicy struct {
	Attempts       int           // total attempts including the first; < 1 means 1
	InitialBackoff time.Duration // first wait between attempts
	MaxBackoff     time.Duration // cap on the wait between attempts
	Timeout        time.Duration // per-attempt deadline; 0 means none
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        2 * time.Minute,
}

// Embed calls e with p's retries and per-attempt timeout. It returns the
// number of attempts made. A final error always wraps ErrEmbeddingUnavailable.
func Embed(ctx context.Context, e Embedder, text string, p RetryPolicy) ([]float32, int, error) {
	var vec []float32
	attempts, err := retry(ctx, p, func(ctx context.Context) error {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, attempts, ensureKind(err, ErrEmbeddingUnavailable)
	}
	return vec, attempts, nil
}

// Generate calls g with p's retries and per-attempt timeout. A final error
// always wraps ErrGenerationUnavailable.
func Generate(ctx context.Context, g Generator, prompt string, p RetryPolicy) (string, int, error) {
	var out string
	attempts, err := retry(ctx, p, func(ctx context.Context) error {
		s, err := g.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return "", attempts, ensureKind(err, ErrGenerationUnavailable)
	}
	return out, attempts, nil
}

func retry(ctx context.Context, p RetryPolicy, call func(ctx context.Context) error) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		err := call(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
	return attempts, backoff.Retry(op, policy)
}

func ensureKind(err, kind error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
