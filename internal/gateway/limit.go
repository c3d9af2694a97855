package gateway

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// LimitGenerator caps the number of in-flight Generate calls on g at n.
// Waiting for a slot honours ctx.
func LimitGenerator(g Generator, n int) Generator {
	if n <= 0 {
		return g
	}
	return &limitedGenerator{next: g, sem: semaphore.NewWeighted(int64(n))}
}

// LimitEmbedder caps the number of in-flight Embed calls on e at n.
func LimitEmbedder(e Embedder, n int) Embedder {
	if n <= 0 {
		return e
	}
	return &limitedEmbedder{next: e, sem: semaphore.NewWeighted(int64(n))}
}

type limitedGenerator struct {
	next Generator
	sem  *semaphore.Weighted
}

func (l *limitedGenerator) ModelID() string { return l.next.ModelID() }

func (l *limitedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for a generation slot: %w", ErrGenerationUnavailable, err)
	}
	defer l.sem.Release(1)
	return l.next.Generate(ctx, prompt)
}

type limitedEmbedder struct {
	next Embedder
	sem  *semaphore.Weighted
}

func (l *limitedEmbedder) ModelID() string { return l.next.ModelID() }

func (l *limitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for an embedding slot: %w", ErrEmbeddingUnavailable, err)
	}
	defer l.sem.Release(1)
	return l.next.Embed(ctx, text)
}
