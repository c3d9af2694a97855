// Package index holds the regulatory controls' embeddings and answers
// nearest-neighbour queries by cosine similarity.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/finos-labs/regmatch/internal/control"
)

// Sentinel errors.
var (
	ErrEmbeddingMissing  = errors.New("objective has no embedding")
	ErrSealed            = errors.New("index is sealed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Result is one query hit.
type Result struct {
	ControlID string
	Score     float64
}

// Index is the retrieval contract. Implementations are populated with
// Upsert, sealed with MarkReady, and then queried concurrently.
type Index interface {
	Upsert(ctx context.Context, obj control.Objective) error
	Query(ctx context.Context, vec []float32, k int) ([]Result, error)
	Get(id string) (control.Objective, bool)
	Len() int
	MarkReady()
}

// Memory is an exact, brute-force Index.
type Memory struct {
	mu      sync.RWMutex
	entries []control.Objective
	pos     map[string]int
	dims    int

	ready     chan struct{}
	readyOnce sync.Once
}

// NewMemory returns an empty, unsealed index.
func NewMemory() *Memory {
	return &Memory{
		pos:   make(map[string]int),
		ready: make(chan struct{}),
	}
}

// Upsert stores obj, replacing any entry with the same ID in place so the
// original insertion position is kept.
func (m *Memory) Upsert(ctx context.Context, obj control.Objective) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !obj.HasEmbedding() {
		return fmt.Errorf("%w: %s", ErrEmbeddingMissing, obj.ID)
	}
	select {
	case <-m.ready:
		return fmt.Errorf("%w: cannot upsert %s", ErrSealed, obj.ID)
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims == 0 {
		m.dims = len(obj.Embedding)
	} else if len(obj.Embedding) != m.dims {
		return fmt.Errorf("%w: %s has %d dims, index has %d", ErrDimensionMismatch, obj.ID, len(obj.Embedding), m.dims)
	}
	obj = obj.WithEmbedding(obj.Embedding)
	if i, ok := m.pos[obj.ID]; ok {
		m.entries[i] = obj
		return nil
	}
	m.pos[obj.ID] = len(m.entries)
	m.entries = append(m.entries, obj)
	return nil
}

// MarkReady seals the index and releases waiting queries. It is idempotent.
func (m *Memory) MarkReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Query returns at most k hits ordered by descending score, ties broken by
// insertion order. It blocks until MarkReady has been called or ctx is done.
func (m *Memory) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	select {
	case <-m.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if k <= 0 {
		return []Result{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return []Result{}, nil
	}
	if len(vec) != m.dims {
		return nil, fmt.Errorf("%w: query has %d dims, index has %d", ErrDimensionMismatch, len(vec), m.dims)
	}

	results := make([]Result, len(m.entries))
	for i, e := range m.entries {
		results[i] = Result{ControlID: e.ID, Score: Cosine(vec, e.Embedding)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Get returns the stored objective with id.
func (m *Memory) Get(id string) (control.Objective, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pos[id]
	if !ok {
		return control.Objective{}, false
	}
	return m.entries[i], true
}

// Len reports the number of stored objectives.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Objectives returns the stored objectives in insertion order.
func (m *Memory) Objectives() []control.Objective {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]control.Objective(nil), m.entries...)
}

// Cosine returns the cosine similarity of a and b clipped to [0, 1]. A zero
// vector on either side scores 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
