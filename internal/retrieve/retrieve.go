// Package retrieve embeds internal controls and finds their nearest
// regulatory candidates in the index.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/embedcache"
	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/index"
	"github.com/finos-labs/regmatch/internal/metrics"
	"github.com/finos-labs/regmatch/internal/schema"
)

// Defaults.
const (
	DefaultTopK    = 1
	DefaultWorkers = 4
)

// Retrieval is the outcome for one internal control. Err is set when the
// control could not be embedded or queried; Candidates is then empty.
type Retrieval struct {
	Control    control.Objective
	Candidates []schema.CandidateMatch
	Err        error
}

// Stage embeds controls and queries an index.
type Stage struct {
	embedder  gateway.Embedder
	idx       index.Index
	cache     embedcache.Cache
	topK      int
	threshold float64
	policy    gateway.RetryPolicy
	workers   int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Stage.
type Option func(s *Stage)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithMetrics records embedding calls and cache hits in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// WithCache stores embeddings in c, keyed by model and normalized text.
func WithCache(c embedcache.Cache) Option {
	return func(s *Stage) {
		s.cache = c
	}
}

// WithTopK sets how many candidates are requested per control.
func WithTopK(k int) Option {
	return func(s *Stage) {
		s.topK = k
	}
}

// WithMinSimilarity drops candidates scoring below t.
func WithMinSimilarity(t float64) Option {
	return func(s *Stage) {
		s.threshold = t
	}
}

// WithRetryPolicy sets how embedding calls are retried.
func WithRetryPolicy(p gateway.RetryPolicy) Option {
	return func(s *Stage) {
		s.policy = p
	}
}

// WithWorkers bounds how many controls are processed at once.
func WithWorkers(n int) Option {
	return func(s *Stage) {
		s.workers = n
	}
}

// New constructs a Stage.
func New(embedder gateway.Embedder, idx index.Index, opts ...Option) *Stage {
	s := &Stage{
		embedder: embedder,
		idx:      idx,
		cache:    embedcache.Nop{},
		topK:     DefaultTopK,
		policy:   gateway.DefaultRetryPolicy,
		workers:  DefaultWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Embed returns obj with its embedding set, consulting the cache first.
// Objectives that already carry an embedding are returned unchanged.
// Cache failures are logged and treated as misses.
func (s *Stage) Embed(ctx context.Context, obj control.Objective) (control.Objective, error) {
	if obj.HasEmbedding() {
		return obj, nil
	}
	key := control.TextKey(s.embedder.ModelID(), obj.Text)

	vec, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.IncrementCacheLookup("error")
		s.logger.WarnContext(ctx, "embedding cache lookup failed", "control_id", obj.ID, "error", err)
	case ok:
		s.metrics.IncrementCacheLookup("hit")
		return obj.WithEmbedding(vec), nil
	default:
		s.metrics.IncrementCacheLookup("miss")
	}

	start := time.Now()
	vec, attempts, err := gateway.Embed(ctx, s.embedder, obj.Text, s.policy)
	s.metrics.ObserveGatewayCall("embed", time.Since(start), err)
	if err != nil {
		return obj, fmt.Errorf("embedding %s after %d attempt(s): %w", obj.ID, attempts, err)
	}
	if len(vec) == 0 {
		return obj, fmt.Errorf("embedding %s: %w: empty vector", obj.ID, gateway.ErrEmbeddingUnavailable)
	}
	if err := s.cache.Put(ctx, key, vec); err != nil {
		s.logger.WarnContext(ctx, "embedding cache store failed", "control_id", obj.ID, "error", err)
	}
	return obj.WithEmbedding(vec), nil
}

// Retrieve embeds one control and returns its candidates with score >= the
// threshold, in descending score order.
func (s *Stage) Retrieve(ctx context.Context, obj control.Objective) Retrieval {
	obj, err := s.Embed(ctx, obj)
	if err != nil {
		return Retrieval{Control: obj, Err: err}
	}
	hits, err := s.idx.Query(ctx, obj.Embedding, s.topK)
	if err != nil {
		return Retrieval{Control: obj, Err: fmt.Errorf("querying index for %s: %w", obj.ID, err)}
	}
	r := Retrieval{Control: obj}
	for _, h := range hits {
		s.metrics.ObserveSimilarity(h.Score)
		if h.Score < s.threshold {
			continue
		}
		r.Candidates = append(r.Candidates, schema.CandidateMatch{
			ID:                  schema.CandidateMatchID(obj.ID, h.ControlID),
			InternalControlID:   obj.ID,
			RegulatoryControlID: h.ControlID,
			SimilarityScore:     h.Score,
		})
	}
	return r
}

// Run retrieves candidates for every control concurrently. The result has
// one Retrieval per control, in input order. Per-control failures never
// stop the other controls.
func (s *Stage) Run(ctx context.Context, controls []control.Objective) []Retrieval {
	out := make([]Retrieval, len(controls))
	g := new(errgroup.Group)
	g.SetLimit(max(s.workers, 1))
	for i, c := range controls {
		g.Go(func() error {
			r := s.Retrieve(ctx, c)
			if r.Err != nil {
				s.logger.WarnContext(ctx, "control left unmatched", "control_id", c.ID, "error", r.Err)
			} else {
				s.logger.DebugContext(ctx, "retrieved candidates", "control_id", c.ID, "candidates", len(r.Candidates))
			}
			out[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return out
}
