package retrieve

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/embedcache"
	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/index"
	"github.com/finos-labs/regmatch/internal/metrics"
)

// fakeEmbedder maps texts to fixed vectors and fails for texts in fail.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    map[string]bool
	calls   atomic.Int32
}

func (f *fakeEmbedder) ModelID() string { return "fake:embed" }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.fail[text] {
		return nil, errors.New("upstream down")
	}
	return f.vectors[text], nil
}

func regIndex(t *testing.T, objs ...control.Objective) *index.Memory {
	t.Helper()
	idx := index.NewMemory()
	for _, o := range objs {
		require.NoError(t, idx.Upsert(context.Background(), o))
	}
	idx.MarkReady()
	return idx
}

func vecObj(id string, vec ...float32) control.Objective {
	return control.Objective{ID: id, Source: control.SourceRegulatory, Text: id}.WithEmbedding(vec)
}

func internal(id, text string) control.Objective {
	return control.Objective{ID: id, Source: control.SourceInternal, Text: text}
}

var fastPolicy = gateway.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond}

func TestRun_KeepsOrderAndTopK(t *testing.T) {
	idx := regIndex(t, vecObj("R1", 1, 0), vecObj("R2", 0, 1), vecObj("R3", 0.8, 0.6))
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"incident text": {1, 0},
		"access text":   {0, 1},
	}}
	s := New(emb, idx, WithTopK(2), WithRetryPolicy(fastPolicy), WithWorkers(2))

	out := s.Run(context.Background(), []control.Objective{
		internal("I1", "incident text"),
		internal("I2", "access text"),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "I1", out[0].Control.ID)
	assert.Equal(t, "I2", out[1].Control.ID)

	require.Len(t, out[0].Candidates, 2)
	assert.Equal(t, "R1", out[0].Candidates[0].RegulatoryControlID)
	assert.Equal(t, "R3", out[0].Candidates[1].RegulatoryControlID)
	assert.Equal(t, "I1->R1", out[0].Candidates[0].ID)
	assert.GreaterOrEqual(t, out[0].Candidates[0].SimilarityScore, out[0].Candidates[1].SimilarityScore)
	assert.True(t, out[0].Control.HasEmbedding())
}

func TestRun_DefaultTopKIsOne(t *testing.T) {
	idx := regIndex(t, vecObj("R1", 1, 0), vecObj("R2", 0.9, 0.1))
	emb := &fakeEmbedder{vectors: map[string][]float32{"x": {1, 0}}}
	out := New(emb, idx).Run(context.Background(), []control.Objective{internal("I1", "x")})
	assert.Len(t, out[0].Candidates, 1)
}

func TestRun_ThresholdDropsCandidates(t *testing.T) {
	idx := regIndex(t, vecObj("R1", 1, 0), vecObj("R2", 0, 1))
	emb := &fakeEmbedder{vectors: map[string][]float32{"x": {1, 0.05}}}
	s := New(emb, idx, WithTopK(2), WithMinSimilarity(0.5))

	out := s.Run(context.Background(), []control.Objective{internal("I1", "x")})
	require.NoError(t, out[0].Err)
	require.Len(t, out[0].Candidates, 1)
	assert.Equal(t, "R1", out[0].Candidates[0].RegulatoryControlID)

	s = New(emb, idx, WithTopK(2), WithMinSimilarity(1.01))
	out = s.Run(context.Background(), []control.Objective{internal("I1", "x")})
	require.NoError(t, out[0].Err)
	assert.Empty(t, out[0].Candidates, "nothing above threshold leaves the control without candidates")
}

func TestRun_EmbeddingFailureIsIsolated(t *testing.T) {
	idx := regIndex(t, vecObj("R1", 1, 0))
	emb := &fakeEmbedder{
		vectors: map[string][]float32{"ok": {1, 0}},
		fail:    map[string]bool{"bad": true},
	}
	s := New(emb, idx, WithRetryPolicy(fastPolicy))

	out := s.Run(context.Background(), []control.Objective{internal("I1", "bad"), internal("I2", "ok")})
	assert.ErrorIs(t, out[0].Err, gateway.ErrEmbeddingUnavailable)
	assert.Empty(t, out[0].Candidates)
	require.NoError(t, out[1].Err)
	assert.Len(t, out[1].Candidates, 1)
}

func TestRun_EmptyInput(t *testing.T) {
	emb := &fakeEmbedder{}
	out := New(emb, regIndex(t)).Run(context.Background(), nil)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), emb.calls.Load())
}

func TestEmbed_UsesCache(t *testing.T) {
	ctx := context.Background()
	cache := embedcache.NewMemory()
	emb := &fakeEmbedder{vectors: map[string][]float32{"Report incidents.": {1, 0}}}
	m := metrics.New()
	s := New(emb, regIndex(t), WithCache(cache), WithMetrics(m))

	first, err := s.Embed(ctx, internal("I1", "Report incidents."))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, first.Embedding)

	// Same normalized text under a different id hits the cache.
	second, err := s.Embed(ctx, internal("I9", "Report  incidents."))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, second.Embedding)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestEmbed_ExistingEmbeddingSkipsGateway(t *testing.T) {
	emb := &fakeEmbedder{}
	s := New(emb, regIndex(t))
	o, err := s.Embed(context.Background(), vecObj("R1", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, o.Embedding)
	assert.Equal(t, int32(0), emb.calls.Load())
}

func TestEmbed_EmptyVectorIsAnError(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	_, err := New(emb, regIndex(t), WithRetryPolicy(fastPolicy)).Embed(context.Background(), internal("I1", "unknown"))
	assert.ErrorIs(t, err, gateway.ErrEmbeddingUnavailable)
}

func TestRun_DimensionMismatchIsUnmatched(t *testing.T) {
	idx := regIndex(t, vecObj("R1", 1, 0, 0))
	emb := &fakeEmbedder{vectors: map[string][]float32{"x": {1, 0}}}
	out := New(emb, idx).Run(context.Background(), []control.Objective{internal("I1", "x")})
	assert.ErrorIs(t, out[0].Err, index.ErrDimensionMismatch)
}
