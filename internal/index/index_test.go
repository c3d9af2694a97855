package index

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finos-labs/regmatch/internal/control"
)

func reg(id string, vec ...float32) control.Objective {
	return control.Objective{ID: id, Source: control.SourceRegulatory, Text: "text of " + id}.WithEmbedding(vec)
}

func populated(t *testing.T, objs ...control.Objective) *Memory {
	t.Helper()
	idx := NewMemory()
	for _, o := range objs {
		require.NoError(t, idx.Upsert(context.Background(), o))
	}
	idx.MarkReady()
	return idx
}

func TestQuery_OrderAndK(t *testing.T) {
	idx := populated(t,
		reg("R1", 1, 0, 0),
		reg("R2", 0.7, 0.7, 0),
		reg("R3", 0, 1, 0),
	)
	got, err := idx.Query(context.Background(), []float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "R1", got[0].ControlID)
	assert.Equal(t, "R2", got[1].ControlID)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)

	all, err := idx.Query(context.Background(), []float32{1, 0.1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3, "k larger than the index returns everything")
}

func TestQuery_TiesKeepInsertionOrder(t *testing.T) {
	idx := populated(t,
		reg("B", 1, 0),
		reg("A", 1, 0),
		reg("C", 2, 0),
	)
	got, err := idx.Query(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	ids := []string{got[0].ControlID, got[1].ControlID, got[2].ControlID}
	assert.Equal(t, []string{"B", "A", "C"}, ids)
}

func TestQuery_EmptyIndexAndZeroK(t *testing.T) {
	idx := populated(t)
	got, err := idx.Query(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	idx = populated(t, reg("R1", 1, 0))
	got, err = idx.Query(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_ScoresClipped(t *testing.T) {
	idx := populated(t, reg("opposite", -1, 0), reg("zero", 0, 0.0001))
	got, err := idx.Query(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	for _, r := range got {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestQuery_DimensionMismatch(t *testing.T) {
	idx := populated(t, reg("R1", 1, 0, 0))
	_, err := idx.Query(context.Background(), []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQuery_WaitsForReady(t *testing.T) {
	idx := NewMemory()
	require.NoError(t, idx.Upsert(context.Background(), reg("R1", 1, 0)))

	var (
		wg  sync.WaitGroup
		got []Result
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = idx.Query(context.Background(), []float32{1, 0}, 1)
	}()
	time.Sleep(10 * time.Millisecond)
	idx.MarkReady()
	wg.Wait()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestQuery_CancelledBeforeReady(t *testing.T) {
	idx := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := idx.Query(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()

	err := idx.Upsert(ctx, control.Objective{ID: "R0", Text: "no vector"})
	assert.ErrorIs(t, err, ErrEmbeddingMissing)

	require.NoError(t, idx.Upsert(ctx, reg("R1", 1, 0)))
	require.NoError(t, idx.Upsert(ctx, reg("R2", 0, 1)))
	replacement := reg("R1", 0, 1)
	replacement.Text = "replaced"
	require.NoError(t, idx.Upsert(ctx, replacement))
	assert.Equal(t, 2, idx.Len())

	objs := idx.Objectives()
	assert.Equal(t, "R1", objs[0].ID, "replacement keeps insertion position")
	assert.Equal(t, "replaced", objs[0].Text)

	err = idx.Upsert(ctx, reg("R3", 1, 0, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	idx.MarkReady()
	idx.MarkReady()
	err = idx.Upsert(ctx, reg("R4", 1, 0))
	assert.ErrorIs(t, err, ErrSealed)
}

func TestUpsert_CopiesEmbedding(t *testing.T) {
	vec := []float32{1, 0}
	o := control.Objective{ID: "R1", Text: "t", Embedding: vec}
	idx := NewMemory()
	require.NoError(t, idx.Upsert(context.Background(), o))
	vec[0] = 0
	got, ok := idx.Get("R1")
	require.True(t, ok)
	assert.Equal(t, float32(1), got.Embedding[0])

	_, ok = idx.Get("missing")
	assert.False(t, ok)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{-1, 0}))
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Manifest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	r1 := reg("Article 17(1)", 1, 0)
	r1.SectionRef = "CHAPTER II"
	r2 := reg("Article 17(2)", 0, 1)
	require.NoError(t, s.Save(ctx, Manifest{ModelID: "lexical:2", CorpusPath: "dora.csv", CorpusHash: "sha256:abc"}, []control.Objective{r1, r2}))

	m, ok, err := s.Manifest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lexical:2", m.ModelID)
	assert.Equal(t, 2, m.Count)
	assert.False(t, m.BuiltAt.IsZero())

	idx, _, err := s.Load(ctx, "lexical:2")
	require.NoError(t, err)
	idx.MarkReady()
	got, err := idx.Query(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, "Article 17(2)", got[0].ControlID)

	loaded, ok := idx.Get("Article 17(1)")
	require.True(t, ok)
	assert.Equal(t, "CHAPTER II", loaded.SectionRef)
	assert.Equal(t, control.SourceRegulatory, loaded.Source)
	assert.Equal(t, []float32{1, 0}, loaded.Embedding)

	_, _, err = s.Load(ctx, "openai:text-embedding-3-small")
	assert.ErrorIs(t, err, ErrModelMismatch)
}

func TestStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, Manifest{ModelID: "m"}, []control.Objective{reg("A", 1), reg("B", 1)}))
	require.NoError(t, s.Save(ctx, Manifest{ModelID: "m"}, []control.Objective{reg("C", 1)}))
	m, _, err := s.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)

	err = s.Save(ctx, Manifest{ModelID: "m"}, []control.Objective{{ID: "D", Text: "t"}})
	assert.ErrorIs(t, err, ErrEmbeddingMissing)
}
