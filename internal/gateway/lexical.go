package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/finos-labs/regmatch/internal/control"
)

// LexicalEmbedder is a local, deterministic embedder that hashes word
// unigrams and bigrams into a fixed number of buckets. It needs no network
// access and is meant for offline runs and tests, not for semantic quality.
type LexicalEmbedder struct {
	dims int
}

// NewLexicalEmbedder returns a LexicalEmbedder producing dims-length vectors.
func NewLexicalEmbedder(dims int) *LexicalEmbedder {
	return &LexicalEmbedder{dims: dims}
}

func (e *LexicalEmbedder) ModelID() string { return fmt.Sprintf("lexical:%d", e.dims) }

// Embed returns an L2-normalized term-frequency vector. Texts without any
// indexable token yield the zero vector.
func (e *LexicalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	vec := make([]float64, e.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[bucket(tok, e.dims)]++
		if i > 0 {
			vec[bucket(tokens[i-1]+" "+tok, e.dims)] += 0.5
		}
	}

	var norm float64
	for i, v := range vec {
		if v > 0 {
			vec[i] = 1 + math.Log(v)
		}
		norm += vec[i] * vec[i]
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func bucket(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}

// tokenize lowercases, splits on anything that is not a letter or digit,
// drops stopwords and strips a plural "s".
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(control.Normalize(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		out = append(out, f)
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"shall": {}, "that": {}, "the": {}, "their": {}, "to": {}, "with": {}, "within": {},
}
