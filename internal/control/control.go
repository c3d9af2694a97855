// Package control defines control objectives and loads them from corpus files.
package control

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Source identifies which corpus a control objective belongs to.
type Source string

const (
	SourceInternal   Source = "INTERNAL"
	SourceRegulatory Source = "REGULATORY"
)

// IsValid reports whether s is one of the two known sources.
func (s Source) IsValid() bool {
	return s == SourceInternal || s == SourceRegulatory
}

// Objective is a single control objective. Values are treated as immutable:
// WithEmbedding returns a modified copy.
type Objective struct {
	ID         string `json:"id" yaml:"id"`
	Source     Source `json:"source" yaml:"source"`
	Text       string `json:"text" yaml:"text"`
	SectionRef string `json:"section_ref,omitempty" yaml:"section_ref,omitempty"`
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	// L1ID and L1Title carry the parent control for internal L2 objectives.
	L1ID      string    `json:"l1_id,omitempty" yaml:"l1_id,omitempty"`
	L1Title   string    `json:"l1_title,omitempty" yaml:"l1_title,omitempty"`
	Embedding []float32 `json:"-" yaml:"-"`
}

// HasEmbedding reports whether the embedding has been computed.
func (o Objective) HasEmbedding() bool {
	return len(o.Embedding) > 0
}

// WithEmbedding returns a copy of o carrying its own copy of vec.
func (o Objective) WithEmbedding(vec []float32) Objective {
	o.Embedding = CloneVector(vec)
	return o
}

// CloneVector copies vec so callers cannot alias stored embeddings.
func CloneVector(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

// Normalize applies NFKC normalization, drops control characters other than
// newline and tab, and collapses runs of spaces.
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// TextKey returns a stable hex digest of model and the normalized text. Two
// texts differing only in whitespace or Unicode form share a key.
func TextKey(model, text string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, model)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, Normalize(text))
	return hex.EncodeToString(h.Sum(nil))
}
