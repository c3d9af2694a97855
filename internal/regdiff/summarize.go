package regdiff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/redact"
)

const summaryPrompt = `You compare two versions of one section of a financial regulation.

Section: %s

Previous version:
"""
%s
"""

New version:
"""
%s
"""

In at most three sentences of plain language, state what obligations were added, removed or changed. Reply with the summary only.`

// Summarizer asks a generator for plain-language summaries of changes.
type Summarizer struct {
	Generator gateway.Generator
	Policy    gateway.RetryPolicy
	Redactor  *redact.Redactor
	Workers   int
	Logger    *slog.Logger
}

// Summarize fills Change.Summary for every added, removed or modified
// section and returns how many summaries could not be generated. Those
// sections keep an empty summary.
func (s *Summarizer) Summarize(ctx context.Context, r *Result) int {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	red := s.Redactor
	if red == nil {
		red, _ = redact.New(nil)
	}

	failed := make([]bool, len(r.Changes))
	g := new(errgroup.Group)
	g.SetLimit(max(s.Workers, 1))
	for i := range r.Changes {
		c := &r.Changes[i]
		if c.Kind == Unchanged {
			continue
		}
		g.Go(func() error {
			prompt := red.Redact(fmt.Sprintf(summaryPrompt, c.Key, orNone(c.oldText), orNone(c.newText)))
			out, _, err := gateway.Generate(ctx, s.Generator, prompt, s.Policy)
			if err != nil {
				logger.WarnContext(ctx, "change summary failed", "section", c.Key, "error", err)
				failed[i] = true
				return nil
			}
			c.Summary = strings.TrimSpace(out)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(section not present)"
	}
	return s
}
