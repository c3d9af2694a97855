// Package classify asks the generation gateway to grade each candidate pair
// and turns the response into a verdict or a recorded failure.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/metrics"
	"github.com/finos-labs/regmatch/internal/redact"
	"github.com/finos-labs/regmatch/internal/schema"
	"github.com/finos-labs/regmatch/internal/schema/validate"
)

// Defaults.
const (
	DefaultMaxRetries = 2
	DefaultWorkers    = 4
)

// Pair is one candidate match together with the two texts it compares.
type Pair struct {
	Match      schema.CandidateMatch
	Internal   control.Objective
	Regulatory control.Objective
}

// Result holds exactly one of Verdict or Failure.
type Result struct {
	Pair    Pair
	Verdict *schema.Verdict
	Failure *schema.Failure
}

// Stage classifies candidate pairs.
type Stage struct {
	generator   gateway.Generator
	maxRetries  int
	policy      gateway.RetryPolicy
	pairTimeout time.Duration
	workers     int
	redactor    *redact.Redactor
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Stage.
type Option func(s *Stage)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithMetrics records generation calls, malformed outputs and verdicts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// WithMaxRetries sets how many extra generations are attempted after a
// malformed response. Negative values are treated as 0.
func WithMaxRetries(n int) Option {
	return func(s *Stage) {
		s.maxRetries = max(n, 0)
	}
}

// WithRetryPolicy sets how transport failures are retried.
func WithRetryPolicy(p gateway.RetryPolicy) Option {
	return func(s *Stage) {
		s.policy = p
	}
}

// WithPairTimeout bounds the total time spent on one pair, retries included.
func WithPairTimeout(d time.Duration) Option {
	return func(s *Stage) {
		s.pairTimeout = d
	}
}

// WithWorkers bounds how many pairs are classified at once.
func WithWorkers(n int) Option {
	return func(s *Stage) {
		s.workers = n
	}
}

// WithRedactor masks sensitive values in prompts before they are sent.
func WithRedactor(r *redact.Redactor) Option {
	return func(s *Stage) {
		s.redactor = r
	}
}

// New constructs a Stage.
func New(generator gateway.Generator, opts ...Option) *Stage {
	s := &Stage{
		generator:  generator,
		maxRetries: DefaultMaxRetries,
		policy:     gateway.DefaultRetryPolicy,
		workers:    DefaultWorkers,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.redactor == nil {
		s.redactor, _ = redact.New(nil)
	}
	return s
}

// Classify grades one pair. Malformed responses are re-requested with the
// same prompt up to the configured retry budget; transport failures that
// survive the gateway's own backoff end the pair immediately.
func (s *Stage) Classify(ctx context.Context, p Pair) Result {
	if s.pairTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pairTimeout)
		defer cancel()
	}
	log := s.logger.With("control_id", p.Match.InternalControlID, "regulatory_id", p.Match.RegulatoryControlID)
	prompt := s.redactor.Redact(RenderPrompt(p.Regulatory.Text, p.Internal.Text))

	var (
		attempts int
		lastRaw  string
		lastErr  error
	)
	for try := 0; try <= s.maxRetries; try++ {
		start := time.Now()
		raw, n, err := gateway.Generate(ctx, s.generator, prompt, s.policy)
		s.metrics.ObserveGatewayCall("generate", time.Since(start), err)
		attempts += n
		if err != nil {
			log.WarnContext(ctx, "generation failed", "attempts", attempts, "error", err)
			return s.fail(p, lastRaw, attempts, err)
		}

		a, pass, err := validate.Parse(raw)
		if err == nil {
			if pass == validate.PassLenient {
				log.DebugContext(ctx, "model output needed lenient repair")
			}
			s.metrics.IncrementVerdict(string(statusFor(a.MatchType)))
			return Result{Pair: p, Verdict: &schema.Verdict{
				CandidateMatchID: p.Match.ID,
				Assessment:       *a,
				RawModelOutput:   raw,
				Attempts:         attempts,
			}}
		}
		s.metrics.IncrementMalformed()
		log.InfoContext(ctx, "malformed model output", "try", try+1, "error", err)
		lastRaw, lastErr = raw, err
	}
	return s.fail(p, lastRaw, attempts, fmt.Errorf("after %d response(s): %w", s.maxRetries+1, lastErr))
}

func (s *Stage) fail(p Pair, raw string, attempts int, err error) Result {
	s.metrics.IncrementVerdict(string(schema.CandidateFailed))
	return Result{Pair: p, Failure: &schema.Failure{
		CandidateMatchID: p.Match.ID,
		RawModelOutput:   raw,
		Attempts:         attempts,
		Err:              err,
	}}
}

// Run classifies every pair concurrently and returns one Result per pair in
// input order. A failing pair never cancels its siblings. Pairs not started
// before ctx is done are recorded as failures carrying ctx's error.
func (s *Stage) Run(ctx context.Context, pairs []Pair) []Result {
	out := make([]Result, len(pairs))
	g := new(errgroup.Group)
	g.SetLimit(max(s.workers, 1))
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			out[i] = s.fail(p, "", 0, fmt.Errorf("%w: %w", gateway.ErrGenerationUnavailable, err))
			continue
		}
		g.Go(func() error {
			out[i] = s.Classify(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func statusFor(m schema.MatchType) schema.CandidateStatus {
	if m == schema.MatchComplete {
		return schema.CandidateComplete
	}
	return schema.CandidatePartial
}

// IsMalformed reports whether a failure was caused by unusable model output
// rather than an unavailable gateway.
func IsMalformed(f *schema.Failure) bool {
	return f != nil && errors.Is(f.Err, validate.ErrMalformedModelOutput)
}
