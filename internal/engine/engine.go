// Package engine runs the matching pipeline: index the regulatory corpus,
// retrieve candidates for each internal control, classify every candidate
// pair and assemble the report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/finos-labs/regmatch/internal/classify"
	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/embedcache"
	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/index"
	"github.com/finos-labs/regmatch/internal/metrics"
	"github.com/finos-labs/regmatch/internal/redact"
	"github.com/finos-labs/regmatch/internal/report"
	"github.com/finos-labs/regmatch/internal/retrieve"
	"github.com/finos-labs/regmatch/internal/schema"
)

// ErrNoInput is returned when a run has no internal corpus, or neither a
// regulatory corpus nor a prebuilt index.
var ErrNoInput = errors.New("missing input corpus")

// Input is what one run matches.
type Input struct {
	Internal   *control.Corpus
	Regulatory *control.Corpus

	// Prebuilt, when set, replaces indexing Regulatory. It must not be sealed.
	Prebuilt         *index.Memory
	PrebuiltManifest index.Manifest
	// Skipped lists regulatory controls left out of Prebuilt.
	Skipped []string
}

// Engine holds the collaborators and settings shared by runs. Each Run owns
// its own index and results.
type Engine struct {
	embedder    gateway.Embedder
	generator   gateway.Generator
	cache       embedcache.Cache
	topK        int
	minSim      float64
	maxRetries  int
	policy      gateway.RetryPolicy
	pairTimeout time.Duration
	workers     int
	redactor    *redact.Redactor
	version     string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures an Engine.
type Option func(e *Engine)

// WithLogger sets the logger passed to every stage.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records run metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCache sets the embedding cache. The default caches nothing.
func WithCache(c embedcache.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithRetrieval sets top-k and the minimum similarity threshold.
func WithRetrieval(topK int, minSimilarity float64) Option {
	return func(e *Engine) {
		e.topK = topK
		e.minSim = minSimilarity
	}
}

// WithMaxRetries sets the extra generations allowed after malformed output.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithRetryPolicy sets how gateway calls are retried.
func WithRetryPolicy(p gateway.RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithPairTimeout bounds the classification of one pair. Zero means no limit.
func WithPairTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pairTimeout = d
	}
}

// WithWorkers bounds concurrent embedding and classification work.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithRedactor masks sensitive values in prompts.
func WithRedactor(r *redact.Redactor) Option {
	return func(e *Engine) {
		e.redactor = r
	}
}

// WithVersion sets the version recorded in reports.
func WithVersion(v string) Option {
	return func(e *Engine) {
		e.version = v
	}
}

// New constructs an Engine.
func New(embedder gateway.Embedder, generator gateway.Generator, opts ...Option) *Engine {
	e := &Engine{
		embedder:   embedder,
		generator:  generator,
		cache:      embedcache.Nop{},
		topK:       retrieve.DefaultTopK,
		maxRetries: classify.DefaultMaxRetries,
		policy:     gateway.DefaultRetryPolicy,
		workers:    retrieve.DefaultWorkers,
		version:    "dev",
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) retrieval(idx index.Index) *retrieve.Stage {
	return retrieve.New(e.embedder, idx,
		retrieve.WithCache(e.cache),
		retrieve.WithTopK(e.topK),
		retrieve.WithMinSimilarity(e.minSim),
		retrieve.WithRetryPolicy(e.policy),
		retrieve.WithWorkers(e.workers),
		retrieve.WithLogger(e.logger),
		retrieve.WithMetrics(e.metrics),
	)
}

// BuildIndex embeds objs and upserts them in order into a fresh, unsealed
// index. Objectives that cannot be embedded or indexed are skipped and
// their IDs returned; they never fail the build. The only error is ctx's.
func (e *Engine) BuildIndex(ctx context.Context, objs []control.Objective) (*index.Memory, []string, error) {
	idx := index.NewMemory()
	stage := e.retrieval(idx)

	embedded := make([]control.Objective, len(objs))
	errs := make([]error, len(objs))
	g := new(errgroup.Group)
	g.SetLimit(max(e.workers, 1))
	for i, o := range objs {
		g.Go(func() error {
			embedded[i], errs[i] = stage.Embed(ctx, o)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var skipped []string
	for i, o := range embedded {
		err := errs[i]
		if err == nil {
			err = idx.Upsert(ctx, o)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "regulatory control not indexed", "regulatory_id", o.ID, "error", err)
			skipped = append(skipped, o.ID)
		}
	}
	return idx, skipped, nil
}

// Run matches in.Internal against the regulatory corpus. Per-control and
// per-pair failures are recorded in the report; Run only fails on missing
// input or when ctx ends while the index is being built.
func (e *Engine) Run(ctx context.Context, in Input) (*schema.Report, error) {
	if in.Internal == nil {
		return nil, fmt.Errorf("%w: internal corpus", ErrNoInput)
	}
	if in.Regulatory == nil && in.Prebuilt == nil {
		return nil, fmt.Errorf("%w: regulatory corpus or index", ErrNoInput)
	}

	meta := schema.Meta{
		RunID:         uuid.NewString(),
		InternalFile:  in.Internal.Path,
		InternalHash:  in.Internal.Hash,
		Generator:     e.generator.ModelID(),
		Embedder:      e.embedder.ModelID(),
		TopK:          e.topK,
		MinSimilarity: e.minSim,
		MaxRetries:    e.maxRetries,
		StartedAt:     e.now().UTC(),
	}
	if in.Regulatory != nil {
		meta.RegulatoryFile, meta.RegulatoryHash = in.Regulatory.Path, in.Regulatory.Hash
	} else {
		meta.RegulatoryFile, meta.RegulatoryHash = in.PrebuiltManifest.CorpusPath, in.PrebuiltManifest.CorpusHash
	}
	if in.Prebuilt != nil {
		meta.SkippedRegulatory = in.Skipped
	}
	log := e.logger.With("run_id", meta.RunID)

	// Nothing to match: no index, no gateway traffic.
	if len(in.Internal.Objectives) == 0 {
		log.InfoContext(ctx, "internal corpus is empty")
		return e.finish(ctx, meta, nil, nil, nil, nil), nil
	}

	idx := in.Prebuilt
	if idx == nil {
		var (
			skipped []string
			err     error
		)
		log.InfoContext(ctx, "indexing regulatory corpus", "controls", len(in.Regulatory.Objectives))
		idx, skipped, err = e.BuildIndex(ctx, in.Regulatory.Objectives)
		if err != nil {
			return nil, fmt.Errorf("building index: %w", err)
		}
		meta.SkippedRegulatory = skipped
	}
	idx.MarkReady()
	log.InfoContext(ctx, "index ready", "controls", idx.Len())

	retrievals := e.retrieval(idx).Run(ctx, in.Internal.Objectives)

	outcomes := make([]report.Outcome, len(retrievals))
	var pairs []classify.Pair
	for i, r := range retrievals {
		outcomes[i] = report.Outcome{Control: r.Control, Candidates: r.Candidates, Err: r.Err}
		for _, m := range r.Candidates {
			reg, ok := idx.Get(m.RegulatoryControlID)
			if !ok {
				continue
			}
			pairs = append(pairs, classify.Pair{Match: m, Internal: r.Control, Regulatory: reg})
		}
	}
	log.InfoContext(ctx, "classifying candidate pairs", "pairs", len(pairs))

	classifier := classify.New(e.generator,
		classify.WithMaxRetries(e.maxRetries),
		classify.WithRetryPolicy(e.policy),
		classify.WithPairTimeout(e.pairTimeout),
		classify.WithWorkers(e.workers),
		classify.WithRedactor(e.redactor),
		classify.WithLogger(log),
		classify.WithMetrics(e.metrics),
	)
	var (
		verdicts []schema.Verdict
		failures []schema.Failure
	)
	for _, res := range classifier.Run(ctx, pairs) {
		if res.Verdict != nil {
			verdicts = append(verdicts, *res.Verdict)
		} else if res.Failure != nil {
			failures = append(failures, *res.Failure)
		}
	}
	return e.finish(ctx, meta, outcomes, verdicts, failures, idx.Objectives()), nil
}

func (e *Engine) finish(ctx context.Context, meta schema.Meta, outcomes []report.Outcome, verdicts []schema.Verdict, failures []schema.Failure, regulatory []control.Objective) *schema.Report {
	meta.FinishedAt = e.now().UTC()
	rep := report.Assemble(meta, outcomes, verdicts, failures, regulatory)
	rep.Tool = "regmatch"
	rep.Version = e.version
	for _, entry := range rep.Entries {
		e.metrics.IncrementControl(string(entry.Status))
	}
	e.logger.InfoContext(ctx, "run complete",
		"run_id", meta.RunID,
		"controls", rep.Summary.Controls,
		"complete", rep.Summary.Complete,
		"partial", rep.Summary.Partial,
		"unmatched", rep.Summary.Unmatched,
		"failed", rep.Summary.Failed,
	)
	return rep
}
