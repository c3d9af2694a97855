package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/finos-labs/regmatch/internal/config"
	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/embedcache"
	"github.com/finos-labs/regmatch/internal/engine"
	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/metrics"
	"github.com/finos-labs/regmatch/internal/redact"
	"github.com/finos-labs/regmatch/internal/render"
	"github.com/finos-labs/regmatch/internal/report"
)

// matchFlags holds the parsed flags for the match command. Numeric flags
// left at their sentinel defaults keep the configured value.
type matchFlags struct {
	configPath    string
	format        string
	out           string
	failOn        string
	indexPath     string
	metricsOut    string
	topK          int
	minSimilarity float64
	maxRetries    int
	temperature   float64
	maxTokens     int
	controls      []string
	verbose       bool
	debug         bool
}

func defaultMatchFlags() matchFlags {
	return matchFlags{minSimilarity: -1, maxRetries: -1, temperature: -1}
}

func newMatchCmd() *cobra.Command {
	flags := defaultMatchFlags()
	cmd := &cobra.Command{
		Use:   "match <internal-controls> [regulatory-controls]",
		Short: "Match internal controls against a regulatory corpus and produce a report",
		Long: "match embeds the regulatory corpus (or loads it from --index), retrieves the closest regulatory controls for each internal control and classifies every candidate pair.\n" +
			"Corpora are .json, .yaml or .csv files. The regulatory corpus may be omitted when --index names a built index.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			regulatory := ""
			if len(args) == 2 {
				regulatory = args[1]
			}
			return runMatch(cmd.Context(), args[0], regulatory, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "YAML config file")
	f.StringVar(&flags.format, "format", "", "Output format: json, md or csv (default from config)")
	f.StringVar(&flags.out, "out", "", "Write output to file instead of stdout")
	f.StringVar(&flags.failOn, "fail-on", "", "Exit 2 if the report has gaps at this level: failed, unmatched or partial")
	f.StringVar(&flags.indexPath, "index", "", "SQLite regulatory index; rebuilt when missing or stale")
	f.StringVar(&flags.metricsOut, "metrics-out", "", "Write run metrics in Prometheus text format to this file")
	f.IntVar(&flags.topK, "top-k", 0, "Candidates retrieved per internal control (default from config)")
	f.Float64Var(&flags.minSimilarity, "min-similarity", -1, "Drop candidates scoring below this cosine similarity (default from config)")
	f.IntVar(&flags.maxRetries, "max-retries", -1, "Extra generations after malformed model output (default from config)")
	f.Float64Var(&flags.temperature, "temperature", -1, "LLM temperature (default from config)")
	f.IntVar(&flags.maxTokens, "max-tokens", 0, "Maximum response tokens (default from config)")
	f.StringSliceVar(&flags.controls, "controls", nil, "Match only these internal control ids, comma-separated (default from config controls, else all)")
	f.BoolVar(&flags.verbose, "verbose", false, "Log processing steps to stderr")
	f.BoolVar(&flags.debug, "debug", false, "Log debug detail, including gateway retries, to stderr")
	return cmd
}

func runMatch(ctx context.Context, internalPath, regulatoryPath string, flags matchFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	logger := newLogger(flags.verbose, flags.debug)

	// --- Step 1: Validate flags and resolve configuration ---
	if err := validateMatchFlags(flags); err != nil {
		return codeError(exitInput, "invalid flags: %s", err)
	}
	cfg, err := resolveConfig(flags.configPath, func(c *config.Config) { applyMatchFlags(c, flags) })
	if err != nil {
		return err
	}
	if regulatoryPath == "" && cfg.Index.Path == "" {
		return codeError(exitInput, "a regulatory corpus or --index is required")
	}

	// --- Step 2: Load corpora ---
	logger.Info("loading internal controls", "path", internalPath)
	internal, err := control.Load(internalPath, control.SourceInternal)
	if err != nil {
		return codeError(exitInput, "loading internal controls: %s", err)
	}
	if err := internal.Select(cfg.Controls); err != nil {
		return codeError(exitInput, "selecting controls: %s", err)
	}
	if len(cfg.Controls) > 0 {
		logger.Info("selected internal controls", "count", len(internal.Objectives))
	}
	var regulatory *control.Corpus
	if regulatoryPath != "" {
		logger.Info("loading regulatory controls", "path", regulatoryPath)
		if regulatory, err = control.Load(regulatoryPath, control.SourceRegulatory); err != nil {
			return codeError(exitInput, "loading regulatory controls: %s", err)
		}
	}
	redactor, err := redact.New(cfg.Redact.ExtraPatterns)
	if err != nil {
		return codeError(exitInput, "compiling redaction patterns: %s", err)
	}

	// --- Step 3: Create gateways ---
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	generator, err := gateway.NewGenerator(cfg.Generator, gateway.GenerateOptions{
		Temperature: &cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return codeError(exitGateway, "creating generator: %s", err)
	}
	generator = gateway.LimitGenerator(generator, cfg.Gateway.Concurrency)

	cache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	m := metrics.New()
	eng := engine.New(embedder, generator,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithCache(cache),
		engine.WithRetrieval(cfg.TopK, cfg.MinSimilarity),
		engine.WithMaxRetries(cfg.MaxRetries),
		engine.WithRetryPolicy(retryPolicy(cfg)),
		engine.WithPairTimeout(cfg.Gateway.PairTimeout),
		engine.WithWorkers(cfg.Workers),
		engine.WithRedactor(redactor),
		engine.WithVersion(version),
	)

	// --- Step 4: Prepare the regulatory index ---
	in := engine.Input{Internal: internal, Regulatory: regulatory}
	if cfg.Index.Path != "" && (len(internal.Objectives) > 0 || regulatory == nil) {
		prepared, err := prepareIndex(ctx, eng, cfg.Index.Path, embedder.ModelID(), regulatory, logger)
		if err != nil {
			return err
		}
		in.Prebuilt, in.PrebuiltManifest, in.Skipped = prepared.idx, prepared.manifest, prepared.skipped
	}

	// --- Step 5: Run ---
	logger.Info("matching", "internal", len(internal.Objectives), "generator", cfg.Generator, "embedder", cfg.Embedder)
	rep, err := eng.Run(ctx, in)
	if err != nil {
		return codeError(exitRun, "%s", err)
	}

	// --- Step 6: Metrics (advisory) ---
	if flags.metricsOut != "" {
		if err := m.WriteFile(flags.metricsOut); err != nil {
			logger.Warn("metrics write failed", "path", flags.metricsOut, "error", err)
		}
	}

	// --- Step 7: Render and write output ---
	renderer, err := render.NewRenderer(cfg.Output.Format)
	if err != nil {
		return codeError(exitInput, "invalid format: %s", err)
	}
	out, err := renderer.Render(rep)
	if err != nil {
		return codeError(exitInput, "rendering output: %s", err)
	}
	if err := writeOutput(flags.out, out); err != nil {
		return err
	}

	// --- Step 8: Evaluate --fail-on ---
	if report.Exceeds(rep.Summary, flags.failOn) {
		return codeError(exitFailOn, "report has %s gaps (complete %d, partial %d, unmatched %d, failed %d)",
			flags.failOn, rep.Summary.Complete, rep.Summary.Partial, rep.Summary.Unmatched, rep.Summary.Failed)
	}
	return nil
}

// validateMatchFlags returns an error if any flag value is invalid. Ranges
// of configurable values are checked by config.Validate after merging.
func validateMatchFlags(flags matchFlags) error {
	switch flags.format {
	case "", "json", "md", "csv":
	default:
		return fmt.Errorf("--format must be json, md or csv, got %q", flags.format)
	}
	switch flags.failOn {
	case "", report.FailOnFailed, report.FailOnUnmatched, report.FailOnPartial:
	default:
		return fmt.Errorf("--fail-on must be failed, unmatched or partial, got %q", flags.failOn)
	}
	if flags.topK < 0 {
		return fmt.Errorf("--top-k must be positive, got %d", flags.topK)
	}
	return nil
}

// applyMatchFlags overrides cfg with every flag that was set.
func applyMatchFlags(cfg *config.Config, flags matchFlags) {
	if flags.format != "" {
		cfg.Output.Format = flags.format
	}
	if flags.indexPath != "" {
		cfg.Index.Path = flags.indexPath
	}
	if flags.topK > 0 {
		cfg.TopK = flags.topK
	}
	if flags.minSimilarity >= 0 {
		cfg.MinSimilarity = flags.minSimilarity
	}
	if flags.maxRetries >= 0 {
		cfg.MaxRetries = flags.maxRetries
	}
	if flags.temperature >= 0 {
		cfg.Temperature = flags.temperature
	}
	if flags.maxTokens > 0 {
		cfg.MaxTokens = flags.maxTokens
	}
	if len(flags.controls) > 0 {
		cfg.Controls = flags.controls
	}
}

// resolveConfig layers the config file, the environment and the command's
// flags, then validates the result.
func resolveConfig(path string, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, codeError(exitInput, "loading config: %s", err)
	}
	cfg.ApplyEnv()
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, codeError(exitInput, "%s", err)
	}
	return cfg, nil
}

func newEmbedder(cfg *config.Config) (gateway.Embedder, error) {
	embedder, err := gateway.NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, codeError(exitGateway, "creating embedder: %s", err)
	}
	return gateway.LimitEmbedder(embedder, cfg.Gateway.Concurrency), nil
}

func openCache(ctx context.Context, cfg *config.Config) (embedcache.Cache, error) {
	cache, err := embedcache.Open(ctx, cfg.Cache.Backend, embedcache.Options{
		Path:      cfg.Cache.Path,
		RedisAddr: cfg.Cache.RedisAddr,
		TTL:       cfg.Cache.TTL,
	})
	if err != nil {
		return nil, codeError(exitInput, "opening embedding cache: %s", err)
	}
	return cache, nil
}

func retryPolicy(cfg *config.Config) gateway.RetryPolicy {
	return gateway.RetryPolicy{
		Attempts:       cfg.Gateway.Retries,
		InitialBackoff: cfg.Gateway.InitialBackoff,
		MaxBackoff:     cfg.Gateway.MaxBackoff,
		Timeout:        cfg.Gateway.Timeout,
	}
}
