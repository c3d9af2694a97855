package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/finos-labs/regmatch/internal/gateway"
	"github.com/finos-labs/regmatch/internal/redact"
	"github.com/finos-labs/regmatch/internal/regdiff"
	"github.com/finos-labs/regmatch/internal/render"
)

type diffFlags struct {
	configPath string
	format     string
	out        string
	patchOut   string
	summarize  bool
	verbose    bool
	debug      bool
}

func newDiffCmd() *cobra.Command {
	var flags diffFlags
	cmd := &cobra.Command{
		Use:   "diff <old-regulation> <new-regulation>",
		Short: "Compare two versions of a regulation article by article",
		Long:  "diff splits both plain-text versions at CHAPTER and Article headings and reports which sections were added, removed or modified.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd.Context(), args[0], args[1], flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "YAML config file (used with --summarize)")
	f.StringVar(&flags.format, "format", "json", "Output format: json or md")
	f.StringVar(&flags.out, "out", "", "Write output to file instead of stdout")
	f.StringVar(&flags.patchOut, "patch-out", "", "Write per-section patches in diff-match-patch format to this file")
	f.BoolVar(&flags.summarize, "summarize", false, "Ask the generator for a plain-language summary of each changed section")
	f.BoolVar(&flags.verbose, "verbose", false, "Log processing steps to stderr")
	f.BoolVar(&flags.debug, "debug", false, "Log debug detail to stderr")
	return cmd
}

func runDiff(ctx context.Context, oldPath, newPath string, flags diffFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	logger := newLogger(flags.verbose, flags.debug)

	switch flags.format {
	case "json", "md":
	default:
		return codeError(exitInput, "invalid flags: --format must be json or md, got %q", flags.format)
	}

	oldText, err := os.ReadFile(oldPath)
	if err != nil {
		return codeError(exitInput, "reading %s: %s", oldPath, err)
	}
	newText, err := os.ReadFile(newPath)
	if err != nil {
		return codeError(exitInput, "reading %s: %s", newPath, err)
	}

	logger.Info("comparing", "old", oldPath, "new", newPath)
	result := regdiff.Compare(string(oldText), string(newText))

	if flags.summarize {
		cfg, err := resolveConfig(flags.configPath, nil)
		if err != nil {
			return err
		}
		redactor, err := redact.New(cfg.Redact.ExtraPatterns)
		if err != nil {
			return codeError(exitInput, "compiling redaction patterns: %s", err)
		}
		generator, err := gateway.NewGenerator(cfg.Generator, gateway.GenerateOptions{
			Temperature: &cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return codeError(exitGateway, "creating generator: %s", err)
		}
		s := &regdiff.Summarizer{
			Generator: gateway.LimitGenerator(generator, cfg.Gateway.Concurrency),
			Policy:    retryPolicy(cfg),
			Redactor:  redactor,
			Workers:   cfg.Workers,
			Logger:    logger,
		}
		logger.Info("summarizing changes", "generator", cfg.Generator)
		if failed := s.Summarize(ctx, result); failed > 0 {
			logger.Warn("some change summaries could not be generated", "failed", failed)
		}
	}

	// Patches are advisory; a failed write does not fail the command.
	if flags.patchOut != "" {
		var buf bytes.Buffer
		err := result.WritePatch(&buf)
		if err == nil {
			err = os.WriteFile(flags.patchOut, buf.Bytes(), 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: patch write failed: %s\n", err)
		}
	}

	out, err := render.Diff(flags.format, result)
	if err != nil {
		return codeError(exitInput, "rendering output: %s", err)
	}
	return writeOutput(flags.out, out)
}
