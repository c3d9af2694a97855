package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/engine"
	"github.com/finos-labs/regmatch/internal/index"
)

type indexFlags struct {
	configPath string
	out        string
	verbose    bool
	debug      bool
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage persisted regulatory indexes",
	}

	var flags indexFlags
	build := &cobra.Command{
		Use:   "build <regulatory-controls>",
		Short: "Embed a regulatory corpus and store it in a SQLite index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexBuild(cmd.Context(), args[0], flags)
		},
	}
	f := build.Flags()
	f.StringVar(&flags.configPath, "config", "", "YAML config file")
	f.StringVar(&flags.out, "out", "", "SQLite index file (default from config index.path)")
	f.BoolVar(&flags.verbose, "verbose", false, "Log processing steps to stderr")
	f.BoolVar(&flags.debug, "debug", false, "Log debug detail to stderr")

	cmd.AddCommand(build)
	return cmd
}

func runIndexBuild(ctx context.Context, regulatoryPath string, flags indexFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	logger := newLogger(flags.verbose, flags.debug)

	cfg, err := resolveConfig(flags.configPath, nil)
	if err != nil {
		return err
	}
	out := flags.out
	if out == "" {
		out = cfg.Index.Path
	}
	if out == "" {
		return codeError(exitInput, "--out or index.path is required")
	}

	regulatory, err := control.Load(regulatoryPath, control.SourceRegulatory)
	if err != nil {
		return codeError(exitInput, "loading regulatory controls: %s", err)
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	cache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	eng := engine.New(embedder, nil,
		engine.WithLogger(logger),
		engine.WithCache(cache),
		engine.WithRetryPolicy(retryPolicy(cfg)),
		engine.WithWorkers(cfg.Workers),
	)
	store, err := index.OpenStore(out)
	if err != nil {
		return codeError(exitInput, "opening index %s: %s", out, err)
	}
	defer store.Close()

	built, err := buildIndex(ctx, eng, store, embedder.ModelID(), regulatory, logger)
	if err != nil {
		return err
	}
	if len(built.skipped) > 0 {
		return codeError(exitRun, "%d regulatory control(s) could not be embedded, index not saved: %v",
			len(built.skipped), built.skipped)
	}
	fmt.Fprintf(os.Stdout, "indexed %d regulatory controls into %s\n", built.manifest.Count, out)
	return nil
}

// preparedIndex is an unsealed index ready to serve a run.
type preparedIndex struct {
	idx      *index.Memory
	manifest index.Manifest
	skipped  []string
}

// prepareIndex loads the index stored at path when it was built with
// modelID from the same regulatory corpus. Otherwise it builds the index
// from regulatory and stores it. With no regulatory corpus the stored
// index is used as is.
func prepareIndex(ctx context.Context, eng *engine.Engine, path, modelID string, regulatory *control.Corpus, logger *slog.Logger) (preparedIndex, error) {
	// Opening a missing store would create it, so check first when there is
	// nothing to build it from.
	if regulatory == nil {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return preparedIndex{}, codeError(exitInput, "index %s not found; run index build first or pass a regulatory corpus", path)
		}
	}
	store, err := index.OpenStore(path)
	if err != nil {
		return preparedIndex{}, codeError(exitInput, "opening index %s: %s", path, err)
	}
	defer store.Close()

	m, ok, err := store.Manifest(ctx)
	if err != nil {
		return preparedIndex{}, codeError(exitInput, "reading index %s: %s", path, err)
	}
	if regulatory == nil || (ok && m.ModelID == modelID && m.CorpusHash == regulatory.Hash) {
		idx, m, err := store.Load(ctx, modelID)
		if err != nil {
			if errors.Is(err, index.ErrModelMismatch) {
				return preparedIndex{}, codeError(exitInput, "index %s: %s; rebuild it with index build", path, err)
			}
			return preparedIndex{}, codeError(exitInput, "loading index %s: %s", path, err)
		}
		logger.Info("loaded regulatory index", "path", path, "controls", idx.Len(), "built_at", m.BuiltAt)
		return preparedIndex{idx: idx, manifest: m}, nil
	}

	logger.Info("regulatory index missing or stale, rebuilding", "path", path)
	return buildIndex(ctx, eng, store, modelID, regulatory, logger)
}

// buildIndex embeds regulatory through eng and replaces store's contents.
func buildIndex(ctx context.Context, eng *engine.Engine, store *index.Store, modelID string, regulatory *control.Corpus, logger *slog.Logger) (preparedIndex, error) {
	idx, skipped, err := eng.BuildIndex(ctx, regulatory.Objectives)
	if err != nil {
		return preparedIndex{}, codeError(exitRun, "building index: %s", err)
	}
	m := index.Manifest{
		ModelID:    modelID,
		CorpusPath: regulatory.Path,
		CorpusHash: regulatory.Hash,
		BuiltAt:    time.Now().UTC(),
		Count:      idx.Len(),
	}
	// A partially embedded corpus is not stored, so the next run retries it.
	if len(skipped) == 0 {
		if err := store.Save(ctx, m, idx.Objectives()); err != nil {
			return preparedIndex{}, codeError(exitInput, "saving index: %s", err)
		}
		logger.Info("saved regulatory index", "controls", m.Count)
	} else {
		logger.Warn("regulatory index not saved", "skipped", len(skipped))
	}
	return preparedIndex{idx: idx, manifest: m, skipped: skipped}, nil
}
