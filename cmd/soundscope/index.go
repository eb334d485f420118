package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/dshills/soundscope-mcp/internal/catalog"
	"github.com/dshills/soundscope-mcp/internal/indexer"
)

// runIndex syncs a catalog manifest into the store, indexes its audio files
// and, when a text encoder is configured, embeds its song texts
func runIndex(ctx context.Context, a *app, manifestPath string) error {
	manifest, err := catalog.Load(manifestPath)
	if err != nil {
		return err
	}
	synced, err := manifest.Sync(ctx, a.store)
	if err != nil {
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	a.logger.Info().Int("songs", synced).Str("catalog", manifestPath).Msg("catalog synced")

	candidates, unresolved := manifest.Candidates()
	for _, f := range unresolved {
		a.logger.Warn().Int64("song_id", f.SongID).Str("audio_path", f.AudioPath).Str("reason", f.Reason).Msg("audio location skipped")
	}

	result, runErr := runWithProgress(ctx, "Indexing audio: ", len(candidates), func(opts indexer.RunOptions) (*indexer.BatchResult, error) {
		return a.indexer.RunBatch(ctx, candidates, opts)
	}, a.runOptions())
	if result != nil {
		printSummary("audio", result, len(unresolved))
	}
	if runErr != nil {
		return fmt.Errorf("audio indexing stopped: %w", runErr)
	}

	if a.text == nil {
		return nil
	}
	items := manifest.TextItems()
	textResult, err := runWithProgress(ctx, "Embedding text:  ", len(items), func(opts indexer.RunOptions) (*indexer.BatchResult, error) {
		return a.indexer.EmbedTexts(ctx, items, opts)
	}, a.runOptions())
	if textResult != nil {
		printSummary("text", textResult, 0)
	}
	if err != nil {
		return fmt.Errorf("text embedding stopped: %w", err)
	}
	return nil
}

// runWithProgress drives an mpb bar from the run's progress reports
func runWithProgress(ctx context.Context, name string, total int, run func(indexer.RunOptions) (*indexer.BatchResult, error), opts indexer.RunOptions) (*indexer.BatchResult, error) {
	if total == 0 {
		return run(opts)
	}

	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.AverageETA(decor.ET_STYLE_GO),
		),
	)
	opts.Reporter = indexer.ReporterFunc(func(pr indexer.Progress) {
		bar.SetCurrent(int64(pr.Done))
	})

	result, err := run(opts)
	if !bar.Completed() {
		bar.Abort(false)
	}
	p.Wait()
	return result, err
}

func printSummary(kind string, r *indexer.BatchResult, unresolved int) {
	fmt.Fprintf(os.Stderr, "%s run %s: %d/%d indexed, %d skipped, %d failed",
		kind, r.RunID, r.SuccessCount, r.Total, r.Skipped, len(r.Failed)+unresolved)
	if r.CacheHits+r.CacheMisses > 0 {
		fmt.Fprintf(os.Stderr, ", cache %d hit / %d miss", r.CacheHits, r.CacheMisses)
	}
	fmt.Fprintf(os.Stderr, " in %s\n", r.Duration.Round(time.Millisecond))
	if r.Cancelled {
		fmt.Fprintln(os.Stderr, "run was cancelled; re-run to finish the remaining files")
	}
	for _, f := range r.Failed {
		fmt.Fprintf(os.Stderr, "  song %d %s: %s\n", f.SongID, f.AudioPath, f.Reason)
	}
}
