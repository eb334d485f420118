package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// ErrNoTextEncoder is returned by EmbedTexts when no text encoder is configured
var ErrNoTextEncoder = errors.New("no text encoder configured")

// TextItem is one piece of song text to embed
type TextItem struct {
	SongID      int64
	ContentType string // e.g. "description", "lyrics"
	Content     string
}

// EmbedTexts encodes and stores text embeddings with the same failure
// isolation as RunBatch. With SkipExisting, items whose stored content is
// unchanged are skipped.
func (idx *Indexer) EmbedTexts(ctx context.Context, items []TextItem, opts RunOptions) (*BatchResult, error) {
	if idx.text == nil {
		return nil, ErrNoTextEncoder
	}
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	r := newRun(len(items), opts)
	logger := idx.logger.With().Str("run_id", r.id.String()).Logger()
	logger.Info().Int("total", len(items)).Str("provider", idx.text.Provider()).Msg("text embedding run started")

	var fatal error
	for pos, item := range items {
		if ctx.Err() != nil {
			break
		}

		res, err := idx.embedText(context.WithoutCancel(ctx), item, opts.SkipExisting)
		if err != nil {
			fatal = err
			break
		}
		if res.outcome == outcomeFailed {
			logger.Warn().
				Int64("song_id", item.SongID).
				Str("content_type", item.ContentType).
				Str("reason", res.reason).
				Msg("text item failed")
		}
		r.record(pos, Failure{SongID: item.SongID, ContentType: item.ContentType}, res)
	}

	result := r.finish()
	if fatal == nil && ctx.Err() != nil {
		result.Cancelled = true
		fatal = ctx.Err()
	}

	logger.Info().
		Int("success", result.SuccessCount).
		Int("skipped", result.Skipped).
		Int("failed", len(result.Failed)).
		Dur("elapsed", result.Duration).
		Msg("text embedding run finished")
	return result, fatal
}

func (idx *Indexer) embedText(ctx context.Context, item TextItem, skipExisting bool) (candidateResult, error) {
	failed := func(format string, args ...interface{}) (candidateResult, error) {
		return candidateResult{outcome: outcomeFailed, reason: fmt.Sprintf(format, args...)}, nil
	}

	if item.SongID <= 0 {
		return failed("invalid song ID %d", item.SongID)
	}
	if item.ContentType == "" {
		return failed("empty content type")
	}
	if strings.TrimSpace(item.Content) == "" {
		return failed("empty content")
	}

	if skipExisting {
		existing, err := idx.store.GetTextEmbedding(ctx, item.SongID, item.ContentType)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return failed("check existing embedding: %v", err)
		}
		if existing != nil && existing.Content == item.Content {
			return candidateResult{outcome: outcomeSkipped}, nil
		}
	}

	emb, err := idx.text.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: item.Content})
	if err != nil {
		return failed("encode text: %v", err)
	}

	rec := &storage.TextEmbedding{
		SongID:      item.SongID,
		ContentType: item.ContentType,
		Content:     item.Content,
		Vector:      emb.Vector,
	}
	if err := idx.store.UpsertTextEmbedding(ctx, rec); err != nil {
		if errors.Is(err, types.ErrDimensionMismatch) {
			return candidateResult{}, err
		}
		return failed("%v", err)
	}
	return candidateResult{outcome: outcomeSuccess}, nil
}
