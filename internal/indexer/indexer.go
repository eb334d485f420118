package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/soundscope-mcp/internal/analysiscache"
	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/extractor"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// DefaultChunkSize is the number of candidates between progress reports
const DefaultChunkSize = 50

// Options configures an Indexer. Store, Codec and Extractor are required.
type Options struct {
	Store         storage.Storage
	Codec         *codec.Codec
	Extractor     extractor.FeatureExtractor
	Cache         *analysiscache.Cache    // optional
	AudioEmbedder extractor.AudioEmbedder // optional; opened once per run, closed by its owner
	TextEncoder   embedder.Embedder       // optional; required by EmbedTexts
	Index         *annindex.Index         // optional; kept in sync with upserts
	Logger        zerolog.Logger
}

// Indexer runs batch indexing: analyse audio files, build combined
// embeddings and upsert them into the store
type Indexer struct {
	store     storage.Storage
	codec     *codec.Codec
	extractor extractor.FeatureExtractor
	cache     *analysiscache.Cache
	audioEmb  extractor.AudioEmbedder
	text      embedder.Embedder
	index     *annindex.Index
	logger    zerolog.Logger

	lock IndexLock
}

// Candidate is one audio file to index for a song
type Candidate struct {
	AudioPath string
	SongID    int64
}

// Failure records why a candidate was not indexed
type Failure struct {
	AudioPath   string
	SongID      int64
	ContentType string // text items only
	Reason      string
}

// BatchResult summarises a run. Skipped candidates count as neither
// success nor failure.
type BatchResult struct {
	RunID        uuid.UUID
	Total        int
	SuccessCount int
	Skipped      int
	Failed       []Failure
	CacheHits    int
	CacheMisses  int
	Duration     time.Duration
	Cancelled    bool
}

// RunOptions controls a single run
type RunOptions struct {
	SkipExisting bool
	Workers      int // <=1 processes candidates sequentially
	ChunkSize    int // progress granularity; not a transaction boundary
	Reporter     ProgressReporter
}

// DefaultRunOptions skips already indexed paths and runs one worker
func DefaultRunOptions() RunOptions {
	return RunOptions{
		SkipExisting: true,
		Workers:      1,
		ChunkSize:    DefaultChunkSize,
	}
}

// New creates an indexer
func New(opts Options) (*Indexer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("feature extractor is required")
	}
	if opts.Store.Dimensions().Audio != opts.Codec.Dimension() {
		return nil, fmt.Errorf("store audio dimension %d does not match codec dimension %d: %w",
			opts.Store.Dimensions().Audio, opts.Codec.Dimension(), types.ErrDimensionMismatch)
	}

	return &Indexer{
		store:     opts.Store,
		codec:     opts.Codec,
		extractor: opts.Extractor,
		cache:     opts.Cache,
		audioEmb:  extractor.Serialize(opts.AudioEmbedder),
		text:      opts.TextEncoder,
		index:     opts.Index,
		logger:    opts.Logger,
	}, nil
}

// Running reports whether a run is in progress
func (idx *Indexer) Running() bool {
	return idx.lock.Held()
}

// RunBatch indexes candidates in order. Per-candidate failures are recorded
// in the result and never abort the run. A dimension mismatch is a
// configuration error: the run stops and the partial result is returned
// with the error. Cancellation is checked between candidates; the partial
// result is returned with ctx.Err().
func (idx *Indexer) RunBatch(ctx context.Context, candidates []Candidate, opts RunOptions) (*BatchResult, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	return idx.runBatch(ctx, candidates, opts)
}

// run holds the mutable state of one batch
type run struct {
	id        uuid.UUID
	start     time.Time
	total     int
	chunkSize int
	reporter  ProgressReporter

	mu       sync.Mutex
	result   *BatchResult
	failures []indexedFailure
	done     int
}

type indexedFailure struct {
	pos int
	Failure
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkipped
	outcomeFailed
)

type candidateResult struct {
	outcome  outcome
	reason   string
	cacheHit bool
	analysed bool // features came from the cache or the extractor
}

func newRun(total int, opts RunOptions) *run {
	r := &run{
		id:        uuid.New(),
		start:     time.Now(),
		total:     total,
		chunkSize: opts.ChunkSize,
		reporter:  opts.Reporter,
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	r.result = &BatchResult{RunID: r.id, Total: total}
	return r
}

// record tallies one finished candidate and reports progress at chunk boundaries
func (r *run) record(pos int, item Failure, res candidateResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch res.outcome {
	case outcomeSuccess:
		r.result.SuccessCount++
	case outcomeSkipped:
		r.result.Skipped++
	case outcomeFailed:
		item.Reason = res.reason
		r.failures = append(r.failures, indexedFailure{pos: pos, Failure: item})
	}
	if res.analysed {
		if res.cacheHit {
			r.result.CacheHits++
		} else {
			r.result.CacheMisses++
		}
	}

	r.done++
	if r.reporter != nil && (r.done%r.chunkSize == 0 || r.done == r.total) {
		p := newProgress(r.id, r.done, r.total, time.Since(r.start))
		p.Success = r.result.SuccessCount
		p.Skipped = r.result.Skipped
		p.Failed = len(r.failures)
		r.reporter.Report(p)
	}
}

// finish orders failures by input position and stamps the duration
func (r *run) finish() *BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	sort.Slice(r.failures, func(i, j int) bool { return r.failures[i].pos < r.failures[j].pos })
	r.result.Failed = make([]Failure, len(r.failures))
	for i, f := range r.failures {
		r.result.Failed[i] = f.Failure
	}
	r.result.Duration = time.Since(r.start)
	return r.result
}

func (idx *Indexer) runBatch(ctx context.Context, candidates []Candidate, opts RunOptions) (*BatchResult, error) {
	r := newRun(len(candidates), opts)
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	logger := idx.logger.With().Str("run_id", r.id.String()).Logger()
	logger.Info().
		Int("total", len(candidates)).
		Int("workers", workers).
		Bool("skip_existing", opts.SkipExisting).
		Msg("indexing run started")

	external := idx.openExternal(ctx, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for pos, c := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// An in-flight candidate finishes even if the run is cancelled
			res, err := idx.safeProcess(context.WithoutCancel(gctx), c, opts.SkipExisting, external, logger)
			if err != nil {
				return err
			}
			if res.outcome == outcomeFailed {
				logger.Warn().
					Str("audio_path", c.AudioPath).
					Int64("song_id", c.SongID).
					Str("reason", res.reason).
					Msg("candidate failed")
			}
			r.record(pos, Failure{AudioPath: c.AudioPath, SongID: c.SongID}, res)
			return nil
		})
	}

	fatal := g.Wait()
	result := r.finish()

	if fatal == nil && ctx.Err() != nil {
		result.Cancelled = true
		fatal = ctx.Err()
	}

	event := logger.Info()
	if fatal != nil {
		event = logger.Error().Err(fatal)
	}
	event.
		Int("success", result.SuccessCount).
		Int("skipped", result.Skipped).
		Int("failed", len(result.Failed)).
		Int("cache_hits", result.CacheHits).
		Int("cache_misses", result.CacheMisses).
		Dur("elapsed", result.Duration).
		Bool("cancelled", result.Cancelled).
		Msg("indexing run finished")

	return result, fatal
}

// openExternal opens the optional audio model for the run. Failure is not
// an error: the run proceeds with zero-filled external embeddings.
func (idx *Indexer) openExternal(ctx context.Context, logger zerolog.Logger) bool {
	if idx.audioEmb == nil {
		return false
	}
	if err := idx.audioEmb.Open(ctx); err != nil {
		logger.Warn().Err(err).Msg("audio embedding model unavailable, indexing local features only")
		return false
	}
	return true
}

// safeProcess runs processCandidate and turns a panic in a collaborator
// into a failed candidate
func (idx *Indexer) safeProcess(ctx context.Context, c Candidate, skipExisting, external bool, logger zerolog.Logger) (res candidateResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Str("audio_path", c.AudioPath).
				Interface("panic", p).
				Msg("candidate processing panicked")
			res = candidateResult{outcome: outcomeFailed, reason: fmt.Sprintf("panic: %v", p)}
			err = nil
		}
	}()
	return idx.processCandidate(ctx, c, skipExisting, external, logger)
}

// processCandidate runs one candidate through
// skip check -> analysis (cache or extractor) -> external model -> codec -> upsert.
// The returned error is fatal to the run; recoverable problems are reported
// through the result.
func (idx *Indexer) processCandidate(ctx context.Context, c Candidate, skipExisting, external bool, logger zerolog.Logger) (candidateResult, error) {
	failed := func(format string, args ...interface{}) (candidateResult, error) {
		return candidateResult{outcome: outcomeFailed, reason: fmt.Sprintf(format, args...)}, nil
	}

	if c.AudioPath == "" {
		return failed("empty audio path")
	}

	if skipExisting {
		exists, err := idx.store.HasAudioEmbedding(ctx, c.AudioPath)
		if err != nil {
			return failed("check existing embedding: %v", err)
		}
		if exists {
			return candidateResult{outcome: outcomeSkipped}, nil
		}
	}

	raw, cacheHit, err := idx.analyse(ctx, c.AudioPath, logger)
	if err != nil {
		return failed("%v", err)
	}
	res := candidateResult{analysed: true, cacheHit: cacheHit}

	var ext []float32
	if external {
		ext = idx.embedExternal(ctx, c.AudioPath, logger)
	}

	vector, err := idx.codec.Combine(raw, ext)
	if err != nil {
		return res, err
	}

	rec := &storage.AudioEmbedding{
		SongID:    c.SongID,
		AudioPath: c.AudioPath,
		Vector:    vector,
		External:  ext,
		Features:  *raw,
	}
	if err := idx.store.UpsertAudioEmbedding(ctx, rec); err != nil {
		if errors.Is(err, types.ErrDimensionMismatch) {
			return res, err
		}
		res.outcome = outcomeFailed
		res.reason = err.Error()
		return res, nil
	}

	if idx.index != nil {
		if err := idx.index.Upsert(c.SongID, c.AudioPath, vector); err != nil {
			logger.Warn().Err(err).Str("audio_path", c.AudioPath).Msg("failed to update candidate index")
		}
	}

	res.outcome = outcomeSuccess
	return res, nil
}

// analyse returns the raw features of path, from the cache when its content
// is unchanged. An unavailable cache degrades to extraction without caching.
func (idx *Indexer) analyse(ctx context.Context, path string, logger zerolog.Logger) (*types.RawFeatureSet, bool, error) {
	useCache := idx.cache != nil
	if useCache {
		raw, ok, err := idx.cache.Lookup(ctx, path)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("audio_path", path).Msg("analysis cache unavailable, extracting without cache")
			useCache = false
		case ok:
			return raw, true, nil
		}
	}

	raw, err := idx.extractor.Extract(ctx, path)
	if err != nil {
		return nil, false, err
	}

	if useCache {
		if err := idx.cache.Store(ctx, path, raw); err != nil {
			logger.Warn().Err(err).Str("audio_path", path).Msg("failed to cache analysis")
		}
	}
	return raw, false, nil
}

// embedExternal asks the audio model for an embedding; any failure zero-fills
func (idx *Indexer) embedExternal(ctx context.Context, path string, logger zerolog.Logger) []float32 {
	ext, err := idx.audioEmb.Embed(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Str("audio_path", path).Msg("audio embedding failed, zero-filling")
		return nil
	}
	if len(ext) != idx.codec.ExternalDim() {
		logger.Warn().
			Str("audio_path", path).
			Int("got", len(ext)).
			Int("want", idx.codec.ExternalDim()).
			Msg("audio embedding has unexpected dimension, zero-filling")
		return nil
	}
	return ext
}
