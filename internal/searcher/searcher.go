package searcher

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/soundscope-mcp/internal/analysiscache"
	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/extractor"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// Defaults applied when a query leaves a parameter unset
const (
	DefaultThreshold   = 0.5
	DefaultLimit       = 10
	DefaultMaxLimit    = 100
	DefaultAudioWeight = 0.6
	DefaultTextWeight  = 0.4
	DefaultCacheSize   = 128
)

// Options configures an Engine. Store, Codec and Extractor are required.
type Options struct {
	Store         storage.Storage
	Codec         *codec.Codec
	Extractor     extractor.FeatureExtractor
	AudioEmbedder extractor.AudioEmbedder // optional; nil zero-fills the external part
	TextEncoder   embedder.Embedder       // optional; nil limits text search to keywords
	Index         *annindex.Index         // optional candidate index for unfiltered audio queries
	Logger        zerolog.Logger

	DefaultThreshold float64
	DefaultLimit     int
	MaxLimit         int
	AudioWeight      float64
	TextWeight       float64
	QueryCacheSize   int // <0 disables the query-embedding cache
}

// Engine answers read-only song queries over the embedding store
type Engine struct {
	store     storage.Storage
	codec     *codec.Codec
	extractor extractor.FeatureExtractor
	audioEmb  extractor.AudioEmbedder
	text      embedder.Embedder
	index     *annindex.Index
	logger    zerolog.Logger

	threshold   float64
	limit       int
	maxLimit    int
	audioWeight float64
	textWeight  float64

	queries *lru.Cache[[32]byte, []float32] // file content hash -> combined vector
}

// New creates a search engine
func New(opts Options) (*Engine, error) {
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

	e := &Engine{
		store:       opts.Store,
		codec:       opts.Codec,
		extractor:   opts.Extractor,
		audioEmb:    extractor.Serialize(opts.AudioEmbedder),
		text:        opts.TextEncoder,
		index:       opts.Index,
		logger:      opts.Logger,
		threshold:   opts.DefaultThreshold,
		limit:       opts.DefaultLimit,
		maxLimit:    opts.MaxLimit,
		audioWeight: opts.AudioWeight,
		textWeight:  opts.TextWeight,
	}

	if e.threshold == 0 {
		e.threshold = DefaultThreshold
	}
	if e.limit <= 0 {
		e.limit = DefaultLimit
	}
	if e.maxLimit <= 0 {
		e.maxLimit = DefaultMaxLimit
	}
	if e.audioWeight == 0 && e.textWeight == 0 {
		e.audioWeight = DefaultAudioWeight
		e.textWeight = DefaultTextWeight
	}
	if e.audioWeight < 0 || e.textWeight < 0 {
		return nil, errors.New("hybrid weights must be non-negative")
	}

	size := opts.QueryCacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		cache, err := lru.New[[32]byte, []float32](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		e.queries = cache
	}

	return e, nil
}

// AudioQuery asks for songs that sound like an audio file
type AudioQuery struct {
	AudioPath string
	Threshold *float64 // nil uses the engine default
	Limit     int
	MinTempo  *float64
	MaxTempo  *float64
}

// SongQuery asks for songs that sound like an indexed song
type SongQuery struct {
	SongID    int64
	Threshold *float64
	Limit     int
	MinTempo  *float64
	MaxTempo  *float64
}

// SimilarByAudio embeds the query file and ranks indexed songs by audio
// similarity, best first
func (e *Engine) SimilarByAudio(ctx context.Context, q AudioQuery) ([]types.SongResult, error) {
	if q.AudioPath == "" {
		return nil, fmt.Errorf("audio path cannot be empty: %w", types.ErrInvalidQuery)
	}
	threshold, err := e.resolveThreshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	if err := validateTempoBounds(q.MinTempo, q.MaxTempo); err != nil {
		return nil, err
	}
	limit := e.resolveLimit(q.Limit)

	vector, err := e.EmbedAudio(ctx, q.AudioPath)
	if err != nil {
		return nil, err
	}

	filters := &storage.SearchFilters{
		MinSimilarity: threshold,
		MinTempo:      q.MinTempo,
		MaxTempo:      q.MaxTempo,
	}
	matches, err := e.rankAudio(ctx, vector, limit, filters)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, audioResults(matches))
}

// SimilarToSong ranks songs by similarity to the stored embedding of an
// indexed song. The seed song is never part of the result. A seed without
// an embedding yields an empty result.
func (e *Engine) SimilarToSong(ctx context.Context, q SongQuery) ([]types.SongResult, error) {
	if q.SongID <= 0 {
		return nil, fmt.Errorf("song ID must be positive: %w", types.ErrInvalidQuery)
	}
	threshold, err := e.resolveThreshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	if err := validateTempoBounds(q.MinTempo, q.MaxTempo); err != nil {
		return nil, err
	}
	limit := e.resolveLimit(q.Limit)

	seed, err := e.seedVector(ctx, q.SongID)
	if err != nil || seed == nil {
		return []types.SongResult{}, err
	}

	filters := &storage.SearchFilters{
		MinSimilarity:  threshold,
		MinTempo:       q.MinTempo,
		MaxTempo:       q.MaxTempo,
		ExcludeSongIDs: []int64{q.SongID},
	}
	matches, err := e.rankAudio(ctx, seed, limit, filters)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, audioResults(matches))
}

// seedVector loads the stored vector of songID; nil when the song has no embedding
func (e *Engine) seedVector(ctx context.Context, songID int64) ([]float32, error) {
	rec, err := e.store.GetAudioEmbedding(ctx, songID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug().Int64("song_id", songID).Msg("seed song has no audio embedding")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load seed embedding: %w", err)
	}
	return rec.Vector, nil
}

// EmbedAudio turns an audio file into a combined embedding, reusing the
// vector of previously seen identical content
func (e *Engine) EmbedAudio(ctx context.Context, audioPath string) ([]float32, error) {
	var key [32]byte
	cacheable := false
	if e.queries != nil {
		hash, err := analysiscache.HashFile(ctx, audioPath)
		if err == nil {
			key, cacheable = hash, true
			if v, ok := e.queries.Get(key); ok {
				return copyVector(v), nil
			}
		}
	}

	raw, err := e.extractor.Extract(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	var external []float32
	if e.audioEmb != nil {
		external = e.embedExternal(ctx, audioPath)
	}

	vector, err := e.codec.Combine(raw, external)
	if err != nil {
		return nil, err
	}

	if cacheable {
		e.queries.Add(key, copyVector(vector))
	}
	return vector, nil
}

// embedExternal runs the optional audio model; any failure zero-fills
func (e *Engine) embedExternal(ctx context.Context, audioPath string) []float32 {
	if err := e.audioEmb.Open(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("audio embedding model unavailable, using local features only")
		return nil
	}
	external, err := e.audioEmb.Embed(ctx, audioPath)
	if err != nil {
		e.logger.Warn().Err(err).Str("audio_path", audioPath).Msg("audio embedding failed, using local features only")
		return nil
	}
	if len(external) != e.codec.ExternalDim() {
		e.logger.Warn().Int("got", len(external)).Int("want", e.codec.ExternalDim()).
			Msg("audio embedding has unexpected dimension, using local features only")
		return nil
	}
	return external
}

// rankAudio ranks stored audio vectors against query. Unfiltered queries go
// through the candidate index when one is configured.
func (e *Engine) rankAudio(ctx context.Context, query []float32, limit int, filters *storage.SearchFilters) ([]storage.VectorResult, error) {
	if codec.IsZero(query) {
		return []storage.VectorResult{}, nil
	}

	if e.index != nil && e.index.Len() > 0 && filters.MinTempo == nil && filters.MaxTempo == nil {
		return e.rankWithIndex(query, limit, filters), nil
	}

	results, err := e.store.SearchAudio(ctx, query, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("audio search failed: %w", err)
	}
	return results, nil
}

func (e *Engine) rankWithIndex(query []float32, limit int, filters *storage.SearchFilters) []storage.VectorResult {
	k := limit*4 + len(filters.ExcludeSongIDs)
	if k < 50 {
		k = 50
	}

	excluded := make(map[int64]struct{}, len(filters.ExcludeSongIDs))
	for _, id := range filters.ExcludeSongIDs {
		excluded[id] = struct{}{}
	}

	results := make([]storage.VectorResult, 0, limit)
	for _, c := range e.index.Search(query, k) {
		if c.Similarity < filters.MinSimilarity {
			break
		}
		if _, skip := excluded[c.SongID]; skip {
			continue
		}
		results = append(results, storage.VectorResult{
			SongID:     c.SongID,
			AudioPath:  c.AudioPath,
			Similarity: c.Similarity,
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

// Helper functions

func (e *Engine) resolveLimit(limit int) int {
	if limit <= 0 {
		return e.limit
	}
	if limit > e.maxLimit {
		return e.maxLimit
	}
	return limit
}

func (e *Engine) resolveThreshold(threshold *float64) (float64, error) {
	if threshold == nil {
		return e.threshold, nil
	}
	if *threshold < -1 || *threshold > 1 {
		return 0, fmt.Errorf("threshold %.3f outside [-1, 1]: %w", *threshold, types.ErrInvalidQuery)
	}
	return *threshold, nil
}

func validateTempoBounds(minTempo, maxTempo *float64) error {
	if minTempo != nil && *minTempo < 0 {
		return fmt.Errorf("min tempo cannot be negative: %w", types.ErrInvalidQuery)
	}
	if maxTempo != nil && *maxTempo < 0 {
		return fmt.Errorf("max tempo cannot be negative: %w", types.ErrInvalidQuery)
	}
	if minTempo != nil && maxTempo != nil && *minTempo > *maxTempo {
		return fmt.Errorf("min tempo %.1f exceeds max tempo %.1f: %w", *minTempo, *maxTempo, types.ErrInvalidQuery)
	}
	return nil
}

func audioResults(matches []storage.VectorResult) []types.SongResult {
	results := make([]types.SongResult, len(matches))
	for i, m := range matches {
		results[i] = types.SongResult{
			SongID:     m.SongID,
			AudioPath:  m.AudioPath,
			Similarity: m.Similarity,
			AudioScore: m.Similarity,
		}
	}
	return results
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
