package searcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// TempoQuery asks for songs within a tempo range. Either bound may be nil.
type TempoQuery struct {
	MinTempo *float64
	MaxTempo *float64
	Limit    int
}

// TempoAudioQuery asks for songs near a target tempo, optionally ordered by
// similarity to a reference file or indexed song
type TempoAudioQuery struct {
	TargetTempo     float64
	Tolerance       float64
	ReferencePath   string
	ReferenceSongID int64
	Threshold       *float64 // applies to the reference ordering only; nil keeps every comparable song
	Limit           int
}

// TempoRange lists songs whose effective tempo lies in the inclusive range,
// slowest first
func (e *Engine) TempoRange(ctx context.Context, q TempoQuery) ([]types.SongResult, error) {
	if err := validateTempoBounds(q.MinTempo, q.MaxTempo); err != nil {
		return nil, err
	}
	limit := e.resolveLimit(q.Limit)

	matches, err := e.store.SearchTempo(ctx, q.MinTempo, q.MaxTempo, limit)
	if err != nil {
		return nil, fmt.Errorf("tempo search failed: %w", err)
	}

	results := make([]types.SongResult, len(matches))
	for i, m := range matches {
		results[i] = types.SongResult{SongID: m.SongID}
	}
	return e.hydrate(ctx, results)
}

// TempoAndAudio filters songs to [target-tolerance, target+tolerance]. With
// a reference the window is ordered by audio similarity, otherwise by
// distance from the target tempo.
func (e *Engine) TempoAndAudio(ctx context.Context, q TempoAudioQuery) ([]types.SongResult, error) {
	if q.TargetTempo <= 0 {
		return nil, fmt.Errorf("target tempo must be positive: %w", types.ErrInvalidQuery)
	}
	if q.Tolerance < 0 {
		return nil, fmt.Errorf("tempo tolerance cannot be negative: %w", types.ErrInvalidQuery)
	}
	if q.ReferencePath != "" && q.ReferenceSongID != 0 {
		return nil, fmt.Errorf("give either a reference path or a reference song: %w", types.ErrInvalidQuery)
	}
	threshold := -1.0
	if q.Threshold != nil {
		t, err := e.resolveThreshold(q.Threshold)
		if err != nil {
			return nil, err
		}
		threshold = t
	}
	limit := e.resolveLimit(q.Limit)

	lo := math.Max(0, q.TargetTempo-q.Tolerance)
	hi := q.TargetTempo + q.Tolerance

	reference, exclude, err := e.referenceVector(ctx, q)
	if err != nil {
		return nil, err
	}

	var results []types.SongResult
	if reference != nil && !codec.IsZero(reference) {
		matches, err := e.store.SearchAudio(ctx, reference, limit, &storage.SearchFilters{
			MinSimilarity:  threshold,
			MinTempo:       &lo,
			MaxTempo:       &hi,
			ExcludeSongIDs: exclude,
		})
		if err != nil {
			return nil, fmt.Errorf("audio search failed: %w", err)
		}
		results = audioResults(matches)
	} else {
		results, err = e.nearestTempo(ctx, q.TargetTempo, lo, hi, limit, exclude)
		if err != nil {
			return nil, err
		}
	}

	results, err = e.hydrate(ctx, results)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Tempo != nil {
			results[i].TempoDistance = math.Abs(*results[i].Tempo - q.TargetTempo)
		}
	}
	return results, nil
}

// referenceVector resolves the reference of a tempo+audio query. A seed
// song is excluded from its own results.
func (e *Engine) referenceVector(ctx context.Context, q TempoAudioQuery) ([]float32, []int64, error) {
	switch {
	case q.ReferencePath != "":
		v, err := e.EmbedAudio(ctx, q.ReferencePath)
		return v, nil, err
	case q.ReferenceSongID > 0:
		v, err := e.seedVector(ctx, q.ReferenceSongID)
		return v, []int64{q.ReferenceSongID}, err
	default:
		return nil, nil, nil
	}
}

func (e *Engine) nearestTempo(ctx context.Context, target, lo, hi float64, limit int, exclude []int64) ([]types.SongResult, error) {
	matches, err := e.store.SearchTempo(ctx, &lo, &hi, 0)
	if err != nil {
		return nil, fmt.Errorf("tempo search failed: %w", err)
	}

	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	results := make([]types.SongResult, 0, len(matches))
	for _, m := range matches {
		if _, ok := skip[m.SongID]; ok {
			continue
		}
		results = append(results, types.SongResult{
			SongID:        m.SongID,
			TempoDistance: math.Abs(m.Tempo - target),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TempoDistance != results[j].TempoDistance {
			return results[i].TempoDistance < results[j].TempoDistance
		}
		return results[i].SongID < results[j].SongID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
