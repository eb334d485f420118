package searcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// ScoredSong is one song scored by a single modality
type ScoredSong struct {
	SongID int64
	Score  float64
}

// MergedScore is one song after hybrid merging
type MergedScore struct {
	SongID     int64
	AudioScore float64
	TextScore  float64
	Combined   float64
}

// MergeOptions controls MergeHybrid. Weights are used as given.
type MergeOptions struct {
	AudioWeight float64
	TextWeight  float64
	Limit       int // <=0 keeps every song

	// Tempo post-filter. When either bound is set, songs outside the bounds
	// or missing from Tempos are dropped.
	MinTempo *float64
	MaxTempo *float64
	Tempos   map[int64]float64
}

// MergeHybrid unions audio and text scores by song. A song missing from one
// list scores 0 for that modality. Songs are ordered by
// audio*AudioWeight + text*TextWeight descending, ties by song ID, then
// tempo-filtered and truncated.
func MergeHybrid(audio, text []ScoredSong, opts MergeOptions) []MergedScore {
	byID := make(map[int64]*MergedScore, len(audio)+len(text))
	get := func(id int64) *MergedScore {
		m, ok := byID[id]
		if !ok {
			m = &MergedScore{SongID: id}
			byID[id] = m
		}
		return m
	}
	for _, s := range audio {
		get(s.SongID).AudioScore = s.Score
	}
	for _, s := range text {
		get(s.SongID).TextScore = s.Score
	}

	merged := make([]MergedScore, 0, len(byID))
	for _, m := range byID {
		m.Combined = m.AudioScore*opts.AudioWeight + m.TextScore*opts.TextWeight
		merged = append(merged, *m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Combined != merged[j].Combined {
			return merged[i].Combined > merged[j].Combined
		}
		return merged[i].SongID < merged[j].SongID
	})

	if opts.MinTempo != nil || opts.MaxTempo != nil {
		kept := merged[:0]
		for _, m := range merged {
			tempo, ok := opts.Tempos[m.SongID]
			if !ok {
				continue
			}
			if opts.MinTempo != nil && tempo < *opts.MinTempo {
				continue
			}
			if opts.MaxTempo != nil && tempo > *opts.MaxTempo {
				continue
			}
			kept = append(kept, m)
		}
		merged = kept
	}

	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged
}

// HybridQuery combines an audio reference with a text description
type HybridQuery struct {
	AudioPath   string // reference file
	SongID      int64  // or reference song, excluded from results
	Text        string
	AudioWeight *float64 // nil uses the engine default
	TextWeight  *float64
	Threshold   *float64 // audio similarity threshold
	MinTempo    *float64
	MaxTempo    *float64
	Limit       int
}

// HybridSearch scores the audio and text modalities concurrently and merges
// them with MergeHybrid
func (e *Engine) HybridSearch(ctx context.Context, q HybridQuery) ([]types.SongResult, error) {
	hasAudio := q.AudioPath != "" || q.SongID != 0
	hasText := strings.TrimSpace(q.Text) != ""
	if !hasAudio && !hasText {
		return nil, fmt.Errorf("hybrid search needs audio or text: %w", types.ErrInvalidQuery)
	}
	if q.AudioPath != "" && q.SongID != 0 {
		return nil, fmt.Errorf("give either an audio path or a song ID: %w", types.ErrInvalidQuery)
	}
	if err := validateTempoBounds(q.MinTempo, q.MaxTempo); err != nil {
		return nil, err
	}
	threshold, err := e.resolveThreshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	audioWeight, textWeight := e.audioWeight, e.textWeight
	if q.AudioWeight != nil {
		audioWeight = *q.AudioWeight
	}
	if q.TextWeight != nil {
		textWeight = *q.TextWeight
	}
	if audioWeight < 0 || textWeight < 0 {
		return nil, fmt.Errorf("weights must be non-negative: %w", types.ErrInvalidQuery)
	}

	limit := e.resolveLimit(q.Limit)
	fetch := limit * 4
	if fetch < 20 {
		fetch = 20
	}

	var audio, text []ScoredSong
	g, gctx := errgroup.WithContext(ctx)
	if hasAudio {
		g.Go(func() error {
			var err error
			audio, err = e.hybridAudio(gctx, q, threshold, fetch)
			return err
		})
	}
	if hasText {
		g.Go(func() error {
			var err error
			text, err = e.hybridText(gctx, q, fetch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if q.SongID != 0 {
		text = dropSong(text, q.SongID)
	}

	opts := MergeOptions{
		AudioWeight: audioWeight,
		TextWeight:  textWeight,
		Limit:       limit,
		MinTempo:    q.MinTempo,
		MaxTempo:    q.MaxTempo,
	}
	if q.MinTempo != nil || q.MaxTempo != nil {
		opts.Tempos, err = e.store.GetSongTempos(ctx, unionIDs(audio, text))
		if err != nil {
			return nil, fmt.Errorf("failed to load tempos: %w", err)
		}
	}

	merged := MergeHybrid(audio, text, opts)
	results := make([]types.SongResult, len(merged))
	for i, m := range merged {
		results[i] = types.SongResult{
			SongID:     m.SongID,
			Similarity: m.Combined,
			AudioScore: m.AudioScore,
			TextScore:  m.TextScore,
		}
	}

	e.logger.Debug().
		Int("audio_results", len(audio)).
		Int("text_results", len(text)).
		Int("merged", len(results)).
		Msg("hybrid search")

	return e.hydrate(ctx, results)
}

func (e *Engine) hybridAudio(ctx context.Context, q HybridQuery, threshold float64, fetch int) ([]ScoredSong, error) {
	// Tempo bounds are applied in the store so in-range songs are not
	// crowded out of the fetch window by closer out-of-range matches.
	filters := &storage.SearchFilters{MinSimilarity: threshold, MinTempo: q.MinTempo, MaxTempo: q.MaxTempo}

	var query []float32
	if q.AudioPath != "" {
		v, err := e.EmbedAudio(ctx, q.AudioPath)
		if err != nil {
			return nil, err
		}
		query = v
	} else {
		v, err := e.seedVector(ctx, q.SongID)
		if err != nil || v == nil {
			return nil, err
		}
		query = v
		filters.ExcludeSongIDs = []int64{q.SongID}
	}

	matches, err := e.rankAudio(ctx, query, fetch, filters)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredSong, len(matches))
	for i, m := range matches {
		scored[i] = ScoredSong{SongID: m.SongID, Score: m.Similarity}
	}
	return scored, nil
}

// hybridText scores the text modality with embeddings when an encoder is
// configured and with normalised keyword matches otherwise. Keyword search
// has no tempo filter, so with tempo bounds every match is fetched and
// MergeHybrid filters them.
func (e *Engine) hybridText(ctx context.Context, q HybridQuery, fetch int) ([]ScoredSong, error) {
	if e.text != nil {
		vector, err := e.textVector(ctx, TextQuery{Text: q.Text})
		if err != nil {
			return nil, err
		}
		filters := &storage.SearchFilters{MinSimilarity: 0, MinTempo: q.MinTempo, MaxTempo: q.MaxTempo}
		matches, err := e.store.SearchTextVectors(ctx, vector, fetch, filters)
		if err != nil {
			return nil, fmt.Errorf("text vector search failed: %w", err)
		}
		scored := make([]ScoredSong, len(matches))
		for i, m := range matches {
			scored[i] = ScoredSong{SongID: m.SongID, Score: m.Similarity}
		}
		return scored, nil
	}

	if q.MinTempo != nil || q.MaxTempo != nil {
		fetch = 0
	}
	matches, terms, err := e.keywordMatches(ctx, q.Text, fetch)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredSong, len(matches))
	for i, m := range matches {
		scored[i] = ScoredSong{SongID: m.SongID, Score: float64(m.MatchCount) / float64(terms)}
	}
	return scored, nil
}

func dropSong(list []ScoredSong, songID int64) []ScoredSong {
	kept := list[:0]
	for _, s := range list {
		if s.SongID != songID {
			kept = append(kept, s)
		}
	}
	return kept
}

func unionIDs(lists ...[]ScoredSong) []int64 {
	seen := make(map[int64]struct{})
	ids := make([]int64, 0)
	for _, list := range lists {
		for _, s := range list {
			if _, ok := seen[s.SongID]; !ok {
				seen[s.SongID] = struct{}{}
				ids = append(ids, s.SongID)
			}
		}
	}
	return ids
}
