package searcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

const testExternalDim = 4

// fakeExtractor serves features by path and counts calls
type fakeExtractor struct {
	features map[string]*types.RawFeatureSet
	calls    atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (*types.RawFeatureSet, error) {
	f.calls.Add(1)
	feat, ok := f.features[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, types.ErrExtraction)
	}
	out := *feat
	return &out, nil
}

// fakeEncoder maps known texts to fixed vectors
type fakeEncoder struct {
	vectors map[string][]float32
}

func (f *fakeEncoder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	v, ok := f.vectors[req.Text]
	if !ok {
		return nil, fmt.Errorf("unknown text %q", req.Text)
	}
	return &embedder.Embedding{Vector: v, Dimension: len(v)}, nil
}
func (f *fakeEncoder) Dimension() int   { return 3 }
func (f *fakeEncoder) Provider() string { return "fake" }
func (f *fakeEncoder) Model() string    { return "fake" }
func (f *fakeEncoder) Close() error     { return nil }

func ptr(v float64) *float64 { return &v }

func features(tempo float64, mfcc func(i int) float64) *types.RawFeatureSet {
	f := &types.RawFeatureSet{Tempo: tempo, Key: "C major", DurationSec: 180}
	for i := range f.MFCCMean {
		f.MFCCMean[i] = mfcc(i)
	}
	return f
}

var (
	featMidnight = features(118, func(i int) float64 { return float64(i + 1) })
	featRunner   = features(124, func(i int) float64 { return float64(i) + 1.5 })
	featSunny    = features(96, func(i int) float64 { return -float64(i + 1) })
	featRain     = features(72, func(i int) float64 {
		if i%2 == 0 {
			return float64(i + 1)
		}
		return -float64(i + 1)
	})
)

type fixture struct {
	store *storage.SQLiteStorage
	codec *codec.Codec
	ext   *fakeExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	c, err := codec.New(codec.Options{LocalWeight: 0.3, ExternalWeight: 0.7, ExternalDim: testExternalDim})
	require.NoError(t, err)

	store, err := storage.NewSQLiteStorage(":memory:", storage.Options{
		Dimensions: storage.Dimensions{Audio: c.Dimension(), External: testExternalDim, Text: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	songs := []*storage.Song{
		{ID: 1, Title: "Midnight Drive", Artist: "Neon", Genre: "synthwave", Mood: "dark", Energy: "high", Tempo: ptr(118), AudioPath: "/music/1.wav"},
		{ID: 2, Title: "Sunny Morning", Artist: "Fields", Genre: "acoustic pop", Mood: "happy", Energy: "medium", Tempo: ptr(96), AudioPath: "/music/2.wav"},
		{ID: 3, Title: "Night Runner", Artist: "Neon", Genre: "synthwave", Mood: "energetic", Energy: "high", Tempo: ptr(124), AudioPath: "/music/3.wav"},
		{ID: 4, Title: "Rain Study", Artist: "Desk", Genre: "lofi", Mood: "calm", Energy: "low", Tempo: ptr(72), AudioPath: "/music/4.wav"},
		{ID: 5, Title: "Unindexed", Artist: "Later", Genre: "jazz", Mood: "calm", Energy: "low", Tempo: ptr(100)},
	}
	for _, s := range songs {
		require.NoError(t, store.UpsertSong(ctx, s))
	}

	indexed := map[int64]*types.RawFeatureSet{1: featMidnight, 2: featSunny, 3: featRunner, 4: featRain}
	for id, feat := range indexed {
		vec, err := c.Combine(feat, nil)
		require.NoError(t, err)
		require.NoError(t, store.UpsertAudioEmbedding(ctx, &storage.AudioEmbedding{
			SongID:    id,
			AudioPath: fmt.Sprintf("/music/%d.wav", id),
			Vector:    vec,
			Features:  *feat,
		}))
	}

	texts := map[int64][]float32{1: {1, 0, 0}, 2: {0, 1, 0}, 3: {0.8, 0.6, 0}}
	for id, vec := range texts {
		require.NoError(t, store.UpsertTextEmbedding(ctx, &storage.TextEmbedding{
			SongID: id, ContentType: "description", Content: "text", Vector: vec,
		}))
	}

	ext := &fakeExtractor{features: map[string]*types.RawFeatureSet{
		"/queries/midnight.wav": featMidnight,
		"/queries/rain.wav":     featRain,
		"/queries/silence.wav":  {},
	}}
	return &fixture{store: store, codec: c, ext: ext}
}

func (f *fixture) engine(t *testing.T, mutate func(o *Options)) *Engine {
	t.Helper()
	opts := Options{Store: f.store, Codec: f.codec, Extractor: f.ext}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func ids(results []types.SongResult) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.SongID
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := New(Options{Codec: f.codec, Extractor: f.ext})
	assert.Error(t, err)

	other, err := codec.New(codec.DefaultOptions())
	require.NoError(t, err)
	_, err = New(Options{Store: f.store, Codec: other, Extractor: f.ext})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = New(Options{Store: f.store, Codec: f.codec, Extractor: f.ext, AudioWeight: -1, TextWeight: 1})
	assert.Error(t, err)
}

func TestSimilarByAudio_SelfSimilarity(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)

	results, err := e.SimilarByAudio(context.Background(), AudioQuery{AudioPath: "/queries/midnight.wav"})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, int64(1), top.SongID)
	assert.GreaterOrEqual(t, top.Similarity, 0.99)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "Midnight Drive", top.Title)
	assert.Equal(t, "/music/1.wav", top.AudioPath)
	require.NotNil(t, top.Tempo)
	assert.Equal(t, 118.0, *top.Tempo)

	for i, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, DefaultThreshold)
		assert.Equal(t, i+1, r.Rank)
		require.NoError(t, r.Validate())
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
		}
	}
	assert.NotContains(t, ids(results), int64(2), "anti-correlated song is below threshold")
	assert.NotContains(t, ids(results), int64(5), "song without embedding is never ranked")
}

func TestSimilarByAudio_TempoFilter(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)

	results, err := e.SimilarByAudio(context.Background(), AudioQuery{
		AudioPath: "/queries/midnight.wav",
		Threshold: ptr(-1),
		MinTempo:  ptr(100),
		MaxTempo:  ptr(120),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(results))
}

func TestSimilarByAudio_ZeroQueryReturnsNothing(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)

	results, err := e.SimilarByAudio(context.Background(), AudioQuery{AudioPath: "/queries/silence.wav", Threshold: ptr(-1)})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSimilarByAudio_Errors(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	_, err := e.SimilarByAudio(ctx, AudioQuery{})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = e.SimilarByAudio(ctx, AudioQuery{AudioPath: "/queries/midnight.wav", Threshold: ptr(1.5)})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = e.SimilarByAudio(ctx, AudioQuery{AudioPath: "/queries/midnight.wav", MinTempo: ptr(130), MaxTempo: ptr(90)})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = e.SimilarByAudio(ctx, AudioQuery{AudioPath: "/queries/unknown.wav"})
	assert.ErrorIs(t, err, types.ErrExtraction)
}

func TestEmbedAudio_CachesByContent(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF clip"), 0o600))
	f.ext.features[path] = featMidnight

	first, err := e.EmbedAudio(ctx, path)
	require.NoError(t, err)
	second, err := e.EmbedAudio(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.ext.calls.Load())

	require.NoError(t, os.WriteFile(path, []byte("RIFF changed"), 0o600))
	_, err = e.EmbedAudio(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.ext.calls.Load(), "changed content misses the cache")
}

func TestSimilarToSong(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	results, err := e.SimilarToSong(ctx, SongQuery{SongID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.NotContains(t, ids(results), int64(1))
	assert.Equal(t, int64(3), results[0].SongID)

	results, err = e.SimilarToSong(ctx, SongQuery{SongID: 5})
	require.NoError(t, err)
	assert.Empty(t, results, "seed without embedding")

	_, err = e.SimilarToSong(ctx, SongQuery{SongID: 0})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestSimilarByAudio_IndexMatchesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ix := annindex.New(f.codec.Dimension())
	n, err := ix.Rebuild(ctx, f.store)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	plain := f.engine(t, nil)
	indexed := f.engine(t, func(o *Options) { o.Index = ix })

	q := AudioQuery{AudioPath: "/queries/midnight.wav", Threshold: ptr(-1)}
	want, err := plain.SimilarByAudio(ctx, q)
	require.NoError(t, err)
	got, err := indexed.SimilarByAudio(ctx, q)
	require.NoError(t, err)

	assert.Equal(t, ids(want), ids(got))
	for i := range want {
		assert.InDelta(t, want[i].Similarity, got[i].Similarity, 1e-5)
	}
}

func TestTempoRange(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	results, err := e.TempoRange(ctx, TempoQuery{MinTempo: ptr(90), MaxTempo: ptr(120)})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5, 1}, ids(results))
	for _, r := range results {
		require.NotNil(t, r.Tempo)
		assert.GreaterOrEqual(t, *r.Tempo, 90.0)
		assert.LessOrEqual(t, *r.Tempo, 120.0)
	}

	results, err = e.TempoRange(ctx, TempoQuery{MinTempo: ptr(120)})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(results))

	_, err = e.TempoRange(ctx, TempoQuery{MinTempo: ptr(150), MaxTempo: ptr(100)})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestTempoAndAudio(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	t.Run("no reference orders by tempo distance", func(t *testing.T) {
		results, err := e.TempoAndAudio(ctx, TempoAudioQuery{TargetTempo: 120, Tolerance: 5})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, ids(results))
		assert.Equal(t, 2.0, results[0].TempoDistance)
		assert.Equal(t, 4.0, results[1].TempoDistance)
	})

	t.Run("reference song is excluded", func(t *testing.T) {
		results, err := e.TempoAndAudio(ctx, TempoAudioQuery{TargetTempo: 120, Tolerance: 5, ReferenceSongID: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids(results))
		assert.Greater(t, results[0].Similarity, 0.9)
	})

	t.Run("reference path orders by similarity", func(t *testing.T) {
		results, err := e.TempoAndAudio(ctx, TempoAudioQuery{TargetTempo: 100, Tolerance: 30, ReferencePath: "/queries/midnight.wav"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids(results))
		assert.Equal(t, int64(1), results[0].SongID)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := e.TempoAndAudio(ctx, TempoAudioQuery{TargetTempo: 0, Tolerance: 5})
		assert.ErrorIs(t, err, types.ErrInvalidQuery)
		_, err = e.TempoAndAudio(ctx, TempoAudioQuery{TargetTempo: 100, Tolerance: -1})
		assert.ErrorIs(t, err, types.ErrInvalidQuery)
	})
}

func TestSearchText_Keyword(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	results, err := e.SearchText(ctx, TextQuery{Text: "some dark synthwave music"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids(results))
	assert.Equal(t, 2, results[0].MatchCount)
	assert.Equal(t, 1.0, results[0].TextScore)
	assert.Equal(t, 1, results[1].MatchCount)
	assert.Equal(t, 0.5, results[1].TextScore)

	results, err = e.SearchText(ctx, TextQuery{Text: "polka"})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = e.SearchText(ctx, TextQuery{Text: "  "})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestSearchText_Vector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := f.engine(t, nil)
	results, err := plain.SearchText(ctx, TextQuery{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, ids(results))
	assert.InDelta(t, 1.0, results[0].TextScore, 1e-6)
	assert.InDelta(t, 0.8, results[1].TextScore, 1e-6)

	_, err = plain.SearchText(ctx, TextQuery{Text: "dreamy", Mode: TextModeVector})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	encoded := f.engine(t, func(o *Options) {
		o.TextEncoder = &fakeEncoder{vectors: map[string][]float32{"bright": {0, 1, 0}}}
	})
	results, err = encoded.SearchText(ctx, TextQuery{Text: "bright", Mode: TextModeVector})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(2), results[0].SongID)

	_, err = encoded.SearchText(ctx, TextQuery{Text: "bright", Mode: "fuzzy"})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"dark", "synthwave"}, QueryTerms("Some DARK synthwave, dark!"))
	assert.Equal(t, []string{"the", "song"}, QueryTerms("the song"))
	assert.Empty(t, QueryTerms("?!"))
}

func TestHybridSearch(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)
	ctx := context.Background()

	results, err := e.HybridSearch(ctx, HybridQuery{SongID: 1, Text: "energetic synthwave", Threshold: ptr(0)})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(3), results[0].SongID)
	assert.NotContains(t, ids(results), int64(1))
	top := results[0]
	assert.InDelta(t, top.AudioScore*DefaultAudioWeight+top.TextScore*DefaultTextWeight, top.Similarity, 1e-9)

	results, err = e.HybridSearch(ctx, HybridQuery{SongID: 1, Text: "energetic synthwave", Threshold: ptr(0), MaxTempo: ptr(120)})
	require.NoError(t, err)
	assert.NotContains(t, ids(results), int64(3), "tempo post-filter")

	results, err = e.HybridSearch(ctx, HybridQuery{Text: "calm"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{4, 5}, ids(results))
	for _, r := range results {
		assert.Zero(t, r.AudioScore)
	}

	_, err = e.HybridSearch(ctx, HybridQuery{})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
	_, err = e.HybridSearch(ctx, HybridQuery{Text: "calm", AudioWeight: ptr(-0.5)})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestHybridSearch_TempoBoundsBeyondFetchWindow(t *testing.T) {
	ctx := context.Background()
	c, err := codec.New(codec.Options{LocalWeight: 0.3, ExternalWeight: 0.7, ExternalDim: testExternalDim})
	require.NoError(t, err)
	store, err := storage.NewSQLiteStorage(":memory:", storage.Options{
		Dimensions: storage.Dimensions{Audio: c.Dimension(), External: testExternalDim, Text: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	add := func(id int64, feat *types.RawFeatureSet) {
		require.NoError(t, store.UpsertSong(ctx, &storage.Song{ID: id, Title: fmt.Sprintf("song %d", id), Tempo: ptr(feat.Tempo)}))
		vec, err := c.Combine(feat, nil)
		require.NoError(t, err)
		require.NoError(t, store.UpsertAudioEmbedding(ctx, &storage.AudioEmbedding{
			SongID: id, AudioPath: fmt.Sprintf("/music/%d.wav", id), Vector: vec, Features: *feat,
		}))
	}

	// Seed plus 30 near duplicates at 180 BPM outrank 5 weaker matches at 100 BPM.
	add(1, features(180, func(i int) float64 { return float64(i + 1) }))
	for id := int64(2); id <= 31; id++ {
		offset := float64(id) / 100
		add(id, features(180, func(i int) float64 { return float64(i+1) + offset }))
	}
	for id := int64(40); id < 45; id++ {
		weak := *featRain
		weak.Tempo = 100
		add(id, &weak)
	}

	e, err := New(Options{Store: store, Codec: c, Extractor: &fakeExtractor{}})
	require.NoError(t, err)

	q := HybridQuery{SongID: 1, Threshold: ptr(-1), MinTempo: ptr(90), MaxTempo: ptr(110), Limit: 5}
	results, err := e.HybridSearch(ctx, q)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{40, 41, 42, 43, 44}, ids(results))

	similar, err := e.SimilarToSong(ctx, SongQuery{SongID: 1, Threshold: ptr(-1), MinTempo: ptr(90), MaxTempo: ptr(110), Limit: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(similar), ids(results))
}

func TestMergeHybrid(t *testing.T) {
	audio := []ScoredSong{{SongID: 1, Score: 0.9}, {SongID: 2, Score: 0.5}}
	text := []ScoredSong{{SongID: 2, Score: 1.0}, {SongID: 3, Score: 0.8}}

	merged := MergeHybrid(audio, text, MergeOptions{AudioWeight: 0.6, TextWeight: 0.4})
	require.Len(t, merged, 3)

	assert.Equal(t, int64(2), merged[0].SongID)
	assert.InDelta(t, 0.7, merged[0].Combined, 1e-9)
	assert.Equal(t, int64(1), merged[1].SongID)
	assert.InDelta(t, 0.54, merged[1].Combined, 1e-9)
	assert.Zero(t, merged[1].TextScore, "missing modality scores 0")
	assert.Equal(t, int64(3), merged[2].SongID)
	assert.Zero(t, merged[2].AudioScore)
}

func TestMergeHybrid_TiesAndTempoFilter(t *testing.T) {
	audio := []ScoredSong{{SongID: 9, Score: 0.5}, {SongID: 4, Score: 0.5}, {SongID: 7, Score: 0.9}}

	merged := MergeHybrid(audio, nil, MergeOptions{AudioWeight: 1})
	assert.Equal(t, []int64{7, 4, 9}, mergedIDs(merged))

	merged = MergeHybrid(audio, nil, MergeOptions{
		AudioWeight: 1,
		Limit:       2,
		MinTempo:    ptr(100),
		Tempos:      map[int64]float64{7: 90, 4: 110, 9: 120},
	})
	assert.Equal(t, []int64{4, 9}, mergedIDs(merged), "filter runs before truncation")

	merged = MergeHybrid(audio, nil, MergeOptions{AudioWeight: 1, MaxTempo: ptr(200), Tempos: map[int64]float64{4: 110}})
	assert.Equal(t, []int64{4}, mergedIDs(merged), "songs without tempo are dropped by a tempo filter")
}

func TestMergeHybrid_AudioWeightMonotonic(t *testing.T) {
	// Song 1 leans on audio, song 2 on text
	audio := []ScoredSong{{SongID: 1, Score: 0.9}, {SongID: 2, Score: 0.2}}
	text := []ScoredSong{{SongID: 1, Score: 0.1}, {SongID: 2, Score: 0.95}}

	prevRank := len(audio) + 1
	for w := 0.0; w <= 2.0; w += 0.1 {
		merged := MergeHybrid(audio, text, MergeOptions{AudioWeight: w, TextWeight: 0.4})
		rank := 0
		for i, m := range merged {
			if m.SongID == 1 {
				rank = i + 1
			}
		}
		assert.LessOrEqual(t, rank, prevRank, "audio weight %.1f", w)
		prevRank = rank
	}
	assert.Equal(t, 1, prevRank)
}

func mergedIDs(merged []MergedScore) []int64 {
	out := make([]int64, len(merged))
	for i, m := range merged {
		out[i] = m.SongID
	}
	return out
}
