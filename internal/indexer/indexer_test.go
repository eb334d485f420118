package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/soundscope-mcp/internal/analysiscache"
	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

const testExternalDim = 4

// fileExtractor derives features from file bytes; files containing
// "corrupt" fail like undecodable audio
type fileExtractor struct {
	calls  atomic.Int32
	onCall func(n int32)
}

func (f *fileExtractor) Extract(ctx context.Context, path string) (*types.RawFeatureSet, error) {
	n := f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(n)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, types.ErrExtraction)
	}
	if string(data) == "corrupt" {
		return nil, fmt.Errorf("%s: cannot decode: %w", path, types.ErrExtraction)
	}
	raw := &types.RawFeatureSet{Tempo: 60 + float64(len(data)), DurationSec: 120}
	for i := range raw.MFCCMean {
		raw.MFCCMean[i] = float64(data[i%len(data)]) / 10
	}
	return raw, nil
}

type fakeAudioModel struct {
	openErr error
	opens   atomic.Int32
	dim     int
}

func (m *fakeAudioModel) Open(ctx context.Context) error {
	m.opens.Add(1)
	return m.openErr
}
func (m *fakeAudioModel) Embed(ctx context.Context, path string) ([]float32, error) {
	v := make([]float32, m.dim)
	v[0] = 1
	return v, nil
}
func (m *fakeAudioModel) Dimension() int { return m.dim }
func (m *fakeAudioModel) Close() error   { return nil }

type fakeEncoder struct{ calls atomic.Int32 }

func (f *fakeEncoder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	f.calls.Add(1)
	if req.Text == "explode" {
		return nil, errors.New("provider error")
	}
	return &embedder.Embedding{Vector: []float32{float32(len(req.Text)), 1, 0}, Dimension: 3}, nil
}
func (f *fakeEncoder) Dimension() int   { return 3 }
func (f *fakeEncoder) Provider() string { return "fake" }
func (f *fakeEncoder) Model() string    { return "fake" }
func (f *fakeEncoder) Close() error     { return nil }

type env struct {
	store *storage.SQLiteStorage
	codec *codec.Codec
	ext   *fileExtractor
	cache *analysiscache.Cache
	dir   string
}

func newEnv(t *testing.T, dims *storage.Dimensions) *env {
	t.Helper()
	c, err := codec.New(codec.Options{LocalWeight: 0.3, ExternalWeight: 0.7, ExternalDim: testExternalDim})
	require.NoError(t, err)

	d := storage.Dimensions{Audio: c.Dimension(), External: testExternalDim, Text: 3}
	if dims != nil {
		d = *dims
	}
	store, err := storage.NewSQLiteStorage(":memory:", storage.Options{Dimensions: d})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := analysiscache.New(context.Background(), store.DB(), analysiscache.Options{})
	require.NoError(t, err)

	return &env{store: store, codec: c, ext: &fileExtractor{}, cache: cache, dir: t.TempDir()}
}

func (e *env) indexer(t *testing.T, mutate func(o *Options)) *Indexer {
	t.Helper()
	opts := Options{Store: e.store, Codec: e.codec, Extractor: e.ext, Cache: e.cache}
	if mutate != nil {
		mutate(&opts)
	}
	idx, err := New(opts)
	require.NoError(t, err)
	return idx
}

// candidates writes n audio files; positions listed in corrupt hold bad data
func (e *env) candidates(t *testing.T, n int, corrupt ...int) []Candidate {
	t.Helper()
	bad := make(map[int]bool)
	for _, i := range corrupt {
		bad[i] = true
	}
	out := make([]Candidate, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(e.dir, fmt.Sprintf("song-%02d.wav", i+1))
		content := fmt.Sprintf("RIFF audio payload %d", i+1)
		if bad[i+1] {
			content = "corrupt"
		}
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		out[i] = Candidate{AudioPath: path, SongID: int64(i + 1)}
	}
	return out
}

func TestRunBatch_FailureIsolation(t *testing.T) {
	e := newEnv(t, nil)
	idx := e.indexer(t, nil)
	ctx := context.Background()
	cands := e.candidates(t, 5, 3)

	result, err := idx.RunBatch(ctx, cands, DefaultRunOptions())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 4, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, cands[2].AudioPath, result.Failed[0].AudioPath)
	assert.Equal(t, int64(3), result.Failed[0].SongID)
	assert.Contains(t, result.Failed[0].Reason, "cannot decode")
	assert.NotEqual(t, [16]byte{}, [16]byte(result.RunID))

	for i, c := range cands {
		has, err := e.store.HasAudioEmbedding(ctx, c.AudioPath)
		require.NoError(t, err)
		assert.Equal(t, i != 2, has, c.AudioPath)
	}
}

func TestRunBatch_IdempotentWithSkip(t *testing.T) {
	e := newEnv(t, nil)
	idx := e.indexer(t, nil)
	ctx := context.Background()
	cands := e.candidates(t, 5)

	first, err := idx.RunBatch(ctx, cands, DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 5, first.SuccessCount)

	before, err := e.store.GetAudioEmbeddingByPath(ctx, cands[0].AudioPath)
	require.NoError(t, err)

	second, err := idx.RunBatch(ctx, cands, DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, second.SuccessCount)
	assert.Equal(t, 5, second.Skipped)
	assert.Empty(t, second.Failed)
	assert.Equal(t, int32(5), e.ext.calls.Load(), "skipped candidates are not analysed")

	after, err := e.store.GetAudioEmbeddingByPath(ctx, cands[0].AudioPath)
	require.NoError(t, err)
	assert.Equal(t, before.Vector, after.Vector)
}

func TestRunBatch_ReindexUsesCache(t *testing.T) {
	e := newEnv(t, nil)
	idx := e.indexer(t, nil)
	ctx := context.Background()
	cands := e.candidates(t, 5)

	first, err := idx.RunBatch(ctx, cands, DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 5, first.CacheMisses)

	before, err := e.store.GetAudioEmbeddingByPath(ctx, cands[1].AudioPath)
	require.NoError(t, err)

	opts := DefaultRunOptions()
	opts.SkipExisting = false
	second, err := idx.RunBatch(ctx, cands, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, second.SuccessCount)
	assert.Equal(t, 5, second.CacheHits)
	assert.Equal(t, 0, second.CacheMisses)
	assert.Equal(t, int32(5), e.ext.calls.Load())

	after, err := e.store.GetAudioEmbeddingByPath(ctx, cands[1].AudioPath)
	require.NoError(t, err)
	assert.Equal(t, before.Vector, after.Vector, "re-upsert is identical")
}

func TestRunBatch_Cancellation(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.ext.onCall = func(n int32) {
		if n == 2 {
			cancel()
		}
	}
	idx := e.indexer(t, nil)
	cands := e.candidates(t, 5)

	result, err := idx.RunBatch(ctx, cands, DefaultRunOptions())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 2, result.SuccessCount, "in-flight candidate completes")
	assert.Empty(t, result.Failed)
	assert.Equal(t, int32(2), e.ext.calls.Load())
	assert.False(t, idx.Running(), "lock released")
}

func TestRunBatch_DimensionMismatchIsFatal(t *testing.T) {
	c, err := codec.New(codec.Options{LocalWeight: 0.3, ExternalWeight: 0.7, ExternalDim: testExternalDim})
	require.NoError(t, err)
	e := newEnv(t, &storage.Dimensions{Audio: c.Dimension(), External: 2})
	model := &fakeAudioModel{dim: testExternalDim}
	idx := e.indexer(t, func(o *Options) { o.AudioEmbedder = model })

	result, err := idx.RunBatch(context.Background(), e.candidates(t, 3), DefaultRunOptions())
	require.ErrorIs(t, err, types.ErrDimensionMismatch)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Empty(t, result.Failed, "fatal errors are not per-item failures")
}

func TestNew_RejectsMismatchedStore(t *testing.T) {
	e := newEnv(t, &storage.Dimensions{Audio: 8})
	_, err := New(Options{Store: e.store, Codec: e.codec, Extractor: e.ext})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestRunBatch_WorkerPool(t *testing.T) {
	e := newEnv(t, nil)
	idx := e.indexer(t, nil)
	cands := e.candidates(t, 20, 4, 17)

	opts := DefaultRunOptions()
	opts.Workers = 4
	result, err := idx.RunBatch(context.Background(), cands, opts)
	require.NoError(t, err)

	assert.Equal(t, 18, result.SuccessCount)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, int64(4), result.Failed[0].SongID, "failures keep input order")
	assert.Equal(t, int64(17), result.Failed[1].SongID)
}

func TestRunBatch_ExternalModel(t *testing.T) {
	t.Run("unavailable zero-fills", func(t *testing.T) {
		e := newEnv(t, nil)
		model := &fakeAudioModel{dim: testExternalDim, openErr: errors.New("model weights missing")}
		idx := e.indexer(t, func(o *Options) { o.AudioEmbedder = model })
		cands := e.candidates(t, 2)

		result, err := idx.RunBatch(context.Background(), cands, DefaultRunOptions())
		require.NoError(t, err)
		assert.Equal(t, 2, result.SuccessCount)
		assert.Equal(t, int32(1), model.opens.Load(), "opened once per run")

		rec, err := e.store.GetAudioEmbeddingByPath(context.Background(), cands[0].AudioPath)
		require.NoError(t, err)
		assert.Nil(t, rec.External)
		for _, v := range rec.Vector[codec.LocalDim:] {
			assert.Zero(t, v)
		}
		assert.InDelta(t, 1.0, codec.Norm(rec.Vector), 1e-4)
	})

	t.Run("available is stored", func(t *testing.T) {
		e := newEnv(t, nil)
		model := &fakeAudioModel{dim: testExternalDim}
		idx := e.indexer(t, func(o *Options) { o.AudioEmbedder = model })
		cands := e.candidates(t, 3)

		_, err := idx.RunBatch(context.Background(), cands, DefaultRunOptions())
		require.NoError(t, err)
		assert.Equal(t, int32(1), model.opens.Load())

		rec, err := e.store.GetAudioEmbeddingByPath(context.Background(), cands[0].AudioPath)
		require.NoError(t, err)
		assert.Len(t, rec.External, testExternalDim)
		assert.NotZero(t, rec.Vector[codec.LocalDim])
	})
}

func TestRunBatch_CacheUnavailableFallsBack(t *testing.T) {
	e := newEnv(t, nil)

	cacheDB, err := storage.OpenDB(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	broken, err := analysiscache.New(context.Background(), cacheDB, analysiscache.Options{MemoryEntries: -1})
	require.NoError(t, err)
	require.NoError(t, cacheDB.Close())

	idx := e.indexer(t, func(o *Options) { o.Cache = broken })
	result, err := idx.RunBatch(context.Background(), e.candidates(t, 3), DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Empty(t, result.Failed)
	assert.Equal(t, int32(3), e.ext.calls.Load())
}

func TestRunBatch_LockContention(t *testing.T) {
	e := newEnv(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.ext.onCall = func(n int32) {
		once.Do(func() { close(entered) })
		<-release
	}
	idx := e.indexer(t, nil)
	cands := e.candidates(t, 2)

	done := make(chan error, 1)
	go func() {
		_, err := idx.RunBatch(context.Background(), cands, DefaultRunOptions())
		done <- err
	}()

	<-entered
	assert.True(t, idx.Running())
	_, err := idx.RunBatch(context.Background(), cands, DefaultRunOptions())
	assert.ErrorIs(t, err, ErrIndexingInProgress)
	_, err = idx.IndexMissing(context.Background(), "", DefaultRunOptions())
	assert.ErrorIs(t, err, ErrIndexingInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, idx.Running())
}

func TestRunBatch_ProgressChunks(t *testing.T) {
	e := newEnv(t, nil)
	idx := e.indexer(t, nil)

	var reports []Progress
	opts := DefaultRunOptions()
	opts.ChunkSize = 2
	opts.Reporter = ReporterFunc(func(p Progress) { reports = append(reports, p) })

	result, err := idx.RunBatch(context.Background(), e.candidates(t, 5, 5), opts)
	require.NoError(t, err)

	require.Len(t, reports, 3)
	assert.Equal(t, []int{2, 4, 5}, []int{reports[0].Done, reports[1].Done, reports[2].Done})
	last := reports[2]
	assert.Equal(t, 5, last.Total)
	assert.Equal(t, 4, last.Success)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, result.RunID, last.RunID)
	assert.Zero(t, last.ETA)
}

func TestRunBatch_KeepsIndexInSync(t *testing.T) {
	e := newEnv(t, nil)
	ix := annindex.New(e.codec.Dimension())
	idx := e.indexer(t, func(o *Options) { o.Index = ix })

	_, err := idx.RunBatch(context.Background(), e.candidates(t, 4, 2), DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())
}

func TestRunBatch_ReindexWithIndex(t *testing.T) {
	e := newEnv(t, nil)
	ix := annindex.New(e.codec.Dimension())
	idx := e.indexer(t, func(o *Options) { o.Index = ix })
	ctx := context.Background()
	cands := e.candidates(t, 1)

	opts := DefaultRunOptions()
	opts.SkipExisting = false
	for i := 0; i < 3; i++ {
		result, err := idx.RunBatch(ctx, cands, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, result.SuccessCount)
		assert.Empty(t, result.Failed)
	}
	assert.Equal(t, 1, ix.Len())
}

func TestRunBatch_PanicBecomesFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.ext.onCall = func(n int32) {
		if n == 2 {
			panic("decoder crashed")
		}
	}
	idx := e.indexer(t, nil)

	result, err := idx.RunBatch(context.Background(), e.candidates(t, 3), DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Reason, "decoder crashed")
	assert.False(t, idx.Running(), "lock released after a panic")
}

func TestIndexMissing(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	cands := e.candidates(t, 2)

	songs := []*storage.Song{
		{ID: 1, Title: "Relative", AudioPath: filepath.Base(cands[0].AudioPath)},
		{ID: 2, Title: "File URL", AudioURL: "file://" + cands[1].AudioPath},
		{ID: 3, Title: "Remote", AudioURL: "https://cdn.example.com/3.mp3"},
		{ID: 4, Title: "No audio"},
	}
	for _, s := range songs {
		require.NoError(t, e.store.UpsertSong(ctx, s))
	}

	idx := e.indexer(t, nil)
	result, err := idx.IndexMissing(ctx, e.dir, DefaultRunOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, int64(3), result.Failed[0].SongID)
	assert.Contains(t, result.Failed[0].Reason, "unsupported audio URL scheme")

	missing, err := e.store.ListSongsMissingAudioEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, int64(3), missing[0].ID)
}

func TestResolveAudioPath(t *testing.T) {
	tests := []struct {
		location string
		baseDir  string
		want     string
		wantErr  bool
	}{
		{"/music/a.mp3", "/base", "/music/a.mp3", false},
		{"b/c.mp3", "/base", "/base/b/c.mp3", false},
		{"file:///music/d.mp3", "", "/music/d.mp3", false},
		{"s3://bucket/e.mp3", "", "", true},
		{"  ", "", "", true},
	}
	for _, tt := range tests {
		got, err := ResolveAudioPath(tt.location, tt.baseDir)
		if tt.wantErr {
			assert.Error(t, err, tt.location)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestEmbedTexts(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	idx := e.indexer(t, nil)
	_, err := idx.EmbedTexts(ctx, []TextItem{{SongID: 1, ContentType: "description", Content: "x"}}, DefaultRunOptions())
	assert.ErrorIs(t, err, ErrNoTextEncoder)

	enc := &fakeEncoder{}
	idx = e.indexer(t, func(o *Options) { o.TextEncoder = enc })
	items := []TextItem{
		{SongID: 1, ContentType: "description", Content: "moody night drive"},
		{SongID: 1, ContentType: "lyrics", Content: "city lights"},
		{SongID: 2, ContentType: "description", Content: "   "},
		{SongID: 3, ContentType: "description", Content: "explode"},
	}

	result, err := idx.EmbedTexts(ctx, items, DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, int64(2), result.Failed[0].SongID)
	assert.Equal(t, "description", result.Failed[0].ContentType)
	assert.Contains(t, result.Failed[1].Reason, "provider error")

	rec, err := e.store.GetTextEmbedding(ctx, 1, "lyrics")
	require.NoError(t, err)
	assert.Equal(t, "city lights", rec.Content)

	again, err := idx.EmbedTexts(ctx, items[:2], DefaultRunOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, again.Skipped)
	assert.Equal(t, int32(3), enc.calls.Load(), "unchanged content is not re-encoded")
}
