package storage

import (
	"context"
	"time"

	"github.com/dshills/soundscope-mcp/pkg/types"
)

// Storage defines the interface for persisting and querying song embeddings
type Storage interface {
	// Catalog operations (read model; written only by catalog sync)
	UpsertSong(ctx context.Context, song *Song) error
	GetSong(ctx context.Context, songID int64) (*Song, error)
	GetSongs(ctx context.Context, songIDs []int64) (map[int64]*Song, error)
	GetSongTempos(ctx context.Context, songIDs []int64) (map[int64]float64, error)

	// Audio embedding operations
	UpsertAudioEmbedding(ctx context.Context, rec *AudioEmbedding) error
	GetAudioEmbedding(ctx context.Context, songID int64) (*AudioEmbedding, error)
	GetAudioEmbeddingByPath(ctx context.Context, audioPath string) (*AudioEmbedding, error)
	HasAudioEmbedding(ctx context.Context, audioPath string) (bool, error)
	ListSongsMissingAudioEmbedding(ctx context.Context) ([]SongRef, error)
	ListAudioVectors(ctx context.Context) ([]AudioVector, error)

	// Text embedding operations
	UpsertTextEmbedding(ctx context.Context, rec *TextEmbedding) error
	GetTextEmbedding(ctx context.Context, songID int64, contentType string) (*TextEmbedding, error)

	// Search primitives
	SearchAudio(ctx context.Context, query []float32, limit int, filters *SearchFilters) ([]VectorResult, error)
	SearchTextVectors(ctx context.Context, query []float32, limit int, filters *SearchFilters) ([]VectorResult, error)
	SearchKeywords(ctx context.Context, terms []string, limit int) ([]KeywordResult, error)
	SearchTempo(ctx context.Context, minTempo, maxTempo *float64, limit int) ([]TempoResult, error)

	// Status operations
	GetStats(ctx context.Context) (*Stats, error)

	// Database operations
	Dimensions() Dimensions
	Close() error
}

// Dimensions fixes the vector lengths accepted by the store
type Dimensions struct {
	Audio    int // combined audio embedding
	External int // raw external embedding kept alongside
	Text     int // text embedding; 0 accepts any length
}

// Song is a catalog entry. The catalog owns it; the store only reads it
// except during catalog sync.
type Song struct {
	ID        int64
	Title     string
	Artist    string
	Genre     string
	Mood      string
	Energy    string
	Tempo     *float64
	AudioURL  string
	AudioPath string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SongRef identifies a catalog song that still needs audio indexing
type SongRef struct {
	ID        int64
	Title     string
	Artist    string
	AudioURL  string
	AudioPath string
}

// AudioEmbedding is the persisted audio record, one per audio path
type AudioEmbedding struct {
	ID        int64
	SongID    int64
	AudioPath string
	Vector    []float32
	External  []float32 // nil when the external model was unavailable
	Features  types.RawFeatureSet
	Norm      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TextEmbedding is the persisted text record, one per (song, content type)
type TextEmbedding struct {
	ID          int64
	SongID      int64
	ContentType string
	Content     string
	Vector      []float32
	Norm        float64
	CreatedAt   time.Time
}

// AudioVector is the minimal projection used to build in-memory indexes
type AudioVector struct {
	SongID    int64
	AudioPath string
	Vector    []float32
}

// SearchFilters narrows vector searches
type SearchFilters struct {
	MinSimilarity  float64  // inclusive; use -1 to keep every comparable row
	MinTempo       *float64 // inclusive
	MaxTempo       *float64 // inclusive
	ExcludeSongIDs []int64
	ContentType    string // text search only
}

// VectorResult is one song ranked by cosine similarity. A song with several
// rows is reported once, with its best row.
type VectorResult struct {
	SongID     int64
	AudioPath  string
	Similarity float64
}

// KeywordResult is one song matched by metadata keywords
type KeywordResult struct {
	SongID     int64
	MatchCount int
}

// TempoResult is one song with its effective tempo
type TempoResult struct {
	SongID int64
	Tempo  float64
}

// Stats summarises the store contents
type Stats struct {
	TotalSongs               int
	SongsWithAudioEmbeddings int
	SongsWithTextEmbeddings  int
	AudioEmbeddings          int
	TextEmbeddings           int
	AvgTempo                 float64
	IndexSizeMB              float64
	BuildMode                string
	SchemaVersion            string
}
