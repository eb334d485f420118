package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// Options configures a SQLiteStorage
type Options struct {
	Dimensions Dimensions
	// OpTimeout bounds every store call when positive, on top of any caller deadline
	OpTimeout time.Duration
}

// DefaultDimensions matches the default codec: 37 local + 512 external
func DefaultDimensions() Dimensions {
	return Dimensions{
		Audio:    codec.LocalDim + codec.DefaultExternalDim,
		External: codec.DefaultExternalDim,
	}
}

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db        *sql.DB
	dims      Dimensions
	opTimeout time.Duration
}

// OpenDB opens a SQLite database with the settings every store in this
// module expects. The analysis cache shares the returned handle.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer; also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens dbPath and applies the schema
func NewSQLiteStorage(dbPath string, opts Options) (*SQLiteStorage, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewWithDB(context.Background(), db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database handle and applies the schema
func NewWithDB(ctx context.Context, db *sql.DB, opts Options) (*SQLiteStorage, error) {
	if opts.Dimensions.Audio <= 0 {
		return nil, fmt.Errorf("audio dimension must be positive, got %d", opts.Dimensions.Audio)
	}
	if opts.Dimensions.External < 0 || opts.Dimensions.Text < 0 {
		return nil, fmt.Errorf("dimensions cannot be negative")
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db, dims: opts.Dimensions, opTimeout: opts.OpTimeout}, nil
}

// DB exposes the underlying handle for components sharing the database file
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Dimensions returns the vector lengths the store accepts
func (s *SQLiteStorage) Dimensions() Dimensions {
	return s.dims
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Song operations

// UpsertSong writes a catalog row keyed by its ID
func (s *SQLiteStorage) UpsertSong(ctx context.Context, song *Song) error {
	if song == nil || song.ID == 0 {
		return fmt.Errorf("song with a non-zero ID is required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `
		INSERT INTO songs (id, title, artist, genre, mood, energy, tempo, audio_url, audio_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			genre = excluded.genre,
			mood = excluded.mood,
			energy = excluded.energy,
			tempo = excluded.tempo,
			audio_url = excluded.audio_url,
			audio_path = excluded.audio_path,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		song.ID, song.Title, song.Artist, song.Genre, song.Mood, song.Energy,
		nullableFloat(song.Tempo), song.AudioURL, song.AudioPath, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert song %d: %w", song.ID, err)
	}
	song.UpdatedAt = now
	return nil
}

const songColumns = `id, title, artist, genre, mood, energy, tempo, audio_url, audio_path, created_at, updated_at`

func scanSong(row rowScanner) (*Song, error) {
	song := &Song{}
	var tempo sql.NullFloat64
	err := row.Scan(&song.ID, &song.Title, &song.Artist, &song.Genre, &song.Mood, &song.Energy,
		&tempo, &song.AudioURL, &song.AudioPath, &song.CreatedAt, &song.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tempo.Valid {
		t := tempo.Float64
		song.Tempo = &t
	}
	return song, nil
}

// GetSong returns one catalog row
func (s *SQLiteStorage) GetSong(ctx context.Context, songID int64) (*Song, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id = ?", songID)
	song, err := scanSong(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get song %d: %w", songID, err)
	}
	return song, nil
}

// GetSongs returns the catalog rows for songIDs; unknown IDs are absent from the map
func (s *SQLiteStorage) GetSongs(ctx context.Context, songIDs []int64) (map[int64]*Song, error) {
	songs := make(map[int64]*Song, len(songIDs))
	if len(songIDs) == 0 {
		return songs, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	placeholders, args := inClause(songIDs)
	rows, err := s.db.QueryContext(ctx, "SELECT "+songColumns+" FROM songs WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get songs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan song: %w", err)
		}
		songs[song.ID] = song
	}
	return songs, rows.Err()
}

// GetSongTempos returns the effective tempo of each song that has one
func (s *SQLiteStorage) GetSongTempos(ctx context.Context, songIDs []int64) (map[int64]float64, error) {
	tempos := make(map[int64]float64, len(songIDs))
	if len(songIDs) == 0 {
		return tempos, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	placeholders, args := inClause(songIDs)
	rows, err := s.db.QueryContext(ctx,
		"SELECT song_id, tempo FROM song_tempo WHERE tempo IS NOT NULL AND song_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get song tempos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var tempo float64
		if err := rows.Scan(&id, &tempo); err != nil {
			return nil, err
		}
		tempos[id] = tempo
	}
	return tempos, rows.Err()
}

// Audio embedding operations

// UpsertAudioEmbedding writes rec keyed by its audio path. The last write
// wins on every field, song_id included.
func (s *SQLiteStorage) UpsertAudioEmbedding(ctx context.Context, rec *AudioEmbedding) error {
	if rec == nil || rec.AudioPath == "" {
		return fmt.Errorf("audio embedding with an audio path is required")
	}
	if len(rec.Vector) != s.dims.Audio {
		return fmt.Errorf("audio embedding for %s has %d components, want %d: %w",
			rec.AudioPath, len(rec.Vector), s.dims.Audio, types.ErrDimensionMismatch)
	}
	if rec.External != nil && len(rec.External) != s.dims.External {
		return fmt.Errorf("external embedding for %s has %d components, want %d: %w",
			rec.AudioPath, len(rec.External), s.dims.External, types.ErrDimensionMismatch)
	}

	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("%w: encode features for %s: %w", types.ErrStoreWrite, rec.AudioPath, err)
	}

	var external interface{} // NULL when the external model was unavailable
	if rec.External != nil {
		external = serializeVector(rec.External)
	}

	var tempo sql.NullFloat64
	if rec.Features.Tempo > 0 {
		tempo = sql.NullFloat64{Float64: rec.Features.Tempo, Valid: true}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `
		INSERT INTO audio_embeddings (
			song_id, audio_path, embedding, dimension, norm, external_embedding,
			raw_features, tempo, musical_key, duration_sec, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(audio_path) DO UPDATE SET
			song_id = excluded.song_id,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			norm = excluded.norm,
			external_embedding = excluded.external_embedding,
			raw_features = excluded.raw_features,
			tempo = excluded.tempo,
			musical_key = excluded.musical_key,
			duration_sec = excluded.duration_sec,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	norm := codec.Norm(rec.Vector)
	err = s.db.QueryRowContext(ctx, query,
		rec.SongID, rec.AudioPath, serializeVector(rec.Vector), len(rec.Vector), norm, external,
		string(features), tempo, rec.Features.Key, rec.Features.DurationSec, now, now,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("%w: upsert audio embedding %s: %w", types.ErrStoreWrite, rec.AudioPath, err)
	}

	rec.Norm = norm
	rec.UpdatedAt = now
	return nil
}

const audioColumns = `id, song_id, audio_path, embedding, external_embedding, raw_features, norm, created_at, updated_at`

func scanAudioEmbedding(row rowScanner) (*AudioEmbedding, error) {
	rec := &AudioEmbedding{}
	var vector, external []byte
	var features string
	err := row.Scan(&rec.ID, &rec.SongID, &rec.AudioPath, &vector, &external, &features,
		&rec.Norm, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Vector = deserializeVector(vector)
	if len(external) > 0 {
		rec.External = deserializeVector(external)
	}
	if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
		return nil, fmt.Errorf("corrupt raw features for %s: %w", rec.AudioPath, err)
	}
	return rec, nil
}

// GetAudioEmbedding returns the most recently written audio record of a song
func (s *SQLiteStorage) GetAudioEmbedding(ctx context.Context, songID int64) (*AudioEmbedding, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+audioColumns+` FROM audio_embeddings
		WHERE song_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`, songID)
	rec, err := scanAudioEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio embedding for song %d: %w", songID, err)
	}
	return rec, nil
}

// GetAudioEmbeddingByPath returns the audio record of one file
func (s *SQLiteStorage) GetAudioEmbeddingByPath(ctx context.Context, audioPath string) (*AudioEmbedding, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+audioColumns+" FROM audio_embeddings WHERE audio_path = ?", audioPath)
	rec, err := scanAudioEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio embedding for %s: %w", audioPath, err)
	}
	return rec, nil
}

// HasAudioEmbedding reports whether audioPath has been indexed
func (s *SQLiteStorage) HasAudioEmbedding(ctx context.Context, audioPath string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM audio_embeddings WHERE audio_path = ? LIMIT 1", audioPath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check audio embedding for %s: %w", audioPath, err)
	}
	return true, nil
}

// ListSongsMissingAudioEmbedding returns catalog songs with a known audio
// location and no audio record, in ID order
func (s *SQLiteStorage) ListSongsMissingAudioEmbedding(ctx context.Context) ([]SongRef, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.artist, s.audio_url, s.audio_path
		FROM songs s
		WHERE (s.audio_url != '' OR s.audio_path != '')
		AND NOT EXISTS (SELECT 1 FROM audio_embeddings ae WHERE ae.song_id = s.id)
		ORDER BY s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs missing audio embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make([]SongRef, 0)
	for rows.Next() {
		var ref SongRef
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Artist, &ref.AudioURL, &ref.AudioPath); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListAudioVectors returns every comparable (non-zero) audio vector
func (s *SQLiteStorage) ListAudioVectors(ctx context.Context) ([]AudioVector, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT song_id, audio_path, embedding FROM audio_embeddings
		WHERE norm > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list audio vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	vectors := make([]AudioVector, 0)
	for rows.Next() {
		var v AudioVector
		var blob []byte
		if err := rows.Scan(&v.SongID, &v.AudioPath, &blob); err != nil {
			return nil, err
		}
		v.Vector = deserializeVector(blob)
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// Text embedding operations

// UpsertTextEmbedding writes rec keyed by (song_id, content_type)
func (s *SQLiteStorage) UpsertTextEmbedding(ctx context.Context, rec *TextEmbedding) error {
	if rec == nil || rec.ContentType == "" {
		return fmt.Errorf("text embedding with a content type is required")
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("text embedding for song %d (%s) is empty: %w",
			rec.SongID, rec.ContentType, types.ErrDimensionMismatch)
	}
	if s.dims.Text > 0 && len(rec.Vector) != s.dims.Text {
		return fmt.Errorf("text embedding for song %d (%s) has %d components, want %d: %w",
			rec.SongID, rec.ContentType, len(rec.Vector), s.dims.Text, types.ErrDimensionMismatch)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `
		INSERT INTO text_embeddings (song_id, content_type, content_text, embedding, dimension, norm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(song_id, content_type) DO UPDATE SET
			content_text = excluded.content_text,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			norm = excluded.norm,
			created_at = excluded.created_at
		RETURNING id
	`
	now := time.Now()
	norm := codec.Norm(rec.Vector)
	err := s.db.QueryRowContext(ctx, query,
		rec.SongID, rec.ContentType, rec.Content, serializeVector(rec.Vector), len(rec.Vector), norm, now,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("%w: upsert text embedding song %d (%s): %w", types.ErrStoreWrite, rec.SongID, rec.ContentType, err)
	}

	rec.Norm = norm
	rec.CreatedAt = now
	return nil
}

// GetTextEmbedding returns one text record
func (s *SQLiteStorage) GetTextEmbedding(ctx context.Context, songID int64, contentType string) (*TextEmbedding, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rec := &TextEmbedding{}
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, song_id, content_type, content_text, embedding, norm, created_at
		FROM text_embeddings WHERE song_id = ? AND content_type = ?
	`, songID, contentType).Scan(&rec.ID, &rec.SongID, &rec.ContentType, &rec.Content, &blob, &rec.Norm, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get text embedding: %w", err)
	}
	rec.Vector = deserializeVector(blob)
	return rec, nil
}

// Search operations

// SearchAudio ranks songs by cosine similarity against their audio vectors
func (s *SQLiteStorage) SearchAudio(ctx context.Context, query []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	if len(query) != s.dims.Audio {
		return nil, fmt.Errorf("audio query has %d components, want %d: %w", len(query), s.dims.Audio, types.ErrDimensionMismatch)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return searchVectors(ctx, s.db, audioSource, query, limit, filters)
}

// SearchTextVectors ranks songs by cosine similarity against their text vectors
func (s *SQLiteStorage) SearchTextVectors(ctx context.Context, query []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	if s.dims.Text > 0 && len(query) != s.dims.Text {
		return nil, fmt.Errorf("text query has %d components, want %d: %w", len(query), s.dims.Text, types.ErrDimensionMismatch)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return searchVectors(ctx, s.db, textSource, query, limit, filters)
}

// SearchKeywords matches catalog metadata against terms
func (s *SQLiteStorage) SearchKeywords(ctx context.Context, terms []string, limit int) ([]KeywordResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return searchKeywords(ctx, s.db, terms, limit)
}

// SearchTempo returns songs whose effective tempo lies in [minTempo, maxTempo]
func (s *SQLiteStorage) SearchTempo(ctx context.Context, minTempo, maxTempo *float64, limit int) ([]TempoResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return searchTempo(ctx, s.db, minTempo, maxTempo, limit)
}

// Status operations

// GetStats summarises the store contents
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	stats := &Stats{BuildMode: BuildMode}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM songs", &stats.TotalSongs},
		{"SELECT COUNT(DISTINCT song_id) FROM audio_embeddings", &stats.SongsWithAudioEmbeddings},
		{"SELECT COUNT(DISTINCT song_id) FROM text_embeddings", &stats.SongsWithTextEmbeddings},
		{"SELECT COUNT(*) FROM audio_embeddings", &stats.AudioEmbeddings},
		{"SELECT COUNT(*) FROM text_embeddings", &stats.TextEmbeddings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	var avgTempo sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(tempo) FROM audio_embeddings WHERE tempo IS NOT NULL").Scan(&avgTempo); err != nil {
		return nil, fmt.Errorf("failed to compute average tempo: %w", err)
	}
	stats.AvgTempo = avgTempo.Float64

	version, err := currentSchemaVersion(ctx, s.db, AllMigrations.VersionTable)
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version.String()

	// Calculate database size
	var pageCount, pageSize int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return stats, nil
}

// Helper functions

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// inClause returns "?,?,?" and the matching args
func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
