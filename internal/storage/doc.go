// Package storage provides SQLite-based persistence for song embeddings.
//
// The storage layer manages:
//   - The catalog read model (songs), written only by catalog sync
//   - Audio embeddings, one row per audio file
//   - Text embeddings, one row per (song, content type)
//   - A full-text index over catalog metadata for keyword search
//
// # Database Schema
//
// Tables:
//   - songs: catalog metadata (title, artist, genre, mood, energy, tempo)
//   - songs_fts: FTS5 index over title/genre/mood/energy
//   - audio_embeddings: combined vector, norm, optional external vector,
//     raw features (JSON) and analysed tempo/key/duration
//   - text_embeddings: text vector and source text
//   - song_tempo (view): analysed tempo, falling back to the catalog tempo
//
// Vectors are stored as little-endian float32 blobs alongside their L2 norm.
// Rows with a zero norm are never ranked.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage("soundscope.db", storage.Options{
//	    Dimensions: storage.DefaultDimensions(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.UpsertAudioEmbedding(ctx, &storage.AudioEmbedding{
//	    SongID:    42,
//	    AudioPath: "/music/42.mp3",
//	    Vector:    combined,
//	    Features:  *features,
//	})
//
// # Upsert Semantics
//
// Audio rows conflict on audio_path and text rows on (song_id, content_type).
// Each upsert is a single INSERT ... ON CONFLICT DO UPDATE statement, so the
// last write wins without a read-modify-write window. Writing a vector whose
// length differs from the configured Dimensions fails with
// types.ErrDimensionMismatch before touching the database.
//
// # Build Modes
//
// With the sqlite_vec build tag the mattn/go-sqlite3 driver is used and the
// sqlite-vec extension computes cosine distance in SQL. The default build
// uses modernc.org/sqlite and scores vectors in Go. Both modes return the
// same ordering: similarity descending, song ID ascending.
package storage
