package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/dshills/soundscope-mcp/internal/codec"
)

// vectorSource describes a table of song vectors
type vectorSource struct {
	table      string
	pathColumn string
}

var (
	audioSource = vectorSource{table: "audio_embeddings", pathColumn: "e.audio_path"}
	textSource  = vectorSource{table: "text_embeddings", pathColumn: "''"}
)

// searchVectors performs cosine similarity search, one result per song
func searchVectors(ctx context.Context, db *sql.DB, src vectorSource, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	// A zero query is non-comparable: nothing can be ranked against it
	if codec.IsZero(queryVector) {
		return []VectorResult{}, nil
	}

	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorsOptimized(ctx, db, src, queryVector, limit, filters)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorsFallback(ctx, db, src, queryVector, limit, filters)
}

// searchVectorsOptimized uses sqlite-vec to compute similarity inside SQLite
func searchVectorsOptimized(ctx context.Context, db *sql.DB, src vectorSource, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	queryVectorBlob := serializeVector(queryVector)

	// vec_distance_cosine returns distance (lower is better); convert to similarity.
	// With MAX(), SQLite takes the bare path column from the row holding the maximum.
	query := `
		SELECT
			e.song_id,
			` + src.pathColumn + ` AS path,
			MAX(1.0 - vec_distance_cosine(e.embedding, ?)) AS similarity
		FROM ` + src.table + ` e
		LEFT JOIN song_tempo st ON st.song_id = e.song_id
		WHERE e.norm > 0 AND e.dimension = ?
	`
	args := []interface{}{queryVectorBlob, len(queryVector)}
	query, args = applyVectorFilters(query, args, filters)

	query += " GROUP BY e.song_id HAVING similarity >= ?"
	args = append(args, minSimilarity(filters))

	query += " ORDER BY similarity DESC, e.song_id ASC LIMIT ?"
	args = append(args, sqlLimit(limit))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0)
	for rows.Next() {
		var result VectorResult
		if err := rows.Scan(&result.SongID, &result.AudioPath, &result.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// searchVectorsFallback reads candidate rows and scores them in Go
func searchVectorsFallback(ctx context.Context, db *sql.DB, src vectorSource, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	query := `
		SELECT e.song_id, ` + src.pathColumn + ` AS path, e.embedding
		FROM ` + src.table + ` e
		LEFT JOIN song_tempo st ON st.song_id = e.song_id
		WHERE e.norm > 0 AND e.dimension = ?
	`
	args := []interface{}{len(queryVector)}
	query, args = applyVectorFilters(query, args, filters)
	query += " ORDER BY e.id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, queryVector, minSimilarity(filters))
	if err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	return buildVectorResults(candidates, limit), nil
}

// searchKeywords finds songs whose title/genre/mood/energy contain any of
// terms, scored by how many distinct terms matched
func searchKeywords(ctx context.Context, db *sql.DB, terms []string, limit int) ([]KeywordResult, error) {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return []KeywordResult{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.title, s.genre, s.mood, s.energy
		FROM songs_fts
		INNER JOIN songs s ON s.id = songs_fts.rowid
		WHERE songs_fts MATCH ?
	`, buildFTSQuery(terms))
	if err != nil {
		return nil, fmt.Errorf("failed to execute keyword search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]KeywordResult, 0)
	for rows.Next() {
		var id int64
		var title, genre, mood, energy string
		if err := rows.Scan(&id, &title, &genre, &mood, &energy); err != nil {
			return nil, err
		}

		tokens := make(map[string]struct{})
		for _, field := range []string{title, genre, mood, energy} {
			for _, tok := range Tokenize(field) {
				tokens[tok] = struct{}{}
			}
		}
		matches := 0
		for _, term := range terms {
			if _, ok := tokens[term]; ok {
				matches++
			}
		}
		if matches > 0 {
			results = append(results, KeywordResult{SongID: id, MatchCount: matches})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].MatchCount != results[j].MatchCount {
			return results[i].MatchCount > results[j].MatchCount
		}
		return results[i].SongID < results[j].SongID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchTempo lists songs by effective tempo, ascending
func searchTempo(ctx context.Context, db *sql.DB, minTempo, maxTempo *float64, limit int) ([]TempoResult, error) {
	query := "SELECT song_id, tempo FROM song_tempo WHERE tempo IS NOT NULL"
	args := []interface{}{}
	if minTempo != nil {
		query += " AND tempo >= ?"
		args = append(args, *minTempo)
	}
	if maxTempo != nil {
		query += " AND tempo <= ?"
		args = append(args, *maxTempo)
	}
	query += " ORDER BY tempo ASC, song_id ASC LIMIT ?"
	args = append(args, sqlLimit(limit))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute tempo search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]TempoResult, 0)
	for rows.Next() {
		var r TempoResult
		if err := rows.Scan(&r.SongID, &r.Tempo); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Helper functions

// applyVectorFilters adds WHERE clause filters for vector search
func applyVectorFilters(query string, args []interface{}, filters *SearchFilters) (string, []interface{}) {
	if filters == nil {
		return query, args
	}

	if filters.MinTempo != nil {
		query += " AND st.tempo >= ?"
		args = append(args, *filters.MinTempo)
	}
	if filters.MaxTempo != nil {
		query += " AND st.tempo <= ?"
		args = append(args, *filters.MaxTempo)
	}

	if len(filters.ExcludeSongIDs) > 0 {
		placeholders, ids := inClause(filters.ExcludeSongIDs)
		query += " AND e.song_id NOT IN (" + placeholders + ")"
		args = append(args, ids...)
	}

	if filters.ContentType != "" {
		query += " AND e.content_type = ?"
		args = append(args, filters.ContentType)
	}

	return query, args
}

// minSimilarity returns the inclusive threshold; no filters keeps every comparable row
func minSimilarity(filters *SearchFilters) float64 {
	if filters == nil {
		return -1
	}
	return filters.MinSimilarity
}

// sqlLimit maps a non-positive limit to SQLite's "no limit"
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// computeSimilarityScores scores rows against queryVector, keeping the best row per song
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, threshold float64) ([]candidate, error) {
	best := make(map[int64]int)
	candidates := make([]candidate, 0, 256)

	for rows.Next() {
		var songID int64
		var path string
		var vectorBlob []byte
		if err := rows.Scan(&songID, &path, &vectorBlob); err != nil {
			return nil, err
		}

		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}

		similarity := codec.CosineSimilarity(queryVector, vector)
		if similarity < threshold {
			continue
		}

		if i, ok := best[songID]; ok {
			if similarity > candidates[i].score {
				candidates[i].score = similarity
				candidates[i].path = path
			}
			continue
		}
		best[songID] = len(candidates)
		candidates = append(candidates, candidate{songID: songID, path: path, score: similarity})
	}

	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from sorted candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	// Non-positive limit returns all candidates
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			SongID:     candidates[i].songID,
			AudioPath:  candidates[i].path,
			Similarity: candidates[i].score,
		}
	}
	return results
}

// serializeVector converts a float32 slice to a byte blob (little-endian).
// This is the layout sqlite-vec reads.
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// candidate represents a song with its best similarity score
type candidate struct {
	songID int64
	path   string
	score  float64
}

// sortCandidates orders by score descending, then song ID ascending
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].songID < candidates[j].songID
	})
}

// Tokenize lowercases s and splits it into letter/digit runs
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalizeTerms lowercases and de-duplicates terms, keeping first-seen order
func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, raw := range terms {
		for _, tok := range Tokenize(raw) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// buildFTSQuery ORs quoted terms. Terms are letter/digit runs, so quoting
// is enough to keep FTS5 operators out of the expression.
func buildFTSQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}
