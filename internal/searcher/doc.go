// Package searcher implements the read-only song search engine over the
// embedding store.
//
// The engine provides five query modes:
//   - Audio similarity: embed a query file and rank songs by cosine similarity
//   - Text: keyword match on catalog metadata, or text-embedding similarity
//   - Tempo range: songs whose tempo lies in [min, max], slowest first
//   - Tempo + audio: a tempo window ordered by similarity to a reference
//   - Hybrid: audio and text scores merged with configurable weights
//
// # Basic Usage
//
//	engine, err := searcher.New(searcher.Options{
//	    Store:     store,
//	    Codec:     c,
//	    Extractor: ext,
//	})
//
//	results, err := engine.SimilarByAudio(ctx, searcher.AudioQuery{
//	    AudioPath: "/music/query.mp3",
//	    Limit:     10,
//	})
//
//	for _, r := range results {
//	    fmt.Printf("[%d] %s - %s (%.3f)\n", r.Rank, r.Artist, r.Title, r.Similarity)
//	}
//
// # Ordering
//
// Every similarity mode orders results by score descending and breaks ties
// by ascending song ID, so identical inputs always produce identical
// rankings. A song indexed under several audio paths appears once, with its
// best path. Songs whose combined embedding is the zero vector are never
// ranked.
//
// # Hybrid Merge
//
// MergeHybrid is a pure function:
//
//	combined = audio_score*audio_weight + text_score*text_weight
//
// A song found by only one modality scores 0 for the other. Weights are used
// as given; they need not sum to 1. The optional tempo filter is applied
// after sorting and before truncation.
//
// # Query Cache
//
// Query files are embedded through the same codec as indexed files. The
// resulting vector is cached in an LRU keyed by the BLAKE2b hash of the file
// content, so repeated queries with the same clip skip extraction.
//
// # Errors
//
// Malformed parameters (empty query, threshold outside [-1, 1], min tempo
// above max tempo) return errors wrapping types.ErrInvalidQuery. A query
// file that cannot be analysed returns an error wrapping types.ErrExtraction.
// A seed song without an embedding is not an error: the result is empty.
package searcher
