// Package types provides shared type definitions for the SoundScope MCP server.
//
// # Core Types
//
// RawFeatureSet is the closed set of analysis features an extractor computes
// once per audio file: tempo, key, duration, five spectral scalars and the
// mean/std statistics of 13 MFCC bands, 12 chroma bins and 6 tonnetz
// dimensions.
//
//	var f types.RawFeatureSet
//	if err := json.Unmarshal(out, &f); err != nil { ... }
//	if err := f.Validate(); err != nil { ... }
//
// SongResult is one ranked song returned by any search mode. Similarity is
// the primary score; AudioScore, TextScore, MatchCount and TempoDistance are
// filled in by the modes that produce them.
//
// # Errors
//
// The failure taxonomy is expressed as sentinel errors that concrete errors
// wrap:
//
//	ErrExtraction        per-file decode or analysis failure
//	ErrCacheUnavailable  analysis cache cannot be used; caller falls back
//	ErrStoreWrite        embedding row could not be persisted
//	ErrDimensionMismatch vector length disagrees with configuration
//	ErrInvalidQuery      malformed search parameters
//
// Match them with errors.Is.
package types
