package types

import "errors"

// Failure kinds shared by the cache, store, search engine and orchestrator.
// Callers match them with errors.Is; concrete errors wrap one of these.
var (
	// ErrExtraction means a decoder or analysis step failed for a single file
	ErrExtraction = errors.New("feature extraction failed")
	// ErrCacheUnavailable means the analysis cache could not be read or written
	ErrCacheUnavailable = errors.New("analysis cache unavailable")
	// ErrStoreWrite means an embedding row could not be persisted
	ErrStoreWrite = errors.New("embedding store write failed")
	// ErrDimensionMismatch means a vector length disagrees with the configured dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidQuery means search parameters were malformed
	ErrInvalidQuery = errors.New("invalid query")
)

// Result validation errors
var (
	ErrInvalidSongID    = errors.New("invalid song ID")
	ErrInvalidRank      = errors.New("rank must be >= 1")
	ErrInvalidScore     = errors.New("similarity must be between -1 and 1")
	ErrInvalidFeature   = errors.New("feature value is not finite")
	ErrNegativeTempo    = errors.New("tempo cannot be negative")
	ErrNegativeDuration = errors.New("duration cannot be negative")
)
