// Package indexer runs batch indexing of audio files into the embedding store.
//
// # Basic Usage
//
//	idx, err := indexer.New(indexer.Options{
//	    Store:     store,
//	    Codec:     c,
//	    Extractor: ext,
//	    Cache:     cache,
//	})
//
//	result, err := idx.RunBatch(ctx, []indexer.Candidate{
//	    {AudioPath: "/music/a.mp3", SongID: 1},
//	    {AudioPath: "/music/b.mp3", SongID: 2},
//	}, indexer.DefaultRunOptions())
//
//	fmt.Printf("%d indexed, %d skipped, %d failed in %v\n",
//	    result.SuccessCount, result.Skipped, len(result.Failed), result.Duration)
//
// # Pipeline
//
// Each candidate moves through:
//
//  1. Skip check: with SkipExisting, a path that already has an audio
//     embedding is counted as skipped
//  2. Analysis: the analysis cache is consulted first; on a miss the feature
//     extractor runs and the result is cached
//  3. External model: the optional audio model adds a deep embedding; if it
//     is unavailable the external part is zero-filled
//  4. Codec: raw features and the external embedding become one unit-norm
//     combined embedding
//  5. Upsert: the record is written keyed by audio path
//
// # Failure Isolation
//
// An extraction or store failure is recorded in BatchResult.Failed with the
// path, song ID and reason, and the run continues. A cache that cannot be
// read or written degrades to extraction without caching. A dimension
// mismatch means the codec and store disagree; the run stops and returns
// types.ErrDimensionMismatch with the partial result.
//
// # Concurrency
//
// Candidates are processed sequentially by default. RunOptions.Workers
// enables a bounded pool over independent files; the audio model is
// serialized across workers. Only one run may be active per Indexer; a
// concurrent call returns ErrIndexingInProgress immediately.
//
// # Cancellation
//
// The context is checked between candidates. A cancelled run returns the
// partial result with Cancelled set, together with ctx.Err(). The candidate
// in flight when cancellation arrives is allowed to finish.
//
// # Idempotence
//
// The codec is a pure function of the file, so re-running a batch after a
// crash rewrites identical records or skips them. Chunks only set the
// progress reporting granularity; every upsert commits on its own.
package indexer
