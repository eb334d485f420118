// Package embedder encodes free text (lyrics, descriptions, mood prompts)
// into vectors for text similarity search.
//
// Providers:
//   - jina / openai: remote OpenAI-compatible /v1/embeddings endpoints,
//     retried with exponential backoff
//   - local: offline feature-hashing encoder, deterministic and model-free
//   - none: no encoder; text search falls back to keyword matching
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "local", CacheSize: 1000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "melancholic piano ballad",
//	})
//
// # Caching
//
// Embeddings are cached in an LRU keyed by the BLAKE2b hash of the text.
// Cached vectors are copied on read so callers cannot corrupt the cache.
package embedder
