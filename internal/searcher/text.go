package searcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// TextMode selects how a text query is matched
type TextMode string

const (
	TextModeAuto    TextMode = "auto"    // vector when an embedding is given, keywords otherwise
	TextModeKeyword TextMode = "keyword" // metadata keyword match
	TextModeVector  TextMode = "vector"  // text embedding similarity
)

// TextQuery asks for songs matching a description
type TextQuery struct {
	Text        string
	Embedding   []float32 // precomputed query vector
	Mode        TextMode
	ContentType string // restricts vector search to one content type
	Threshold   *float64
	Limit       int
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "or": {}, "the": {}, "of": {}, "with": {},
	"for": {}, "to": {}, "in": {}, "on": {}, "by": {}, "is": {}, "it": {},
	"some": {}, "me": {}, "i": {}, "want": {}, "like": {}, "that": {},
	"song": {}, "songs": {}, "music": {}, "track": {}, "tracks": {},
}

// SearchText ranks songs against a text query. Keyword mode scores by the
// number of distinct query terms found in title, genre, mood or energy;
// vector mode scores by cosine similarity of text embeddings.
func (e *Engine) SearchText(ctx context.Context, q TextQuery) ([]types.SongResult, error) {
	mode := q.Mode
	if mode == "" {
		mode = TextModeAuto
	}
	if strings.TrimSpace(q.Text) == "" && len(q.Embedding) == 0 {
		return nil, fmt.Errorf("text query cannot be empty: %w", types.ErrInvalidQuery)
	}
	limit := e.resolveLimit(q.Limit)

	switch mode {
	case TextModeAuto:
		if len(q.Embedding) > 0 {
			return e.vectorTextSearch(ctx, q, limit)
		}
		return e.keywordTextSearch(ctx, q.Text, limit)
	case TextModeKeyword:
		if strings.TrimSpace(q.Text) == "" {
			return nil, fmt.Errorf("keyword search needs text: %w", types.ErrInvalidQuery)
		}
		return e.keywordTextSearch(ctx, q.Text, limit)
	case TextModeVector:
		return e.vectorTextSearch(ctx, q, limit)
	default:
		return nil, fmt.Errorf("unsupported text mode %q: %w", mode, types.ErrInvalidQuery)
	}
}

func (e *Engine) keywordTextSearch(ctx context.Context, text string, limit int) ([]types.SongResult, error) {
	matches, terms, err := e.keywordMatches(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	results := make([]types.SongResult, len(matches))
	for i, m := range matches {
		score := float64(m.MatchCount) / float64(terms)
		results[i] = types.SongResult{
			SongID:     m.SongID,
			Similarity: score,
			TextScore:  score,
			MatchCount: m.MatchCount,
		}
	}
	return e.hydrate(ctx, results)
}

// keywordMatches runs the keyword search and returns the term count used
// to normalise match counts
func (e *Engine) keywordMatches(ctx context.Context, text string, limit int) ([]storage.KeywordResult, int, error) {
	terms := QueryTerms(text)
	if len(terms) == 0 {
		return []storage.KeywordResult{}, 0, nil
	}
	matches, err := e.store.SearchKeywords(ctx, terms, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("keyword search failed: %w", err)
	}
	return matches, len(terms), nil
}

func (e *Engine) vectorTextSearch(ctx context.Context, q TextQuery, limit int) ([]types.SongResult, error) {
	threshold, err := e.resolveThreshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	vector, err := e.textVector(ctx, q)
	if err != nil {
		return nil, err
	}

	matches, err := e.store.SearchTextVectors(ctx, vector, limit, &storage.SearchFilters{
		MinSimilarity: threshold,
		ContentType:   q.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("text vector search failed: %w", err)
	}

	results := make([]types.SongResult, len(matches))
	for i, m := range matches {
		results[i] = types.SongResult{
			SongID:     m.SongID,
			Similarity: m.Similarity,
			TextScore:  m.Similarity,
		}
	}
	return e.hydrate(ctx, results)
}

// textVector returns the query embedding, encoding the text when none was given
func (e *Engine) textVector(ctx context.Context, q TextQuery) ([]float32, error) {
	if len(q.Embedding) > 0 {
		return q.Embedding, nil
	}
	if e.text == nil {
		return nil, fmt.Errorf("vector text search needs an embedding or a text encoder: %w", types.ErrInvalidQuery)
	}
	emb, err := e.text.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: q.Text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query text: %w", err)
	}
	return emb.Vector, nil
}

// QueryTerms tokenizes a description and drops stop words. A query made only
// of stop words keeps all of its tokens.
func QueryTerms(text string) []string {
	tokens := storage.Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	if len(terms) > 0 {
		return terms
	}

	for _, tok := range tokens {
		if _, dup := seen[tok]; !dup {
			seen[tok] = struct{}{}
			terms = append(terms, tok)
		}
	}
	return terms
}
