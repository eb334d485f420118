package extractor

import (
	"context"
	"sync"
)

// serialEmbedder guards an AudioEmbedder with a mutex
type serialEmbedder struct {
	mu    sync.Mutex
	inner AudioEmbedder
}

// Serialize wraps emb so that its methods never run concurrently. Share the
// returned value between every component that uses the same model. Wrapping
// an already serialized embedder returns it unchanged.
func Serialize(emb AudioEmbedder) AudioEmbedder {
	if emb == nil {
		return nil
	}
	if _, ok := emb.(*serialEmbedder); ok {
		return emb
	}
	return &serialEmbedder{inner: emb}
}

func (s *serialEmbedder) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Open(ctx)
}

func (s *serialEmbedder) Embed(ctx context.Context, audioPath string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Embed(ctx, audioPath)
}

func (s *serialEmbedder) Dimension() int {
	return s.inner.Dimension()
}

func (s *serialEmbedder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
