// Package extractor adapts the external audio analysis tools: the feature
// extractor that produces a RawFeatureSet per file, and the optional deep
// audio model that produces an external embedding.
package extractor

import (
	"context"

	"github.com/dshills/soundscope-mcp/pkg/types"
)

// FeatureExtractor computes raw analysis features for one audio file.
// Failures wrap types.ErrExtraction.
type FeatureExtractor interface {
	Extract(ctx context.Context, audioPath string) (*types.RawFeatureSet, error)
}

// AudioEmbedder is the optional deep audio model. It is opened once and
// kept warm across a run; implementations need not be safe for concurrent
// Embed calls.
type AudioEmbedder interface {
	Open(ctx context.Context) error
	Embed(ctx context.Context, audioPath string) ([]float32, error)
	Dimension() int
	Close() error
}
