package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config holds text embedder configuration
type Config struct {
	Provider  string // jina, openai, local, none; empty auto-detects from the API keys
	APIKey    string
	BaseURL   string // overrides the provider endpoint (self-hosted OpenAI-compatible servers)
	Model     string
	Dimension int
	CacheSize int
	Timeout   time.Duration
}

// New creates an embedder with explicit configuration. It returns
// ErrNoProviderEnabled when the resolved provider is "none"; callers then
// fall back to keyword-only text search.
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	provider := DetectProvider(cfg)
	switch provider {
	case ProviderJina, ProviderOpenAI:
		if cfg.BaseURL == "" && cfg.Model == "" && cfg.Dimension == 0 {
			if provider == ProviderJina {
				return NewJinaProvider(cfg.APIKey, cache)
			}
			return NewOpenAIProvider(cfg.APIKey, cache)
		}
		return NewHTTPProvider(httpConfig(provider, cfg), cache)
	case ProviderLocal:
		return NewLocalProvider(cache)
	case ProviderNone:
		return nil, ErrNoProviderEnabled
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider New would build for cfg
func DetectProvider(cfg Config) string {
	if cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	if cfg.APIKey != "" {
		return ProviderOpenAI
	}
	return ProviderNone
}

func httpConfig(provider string, cfg Config) HTTPProviderConfig {
	out := HTTPProviderConfig{
		Name:      provider,
		URL:       DefaultOpenAIURL,
		APIKey:    cfg.APIKey,
		Model:     DefaultOpenAIModel,
		Dimension: OpenAIDimension,
		Timeout:   cfg.Timeout,
	}
	if provider == ProviderJina {
		out.URL = DefaultJinaURL
		out.Model = DefaultJinaModel
		out.Dimension = JinaDimension
	}
	if cfg.BaseURL != "" {
		out.URL = cfg.BaseURL
	}
	if cfg.Model != "" {
		out.Model = cfg.Model
	}
	if cfg.Dimension > 0 {
		out.Dimension = cfg.Dimension
	}
	return out
}
