package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/dshills/soundscope-mcp/internal/codec"
)

// EnvConfigFile names the optional YAML overlay read after the environment
const EnvConfigFile = "SOUNDSCOPE_CONFIG"

// Config is the full server configuration
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Log       LogConfig       `yaml:"log"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Audio     AudioConfig     `yaml:"audio_model"`
	Text      TextConfig      `yaml:"text"`
	Codec     CodecConfig     `yaml:"codec"`
	Search    SearchConfig    `yaml:"search"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Store     StoreConfig     `yaml:"store"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ExtractorConfig describes the external feature extraction program
type ExtractorConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// AudioConfig describes the optional deep audio model server. An empty URL
// disables it and the external slot is zero-filled.
type AudioConfig struct {
	URL       string        `yaml:"url"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TextConfig selects the text embedding provider
type TextConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type CodecConfig struct {
	LocalWeight    float64 `yaml:"local_weight"`
	ExternalWeight float64 `yaml:"external_weight"`
}

type SearchConfig struct {
	Threshold      float64 `yaml:"threshold"`
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	AudioWeight    float64 `yaml:"audio_weight"`
	TextWeight     float64 `yaml:"text_weight"`
	QueryCacheSize int     `yaml:"query_cache_size"`
	UseIndex       bool    `yaml:"use_index"`
}

type IndexingConfig struct {
	Workers      int  `yaml:"workers"`
	ChunkSize    int  `yaml:"chunk_size"`
	SkipExisting bool `yaml:"skip_existing"`
}

type StoreConfig struct {
	OpTimeout    time.Duration `yaml:"op_timeout"`
	CacheEntries int           `yaml:"cache_entries"`
}

// Load reads envFile (ignored when absent), then SOUNDSCOPE_* variables,
// then the YAML file named by SOUNDSCOPE_CONFIG. Later sources win.
// Variables already set in the process environment are not overridden by
// envFile.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		DBPath: envString("SOUNDSCOPE_DB_PATH", defaultDBPath()),
	}

	var err error
	if cfg.Log, err = loadLogConfig(); err != nil {
		return nil, err
	}
	if cfg.Extractor, err = loadExtractorConfig(); err != nil {
		return nil, err
	}
	if cfg.Audio, err = loadAudioConfig(); err != nil {
		return nil, err
	}
	if cfg.Text, err = loadTextConfig(); err != nil {
		return nil, err
	}
	if cfg.Codec, err = loadCodecConfig(); err != nil {
		return nil, err
	}
	if cfg.Search, err = loadSearchConfig(); err != nil {
		return nil, err
	}
	if cfg.Indexing, err = loadIndexingConfig(); err != nil {
		return nil, err
	}
	if cfg.Store, err = loadStoreConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "soundscope.db"
	}
	return filepath.Join(home, ".soundscope", "soundscope.db")
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := envBool("SOUNDSCOPE_LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  envString("SOUNDSCOPE_LOG_LEVEL", "info"),
		Pretty: pretty,
	}, nil
}

func loadExtractorConfig() (ExtractorConfig, error) {
	timeout, err := envDuration("SOUNDSCOPE_EXTRACTOR_TIMEOUT", 2*time.Minute)
	if err != nil {
		return ExtractorConfig{}, err
	}
	return ExtractorConfig{
		Command: envString("SOUNDSCOPE_EXTRACTOR_CMD", "soundscope-extract"),
		Args:    strings.Fields(os.Getenv("SOUNDSCOPE_EXTRACTOR_ARGS")),
		Timeout: timeout,
	}, nil
}

func loadAudioConfig() (AudioConfig, error) {
	dim, err := envInt("SOUNDSCOPE_AUDIO_MODEL_DIM", codec.DefaultExternalDim)
	if err != nil {
		return AudioConfig{}, err
	}
	timeout, err := envDuration("SOUNDSCOPE_AUDIO_MODEL_TIMEOUT", 60*time.Second)
	if err != nil {
		return AudioConfig{}, err
	}
	return AudioConfig{
		URL:       os.Getenv("SOUNDSCOPE_AUDIO_MODEL_URL"),
		Dimension: dim,
		Timeout:   timeout,
	}, nil
}

func loadTextConfig() (TextConfig, error) {
	dim, err := envInt("SOUNDSCOPE_TEXT_DIM", 0)
	if err != nil {
		return TextConfig{}, err
	}
	cacheSize, err := envInt("SOUNDSCOPE_TEXT_CACHE_SIZE", 1000)
	if err != nil {
		return TextConfig{}, err
	}
	timeout, err := envDuration("SOUNDSCOPE_TEXT_TIMEOUT", 30*time.Second)
	if err != nil {
		return TextConfig{}, err
	}

	// Fall back to the provider specific keys the embedder package recognises.
	apiKey := os.Getenv("SOUNDSCOPE_TEXT_API_KEY")
	provider := os.Getenv("SOUNDSCOPE_TEXT_PROVIDER")
	if apiKey == "" {
		switch {
		case os.Getenv("JINA_API_KEY") != "" && (provider == "" || provider == "jina"):
			apiKey = os.Getenv("JINA_API_KEY")
			if provider == "" {
				provider = "jina"
			}
		case os.Getenv("OPENAI_API_KEY") != "" && (provider == "" || provider == "openai"):
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	return TextConfig{
		Provider:  provider,
		APIKey:    apiKey,
		BaseURL:   os.Getenv("SOUNDSCOPE_TEXT_BASE_URL"),
		Model:     os.Getenv("SOUNDSCOPE_TEXT_MODEL"),
		Dimension: dim,
		CacheSize: cacheSize,
		Timeout:   timeout,
	}, nil
}

func loadCodecConfig() (CodecConfig, error) {
	local, err := envFloat("SOUNDSCOPE_LOCAL_WEIGHT", codec.DefaultLocalWeight)
	if err != nil {
		return CodecConfig{}, err
	}
	external, err := envFloat("SOUNDSCOPE_EXTERNAL_WEIGHT", codec.DefaultExternalWeight)
	if err != nil {
		return CodecConfig{}, err
	}
	return CodecConfig{LocalWeight: local, ExternalWeight: external}, nil
}

func loadSearchConfig() (SearchConfig, error) {
	var (
		cfg SearchConfig
		err error
	)
	if cfg.Threshold, err = envFloat("SOUNDSCOPE_THRESHOLD", 0.5); err != nil {
		return cfg, err
	}
	if cfg.DefaultLimit, err = envInt("SOUNDSCOPE_DEFAULT_LIMIT", 10); err != nil {
		return cfg, err
	}
	if cfg.MaxLimit, err = envInt("SOUNDSCOPE_MAX_LIMIT", 100); err != nil {
		return cfg, err
	}
	if cfg.AudioWeight, err = envFloat("SOUNDSCOPE_AUDIO_WEIGHT", 0.6); err != nil {
		return cfg, err
	}
	if cfg.TextWeight, err = envFloat("SOUNDSCOPE_TEXT_WEIGHT", 0.4); err != nil {
		return cfg, err
	}
	if cfg.QueryCacheSize, err = envInt("SOUNDSCOPE_QUERY_CACHE_SIZE", 128); err != nil {
		return cfg, err
	}
	if cfg.UseIndex, err = envBool("SOUNDSCOPE_ANN_INDEX", true); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadIndexingConfig() (IndexingConfig, error) {
	workers, err := envInt("SOUNDSCOPE_WORKERS", 1)
	if err != nil {
		return IndexingConfig{}, err
	}
	chunk, err := envInt("SOUNDSCOPE_CHUNK_SIZE", 50)
	if err != nil {
		return IndexingConfig{}, err
	}
	skip, err := envBool("SOUNDSCOPE_SKIP_EXISTING", true)
	if err != nil {
		return IndexingConfig{}, err
	}
	return IndexingConfig{Workers: workers, ChunkSize: chunk, SkipExisting: skip}, nil
}

func loadStoreConfig() (StoreConfig, error) {
	timeout, err := envDuration("SOUNDSCOPE_STORE_TIMEOUT", 30*time.Second)
	if err != nil {
		return StoreConfig{}, err
	}
	entries, err := envInt("SOUNDSCOPE_ANALYSIS_CACHE_ENTRIES", 1024)
	if err != nil {
		return StoreConfig{}, err
	}
	return StoreConfig{OpTimeout: timeout, CacheEntries: entries}, nil
}

// overlay decodes the YAML file at path over cfg. Keys absent from the file
// keep their current values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Extractor.Command == "" {
		return fmt.Errorf("extractor command is required")
	}
	if c.Audio.Dimension <= 0 {
		return fmt.Errorf("audio model dimension must be positive, got %d", c.Audio.Dimension)
	}
	if c.Text.Dimension < 0 {
		return fmt.Errorf("text dimension cannot be negative, got %d", c.Text.Dimension)
	}
	if c.Codec.LocalWeight < 0 || c.Codec.ExternalWeight < 0 {
		return fmt.Errorf("codec weights must be non-negative")
	}
	if c.Codec.LocalWeight == 0 && c.Codec.ExternalWeight == 0 {
		return fmt.Errorf("at least one codec weight must be positive")
	}
	if c.Search.Threshold < -1 || c.Search.Threshold > 1 {
		return fmt.Errorf("threshold must be within [-1, 1], got %v", c.Search.Threshold)
	}
	if c.Search.AudioWeight < 0 || c.Search.TextWeight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("limits must satisfy 0 < default_limit <= max_limit (got %d, %d)",
			c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	if c.Indexing.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Indexing.Workers)
	}
	if c.Indexing.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1, got %d", c.Indexing.ChunkSize)
	}
	return nil
}

// CodecOptions returns the codec settings for this configuration
func (c *Config) CodecOptions() codec.Options {
	return codec.Options{
		LocalWeight:    c.Codec.LocalWeight,
		ExternalWeight: c.Codec.ExternalWeight,
		ExternalDim:    c.Audio.Dimension,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := cast.ToIntE(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := cast.ToBoolE(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := cast.ToDurationE(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
