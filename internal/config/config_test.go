package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SOUNDSCOPE_DB_PATH", filepath.Join(t.TempDir(), "s.db"))
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 512, cfg.Audio.Dimension)
	assert.Equal(t, 0.3, cfg.Codec.LocalWeight)
	assert.Equal(t, 0.7, cfg.Codec.ExternalWeight)
	assert.Equal(t, 0.5, cfg.Search.Threshold)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.Equal(t, 0.6, cfg.Search.AudioWeight)
	assert.Equal(t, 0.4, cfg.Search.TextWeight)
	assert.Equal(t, 1, cfg.Indexing.Workers)
	assert.Equal(t, 50, cfg.Indexing.ChunkSize)
	assert.True(t, cfg.Indexing.SkipExisting)

	opts := cfg.CodecOptions()
	assert.Equal(t, 512, opts.ExternalDim)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SOUNDSCOPE_DB_PATH", "/tmp/x.db")
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SOUNDSCOPE_WORKERS", "4")
	t.Setenv("SOUNDSCOPE_THRESHOLD", "0.25")
	t.Setenv("SOUNDSCOPE_STORE_TIMEOUT", "5s")
	t.Setenv("SOUNDSCOPE_LOG_PRETTY", "true")
	t.Setenv("SOUNDSCOPE_EXTRACTOR_ARGS", "--sr 22050")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Indexing.Workers)
	assert.Equal(t, 0.25, cfg.Search.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Store.OpTimeout)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, []string{"--sr", "22050"}, cfg.Extractor.Args)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("SOUNDSCOPE_DB_PATH", "/tmp/x.db")
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SOUNDSCOPE_WORKERS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOUNDSCOPE_WORKERS")
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SOUNDSCOPE_CHUNK_SIZE=7\n"), 0o600))

	t.Setenv("SOUNDSCOPE_DB_PATH", "/tmp/x.db")
	t.Setenv(EnvConfigFile, "")
	// Registered so the value godotenv sets is removed after the test.
	t.Setenv("SOUNDSCOPE_CHUNK_SIZE", "")
	require.NoError(t, os.Unsetenv("SOUNDSCOPE_CHUNK_SIZE"))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Indexing.ChunkSize)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err, "a missing env file is not an error")
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundscope.yaml")
	content := `
search:
  threshold: 0.8
  audio_weight: 0.9
audio_model:
  url: http://localhost:9000
  dimension: 128
  timeout: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SOUNDSCOPE_DB_PATH", "/tmp/x.db")
	t.Setenv("SOUNDSCOPE_THRESHOLD", "0.2")
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Search.Threshold, "file wins over environment")
	assert.Equal(t, 0.9, cfg.Search.AudioWeight)
	assert.Equal(t, 0.4, cfg.Search.TextWeight, "unset keys keep their values")
	assert.Equal(t, "http://localhost:9000", cfg.Audio.URL)
	assert.Equal(t, 128, cfg.Audio.Dimension)
	assert.Equal(t, 15*time.Second, cfg.Audio.Timeout)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	t.Setenv("SOUNDSCOPE_DB_PATH", "/tmp/x.db")
	base := func() *Config {
		cfg, err := fromEnv()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"threshold", func(c *Config) { c.Search.Threshold = 1.5 }},
		{"workers", func(c *Config) { c.Indexing.Workers = 0 }},
		{"chunk", func(c *Config) { c.Indexing.ChunkSize = 0 }},
		{"codec weights", func(c *Config) { c.Codec.LocalWeight, c.Codec.ExternalWeight = 0, 0 }},
		{"negative weight", func(c *Config) { c.Search.TextWeight = -1 }},
		{"limits", func(c *Config) { c.Search.DefaultLimit = 200 }},
		{"audio dim", func(c *Config) { c.Audio.Dimension = 0 }},
		{"extractor", func(c *Config) { c.Extractor.Command = "" }},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
