package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/soundscope-mcp/internal/config"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("SOUNDSCOPE_DB_PATH", filepath.Join(t.TempDir(), "data", "soundscope.db"))
	t.Setenv("SOUNDSCOPE_TEXT_PROVIDER", "none")
	t.Setenv("SOUNDSCOPE_AUDIO_MODEL_URL", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestNewApp_WiresComponents(t *testing.T) {
	a := newTestApp(t)
	defer a.Close()

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.indexer)
	assert.Nil(t, a.text, "provider none leaves text search keyword only")

	srv, err := a.server(t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, srv)
}

func TestCloseAndExit_ReleasesStoreFirst(t *testing.T) {
	a := newTestApp(t)

	var code int
	exited := false
	osExit = func(c int) {
		code = c
		exited = true
		_, err := a.store.GetStats(context.Background())
		assert.Error(t, err, "store closed before exit")
	}
	defer func() { osExit = os.Exit }()

	closeAndExit(a, 1)
	assert.True(t, exited)
	assert.Equal(t, 1, code)
}
