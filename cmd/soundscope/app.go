package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dshills/soundscope-mcp/internal/analysiscache"
	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/config"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/extractor"
	"github.com/dshills/soundscope-mcp/internal/indexer"
	"github.com/dshills/soundscope-mcp/internal/mcp"
	"github.com/dshills/soundscope-mcp/internal/searcher"
	"github.com/dshills/soundscope-mcp/internal/storage"
)

// app holds the wired components shared by the server and the index command
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   *storage.SQLiteStorage
	cache   *analysiscache.Cache
	codec   *codec.Codec
	index   *annindex.Index
	audio   extractor.AudioEmbedder
	text    embedder.Embedder
	engine  *searcher.Engine
	indexer *indexer.Indexer
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg, logger := a.cfg, a.logger

	if a.codec, err = codec.New(cfg.CodecOptions()); err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	text, err := embedder.New(embedder.Config{
		Provider:  cfg.Text.Provider,
		APIKey:    cfg.Text.APIKey,
		BaseURL:   cfg.Text.BaseURL,
		Model:     cfg.Text.Model,
		Dimension: cfg.Text.Dimension,
		CacheSize: cfg.Text.CacheSize,
		Timeout:   cfg.Text.Timeout,
	})
	switch {
	case errors.Is(err, embedder.ErrNoProviderEnabled):
		logger.Info().Msg("no text encoder configured, text search is keyword only")
	case err != nil:
		return fmt.Errorf("failed to initialize text encoder: %w", err)
	default:
		a.text = text
	}

	dims := storage.Dimensions{Audio: a.codec.Dimension(), External: a.codec.ExternalDim()}
	if a.text != nil {
		dims.Text = a.text.Dimension()
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if a.store, err = storage.NewSQLiteStorage(cfg.DBPath, storage.Options{
		Dimensions: dims,
		OpTimeout:  cfg.Store.OpTimeout,
	}); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.cache, err = analysiscache.New(ctx, a.store.DB(), analysiscache.Options{
		MemoryEntries: cfg.Store.CacheEntries,
		Logger:        component(logger, "analysiscache"),
	})
	if err != nil {
		// Indexing still works without the cache, only slower on re-runs.
		logger.Warn().Err(err).Msg("analysis cache unavailable")
		a.cache = nil
	}

	features, err := extractor.NewCommandExtractor(extractor.CommandOptions{
		Command: cfg.Extractor.Command,
		Args:    cfg.Extractor.Args,
		Timeout: cfg.Extractor.Timeout,
		Logger:  component(logger, "extractor"),
	})
	if err != nil {
		return fmt.Errorf("failed to create feature extractor: %w", err)
	}

	if cfg.Audio.URL != "" {
		model, err := extractor.NewHTTPAudioEmbedder(extractor.HTTPAudioEmbedderOptions{
			BaseURL:   cfg.Audio.URL,
			Dimension: cfg.Audio.Dimension,
			Timeout:   cfg.Audio.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create audio model client: %w", err)
		}
		a.audio = extractor.Serialize(model)
	}

	if cfg.Search.UseIndex {
		a.index = annindex.New(a.codec.Dimension())
		n, err := a.index.Rebuild(ctx, a.store)
		if err != nil {
			return fmt.Errorf("failed to build audio index: %w", err)
		}
		logger.Info().Int("vectors", n).Msg("audio index built")
	}

	a.engine, err = searcher.New(searcher.Options{
		Store:            a.store,
		Codec:            a.codec,
		Extractor:        features,
		AudioEmbedder:    a.audio,
		TextEncoder:      a.text,
		Index:            a.index,
		Logger:           component(logger, "searcher"),
		DefaultThreshold: cfg.Search.Threshold,
		DefaultLimit:     cfg.Search.DefaultLimit,
		MaxLimit:         cfg.Search.MaxLimit,
		AudioWeight:      cfg.Search.AudioWeight,
		TextWeight:       cfg.Search.TextWeight,
		QueryCacheSize:   cfg.Search.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}

	a.indexer, err = indexer.New(indexer.Options{
		Store:         a.store,
		Codec:         a.codec,
		Extractor:     features,
		Cache:         a.cache,
		AudioEmbedder: a.audio,
		TextEncoder:   a.text,
		Index:         a.index,
		Logger:        component(logger, "indexer"),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	return nil
}

func (a *app) runOptions() indexer.RunOptions {
	return indexer.RunOptions{
		SkipExisting: a.cfg.Indexing.SkipExisting,
		Workers:      a.cfg.Indexing.Workers,
		ChunkSize:    a.cfg.Indexing.ChunkSize,
	}
}

func (a *app) server(baseDir string) (*mcp.Server, error) {
	return mcp.NewServer(mcp.Deps{
		Store:       a.store,
		Engine:      a.engine,
		Indexer:     a.indexer,
		Index:       a.index,
		Cache:       a.cache,
		TextEncoder: a.text,
		AudioModel:  a.audio != nil,
		BaseDir:     baseDir,
		RunDefaults: a.runOptions(),
		Logger:      component(a.logger, "mcp"),
	})
}

// Close releases the models and the database
func (a *app) Close() {
	if a.audio != nil {
		_ = a.audio.Close()
	}
	if a.text != nil {
		_ = a.text.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
