package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/soundscope-mcp/internal/config"
	"github.com/dshills/soundscope-mcp/internal/mcp"
	"github.com/dshills/soundscope-mcp/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage:
  soundscope                     serve MCP over stdio
  soundscope index <catalog.yaml> sync a catalog and index its audio
  soundscope --version           print build information
`

// osExit is replaced in tests
var osExit = os.Exit

// closeAndExit releases a before exiting; os.Exit skips deferred calls
func closeAndExit(a *app, code int) {
	a.Close()
	osExit(code)
}

func main() {
	// Handle version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("SoundScope MCP Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		fmt.Printf("Vector Extension: %v\n", storage.VectorExtensionAvailable)
		os.Exit(0)
	}

	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr (stdout reserved for MCP protocol)
	logger := newLogger(cfg.Log)
	logger.Info().
		Str("version", version).
		Str("build_mode", storage.BuildMode).
		Str("driver", storage.DriverName).
		Bool("vector_extension", storage.VectorExtensionAvailable).
		Msg("SoundScope starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// newApp releases whatever it opened before failing
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		os.Exit(1)
	}
	defer a.Close()

	exit := func(code int) { closeAndExit(a, code) }

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "index":
			if len(os.Args) != 3 {
				fmt.Fprint(os.Stderr, usage)
				exit(2)
			}
			go func() {
				sig := <-sigChan
				logger.Warn().Str("signal", sig.String()).Msg("cancelling indexing run, in-flight files will finish")
				cancel()
			}()
			if err := runIndex(ctx, a, os.Args[2]); err != nil {
				logger.Error().Err(err).Msg("index command failed")
				exit(1)
			}
			return
		default:
			fmt.Fprint(os.Stderr, usage)
			exit(2)
		}
	}

	mcp.ServerVersion = version
	baseDir, _ := os.Getwd()
	server, err := a.server(baseDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create MCP server")
		exit(1)
	}

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info().Msg("MCP server ready, listening on stdio")
		errChan <- server.Serve(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		cancel()
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}

	logger.Info().Msg("server stopped")
}
