package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/soundscope-mcp/internal/analysiscache"
	"github.com/dshills/soundscope-mcp/internal/annindex"
	"github.com/dshills/soundscope-mcp/internal/embedder"
	"github.com/dshills/soundscope-mcp/internal/indexer"
	"github.com/dshills/soundscope-mcp/internal/searcher"
	"github.com/dshills/soundscope-mcp/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "soundscope-mcp"
	// DefaultTempoTolerance is the search_tempo_audio window half-width in BPM
	DefaultTempoTolerance = 10.0
)

// ServerVersion is the current server version, overridden at build time
var ServerVersion = "0.1.0"

// Deps are the components the tools delegate to. Store, Engine and
// Indexer are required.
type Deps struct {
	Store       storage.Storage
	Engine      *searcher.Engine
	Indexer     *indexer.Indexer
	Index       *annindex.Index     // optional
	Cache       *analysiscache.Cache // optional
	TextEncoder embedder.Embedder   // optional
	AudioModel  bool                // external audio model configured

	// BaseDir resolves relative catalog audio locations for index_missing
	BaseDir string
	// RunDefaults seeds index_audio and index_missing options
	RunDefaults indexer.RunOptions
	Logger      zerolog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp  *server.MCPServer
	deps Deps
}

// NewServer registers every tool against deps
func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Indexer == nil {
		return nil, fmt.Errorf("store, search engine and indexer are required")
	}
	if deps.RunDefaults.Workers < 1 {
		deps.RunDefaults.Workers = 1
	}
	if deps.RunDefaults.ChunkSize < 1 {
		deps.RunDefaults.ChunkSize = indexer.DefaultChunkSize
	}
	if deps.RunDefaults.Reporter == nil {
		deps.RunDefaults.Reporter = indexer.LogReporter{Logger: deps.Logger}
	}

	s := &Server{
		mcp:  server.NewMCPServer(ServerName, ServerVersion),
		deps: deps,
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	// Indexing
	s.mcp.AddTool(indexAudioTool(), s.handleIndexAudio)
	s.mcp.AddTool(indexMissingTool(), s.handleIndexMissing)
	s.mcp.AddTool(embedTextTool(), s.handleEmbedText)

	// Search
	s.mcp.AddTool(searchSimilarAudioTool(), s.handleSearchSimilarAudio)
	s.mcp.AddTool(searchSimilarSongTool(), s.handleSearchSimilarSong)
	s.mcp.AddTool(searchTextTool(), s.handleSearchText)
	s.mcp.AddTool(searchTempoTool(), s.handleSearchTempo)
	s.mcp.AddTool(searchTempoAudioTool(), s.handleSearchTempoAudio)
	s.mcp.AddTool(searchHybridTool(), s.handleSearchHybrid)

	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
