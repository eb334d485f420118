package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"

	"github.com/dshills/soundscope-mcp/internal/indexer"
	"github.com/dshills/soundscope-mcp/internal/searcher"
	"github.com/dshills/soundscope-mcp/internal/storage"
	"github.com/dshills/soundscope-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeExtractionFailed   = -32001 // Query audio could not be analysed
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeNotFound           = -32003 // Song or embedding not found
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
)

// maxReportedFailures caps the failure list returned by indexing tools
const maxReportedFailures = 20

// handleIndexAudio handles the index_audio tool invocation
func (s *Server) handleIndexAudio(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	rawItems, err := getObjectList(args, "items")
	if err != nil || len(rawItems) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "items parameter is required", map[string]interface{}{
			"param":  "items",
			"reason": "missing, empty or not a list of objects",
		})
	}

	candidates := make([]indexer.Candidate, 0, len(rawItems))
	for i, item := range rawItems {
		path := strings.TrimSpace(cast.ToString(item["audio_path"]))
		songID, err := cast.ToInt64E(item["song_id"])
		if path == "" || err != nil || songID <= 0 {
			return nil, newMCPError(ErrorCodeInvalidParams, "each item needs audio_path and a positive song_id", map[string]interface{}{
				"param": "items",
				"index": i,
			})
		}
		candidates = append(candidates, indexer.Candidate{AudioPath: path, SongID: songID})
	}

	opts, err := s.runOptions(args)
	if err != nil {
		return nil, err
	}

	result, err := s.deps.Indexer.RunBatch(ctx, candidates, opts)
	if err != nil && result == nil {
		return nil, toolError("indexing failed", err)
	}
	return mcp.NewToolResultText(formatJSON(batchResponse(result, err))), nil
}

// handleIndexMissing handles the index_missing tool invocation
func (s *Server) handleIndexMissing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	opts, err := s.runOptions(args)
	if err != nil {
		return nil, err
	}
	baseDir := getStringDefault(args, "base_dir", s.deps.BaseDir)

	result, err := s.deps.Indexer.IndexMissing(ctx, baseDir, opts)
	if err != nil && result == nil {
		return nil, toolError("indexing failed", err)
	}
	return mcp.NewToolResultText(formatJSON(batchResponse(result, err))), nil
}

// handleEmbedText handles the embed_text tool invocation
func (s *Server) handleEmbedText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	rawItems, err := getObjectList(args, "items")
	if err != nil || len(rawItems) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "items parameter is required", map[string]interface{}{
			"param":  "items",
			"reason": "missing, empty or not a list of objects",
		})
	}

	items := make([]indexer.TextItem, 0, len(rawItems))
	for i, item := range rawItems {
		songID, err := cast.ToInt64E(item["song_id"])
		contentType := strings.TrimSpace(cast.ToString(item["content_type"]))
		if err != nil || songID <= 0 || contentType == "" {
			return nil, newMCPError(ErrorCodeInvalidParams, "each item needs a positive song_id and a content_type", map[string]interface{}{
				"param": "items",
				"index": i,
			})
		}
		items = append(items, indexer.TextItem{
			SongID:      songID,
			ContentType: contentType,
			Content:     cast.ToString(item["content"]),
		})
	}

	opts := s.deps.RunDefaults
	opts.SkipExisting = getBoolDefault(args, "skip_existing", opts.SkipExisting)

	result, err := s.deps.Indexer.EmbedTexts(ctx, items, opts)
	if err != nil && result == nil {
		return nil, toolError("text embedding failed", err)
	}
	return mcp.NewToolResultText(formatJSON(batchResponse(result, err))), nil
}

// handleSearchSimilarAudio handles the search_similar_audio tool invocation
func (s *Server) handleSearchSimilarAudio(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path := strings.TrimSpace(getStringDefault(args, "audio_path", ""))
	if path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "audio_path parameter is required", map[string]interface{}{
			"param":  "audio_path",
			"reason": "missing or empty",
		})
	}

	var (
		q   = searcher.AudioQuery{AudioPath: path}
		err error
	)
	if q.Threshold, err = getFloatPtr(args, "threshold"); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}
	if q.MinTempo, q.MaxTempo, err = getTempoBounds(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.SimilarByAudio(ctx, q)
	if err != nil {
		return nil, toolError("audio search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleSearchSimilarSong handles the search_similar_song tool invocation
func (s *Server) handleSearchSimilarSong(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	songID, err := getSongID(args, "song_id", true)
	if err != nil {
		return nil, err
	}

	q := searcher.SongQuery{SongID: songID}
	if q.Threshold, err = getFloatPtr(args, "threshold"); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}
	if q.MinTempo, q.MaxTempo, err = getTempoBounds(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.SimilarToSong(ctx, q)
	if err != nil {
		return nil, toolError("song search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleSearchText handles the search_text tool invocation
func (s *Server) handleSearchText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	embedding, err := getVector(args, "embedding")
	if err != nil {
		return nil, err
	}
	text := getStringDefault(args, "query", "")
	if strings.TrimSpace(text) == "" && len(embedding) == 0 {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	mode := searcher.TextMode(getStringDefault(args, "mode", string(searcher.TextModeAuto)))
	switch mode {
	case searcher.TextModeAuto, searcher.TextModeKeyword, searcher.TextModeVector:
	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   mode,
			"allowed": []string{"auto", "keyword", "vector"},
		})
	}

	q := searcher.TextQuery{
		Text:        text,
		Embedding:   embedding,
		Mode:        mode,
		ContentType: getStringDefault(args, "content_type", ""),
	}
	if q.Threshold, err = getFloatPtr(args, "threshold"); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.SearchText(ctx, q)
	if err != nil {
		return nil, toolError("text search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleSearchTempo handles the search_tempo tool invocation
func (s *Server) handleSearchTempo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	var (
		q   searcher.TempoQuery
		err error
	)
	if q.MinTempo, q.MaxTempo, err = getTempoBounds(args); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.TempoRange(ctx, q)
	if err != nil {
		return nil, toolError("tempo search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleSearchTempoAudio handles the search_tempo_audio tool invocation
func (s *Server) handleSearchTempoAudio(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	target, err := getFloatPtr(args, "target_tempo")
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "target_tempo parameter is required", map[string]interface{}{
			"param":  "target_tempo",
			"reason": "missing",
		})
	}
	tolerance, err := getFloatPtr(args, "tolerance")
	if err != nil {
		return nil, err
	}

	q := searcher.TempoAudioQuery{
		TargetTempo:   *target,
		Tolerance:     DefaultTempoTolerance,
		ReferencePath: strings.TrimSpace(getStringDefault(args, "reference_path", "")),
	}
	if tolerance != nil {
		q.Tolerance = *tolerance
	}
	if q.ReferenceSongID, err = getSongID(args, "reference_song_id", false); err != nil {
		return nil, err
	}
	if q.Threshold, err = getFloatPtr(args, "threshold"); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.TempoAndAudio(ctx, q)
	if err != nil {
		return nil, toolError("tempo search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleSearchHybrid handles the search_hybrid tool invocation
func (s *Server) handleSearchHybrid(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	q := searcher.HybridQuery{
		AudioPath: strings.TrimSpace(getStringDefault(args, "audio_path", "")),
		Text:      getStringDefault(args, "text", ""),
	}
	var err error
	if q.SongID, err = getSongID(args, "song_id", false); err != nil {
		return nil, err
	}
	if q.AudioPath == "" && q.SongID == 0 && strings.TrimSpace(q.Text) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "give audio_path, song_id or text", map[string]interface{}{
			"param":  "text",
			"reason": "no audio or text reference",
		})
	}
	if q.AudioWeight, err = getFloatPtr(args, "audio_weight"); err != nil {
		return nil, err
	}
	if q.TextWeight, err = getFloatPtr(args, "text_weight"); err != nil {
		return nil, err
	}
	if q.Threshold, err = getFloatPtr(args, "threshold"); err != nil {
		return nil, err
	}
	if q.MinTempo, q.MaxTempo, err = getTempoBounds(args); err != nil {
		return nil, err
	}
	if q.Limit, err = getLimit(args); err != nil {
		return nil, err
	}

	results, err := s.deps.Engine.HybridSearch(ctx, q)
	if err != nil {
		return nil, toolError("hybrid search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resultsResponse(results))), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.deps.Store.GetStats(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}
	dims := s.deps.Store.Dimensions()

	response := map[string]interface{}{
		"statistics": map[string]interface{}{
			"songs_count":                 stats.TotalSongs,
			"songs_with_audio_embeddings": stats.SongsWithAudioEmbeddings,
			"songs_with_text_embeddings":  stats.SongsWithTextEmbeddings,
			"audio_embeddings_count":      stats.AudioEmbeddings,
			"text_embeddings_count":       stats.TextEmbeddings,
			"avg_tempo":                   fmt.Sprintf("%.1f", stats.AvgTempo),
			"index_size_mb":               fmt.Sprintf("%.2f", stats.IndexSizeMB),
		},
		"dimensions": map[string]interface{}{
			"audio":    dims.Audio,
			"external": dims.External,
			"text":     dims.Text,
		},
		"indexing_in_progress": s.deps.Indexer.Running(),
		"build_mode":           stats.BuildMode,
		"schema_version":       stats.SchemaVersion,
		"audio_model_enabled":  s.deps.AudioModel,
	}

	if enc := s.deps.TextEncoder; enc != nil {
		response["text_encoder"] = map[string]interface{}{
			"provider":  enc.Provider(),
			"model":     enc.Model(),
			"dimension": enc.Dimension(),
		}
	} else {
		response["text_encoder"] = nil
	}
	if s.deps.Index != nil {
		response["ann_index_size"] = s.deps.Index.Len()
	}
	if s.deps.Cache != nil {
		cs, err := s.deps.Cache.Stats(ctx)
		if err != nil {
			s.deps.Logger.Warn().Err(err).Msg("analysis cache stats unavailable")
		}
		response["analysis_cache"] = map[string]interface{}{
			"entries":   cs.Entries,
			"hits":      cs.Hits,
			"misses":    cs.Misses,
			"available": err == nil,
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// toolError classifies err into an MCP error code
func toolError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, types.ErrInvalidQuery):
		return newMCPError(ErrorCodeInvalidParams, message, data)
	case errors.Is(err, indexer.ErrIndexingInProgress):
		return newMCPError(ErrorCodeIndexingInProgress, "another indexing operation is running", data)
	case errors.Is(err, indexer.ErrNoTextEncoder):
		return newMCPError(ErrorCodeInvalidParams, "no text encoder is configured", data)
	case errors.Is(err, types.ErrExtraction):
		return newMCPError(ErrorCodeExtractionFailed, message, data)
	case errors.Is(err, storage.ErrNotFound):
		return newMCPError(ErrorCodeNotFound, message, data)
	default:
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

func (s *Server) runOptions(args map[string]interface{}) (indexer.RunOptions, error) {
	opts := s.deps.RunDefaults
	opts.SkipExisting = getBoolDefault(args, "skip_existing", opts.SkipExisting)

	workers, err := getIntDefault(args, "workers", opts.Workers)
	if err != nil || workers < 1 {
		return opts, newMCPError(ErrorCodeInvalidParams, "workers must be a positive integer", map[string]interface{}{
			"param": "workers",
			"value": args["workers"],
		})
	}
	opts.Workers = workers
	return opts, nil
}

func batchResponse(result *indexer.BatchResult, runErr error) map[string]interface{} {
	failures := make([]map[string]interface{}, 0, len(result.Failed))
	for i, f := range result.Failed {
		if i == maxReportedFailures {
			break
		}
		entry := map[string]interface{}{
			"song_id": f.SongID,
			"reason":  f.Reason,
		}
		if f.AudioPath != "" {
			entry["audio_path"] = f.AudioPath
		}
		if f.ContentType != "" {
			entry["content_type"] = f.ContentType
		}
		failures = append(failures, entry)
	}

	response := map[string]interface{}{
		"run_id":        result.RunID.String(),
		"total":         result.Total,
		"success_count": result.SuccessCount,
		"skipped":       result.Skipped,
		"failed_count":  len(result.Failed),
		"failed":        failures,
		"cache_hits":    result.CacheHits,
		"cache_misses":  result.CacheMisses,
		"duration_ms":   result.Duration.Milliseconds(),
		"cancelled":     result.Cancelled,
	}
	if runErr != nil {
		response["error"] = runErr.Error()
	}
	return response
}

func resultsResponse(results []types.SongResult) map[string]interface{} {
	if results == nil {
		results = []types.SongResult{}
	}
	return map[string]interface{}{
		"count":   len(results),
		"results": results,
	}
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultValue
	}
	b, err := cast.ToBoolE(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) (int, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultValue, nil
	}
	return cast.ToIntE(val)
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getFloatPtr returns nil when key is absent
func getFloatPtr(args map[string]interface{}, key string) (*float64, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return nil, nil
	}
	f, err := cast.ToFloat64E(val)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, key+" must be a number", map[string]interface{}{
			"param": key,
			"value": val,
		})
	}
	return &f, nil
}

func getTempoBounds(args map[string]interface{}) (*float64, *float64, error) {
	minTempo, err := getFloatPtr(args, "min_tempo")
	if err != nil {
		return nil, nil, err
	}
	maxTempo, err := getFloatPtr(args, "max_tempo")
	if err != nil {
		return nil, nil, err
	}
	return minTempo, maxTempo, nil
}

// getLimit returns 0 (engine default) when absent
func getLimit(args map[string]interface{}) (int, error) {
	limit, err := getIntDefault(args, "limit", 0)
	if err != nil || limit < 0 || limit > 100 {
		return 0, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": args["limit"],
		})
	}
	return limit, nil
}

func getSongID(args map[string]interface{}, key string, required bool) (int64, error) {
	val, ok := args[key]
	if !ok || val == nil {
		if required {
			return 0, newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
				"param":  key,
				"reason": "missing",
			})
		}
		return 0, nil
	}
	id, err := cast.ToInt64E(val)
	if err != nil || id <= 0 {
		return 0, newMCPError(ErrorCodeInvalidParams, key+" must be a positive integer", map[string]interface{}{
			"param": key,
			"value": val,
		})
	}
	return id, nil
}

func getVector(args map[string]interface{}, key string) ([]float32, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return nil, nil
	}
	items, err := cast.ToSliceE(val)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, key+" must be an array of numbers", map[string]interface{}{"param": key})
	}
	vec := make([]float32, len(items))
	for i, item := range items {
		f, err := cast.ToFloat32E(item)
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, key+" must be an array of numbers", map[string]interface{}{
				"param": key,
				"index": i,
			})
		}
		vec[i] = f
	}
	return vec, nil
}

func getObjectList(args map[string]interface{}, key string) ([]map[string]interface{}, error) {
	items, err := cast.ToSliceE(args[key])
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		obj, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
