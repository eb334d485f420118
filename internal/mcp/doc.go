// Package mcp implements the Model Context Protocol (MCP) server for SoundScope.
//
// The server exposes the indexing and search operations as tools:
//   - index_audio: Analyse audio files and store their combined embeddings
//   - index_missing: Index every catalog song without an audio embedding
//   - embed_text: Store text embeddings for catalog songs
//   - search_similar_audio: Songs that sound like an audio file
//   - search_similar_song: Songs that sound like an indexed song
//   - search_text: Keyword or text-embedding search
//   - search_tempo: Songs within a BPM range
//   - search_tempo_audio: Songs near a target tempo, optionally ordered by a reference
//   - search_hybrid: Weighted merge of audio and text relevance
//   - get_status: Store statistics, cache usage and configured models
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries only protocol messages.
//
// # Tool: search_similar_audio
//
//	Request:
//	{
//	  "name": "search_similar_audio",
//	  "arguments": {
//	    "audio_path": "/music/query.wav",
//	    "threshold": 0.6,
//	    "limit": 5,
//	    "min_tempo": 100
//	  }
//	}
//
//	Response:
//	{
//	  "count": 1,
//	  "results": [
//	    {"song_id": 12, "rank": 1, "title": "Midnight Drive", "tempo": 118, "similarity": 0.91}
//	  ]
//	}
//
// # Tool: index_audio
//
//	Request:
//	{
//	  "name": "index_audio",
//	  "arguments": {
//	    "items": [{"audio_path": "/music/12.wav", "song_id": 12}],
//	    "skip_existing": true,
//	    "workers": 4
//	  }
//	}
//
// The response reports run_id, total, success_count, skipped, failed_count,
// the first failures, cache hits and misses, and duration_ms. Per-file
// failures never fail the call.
//
// # Error Codes
//
// Handlers return MCPError values:
//
//	-32602 invalid parameters or malformed query (for example min_tempo > max_tempo)
//	-32603 internal error
//	-32001 query audio could not be analysed
//	-32002 another indexing operation is running
//	-32003 song or embedding not found
//	-32004 empty query
package mcp
