package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Shared property definitions

func limitProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of results to return (1-100)",
		"default":     10,
		"minimum":     1,
		"maximum":     100,
	}
}

func thresholdProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "number",
		"description": description,
		"minimum":     -1,
		"maximum":     1,
	}
}

func tempoProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "number",
		"description": description,
		"minimum":     0,
	}
}

func indexingProperties() map[string]interface{} {
	return map[string]interface{}{
		"skip_existing": map[string]interface{}{
			"type":        "boolean",
			"description": "Skip audio paths that already have an embedding",
			"default":     true,
		},
		"workers": map[string]interface{}{
			"type":        "integer",
			"description": "Number of files analysed concurrently",
			"default":     1,
			"minimum":     1,
		},
	}
}

// indexAudioTool returns the tool definition for index_audio
func indexAudioTool() mcp.Tool {
	props := indexingProperties()
	props["items"] = map[string]interface{}{
		"type":        "array",
		"description": "Audio files to index, each tied to a catalog song",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"audio_path": map[string]interface{}{"type": "string"},
				"song_id":    map[string]interface{}{"type": "integer"},
			},
			"required": []string{"audio_path", "song_id"},
		},
	}
	return mcp.Tool{
		Name:        "index_audio",
		Description: "Analyse audio files and store their combined audio embeddings",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"items"},
		},
	}
}

// indexMissingTool returns the tool definition for index_missing
func indexMissingTool() mcp.Tool {
	props := indexingProperties()
	props["base_dir"] = map[string]interface{}{
		"type":        "string",
		"description": "Directory that relative catalog audio locations are resolved against",
	}
	return mcp.Tool{
		Name:        "index_missing",
		Description: "Index every catalog song that has no audio embedding yet",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
		},
	}
}

// embedTextTool returns the tool definition for embed_text
func embedTextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "embed_text",
		Description: "Store text embeddings (description, lyrics, metadata) for catalog songs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"items": map[string]interface{}{
					"type":        "array",
					"description": "Text to embed",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"song_id":      map[string]interface{}{"type": "integer"},
							"content_type": map[string]interface{}{"type": "string"},
							"content":      map[string]interface{}{"type": "string"},
						},
						"required": []string{"song_id", "content_type", "content"},
					},
				},
				"skip_existing": map[string]interface{}{
					"type":        "boolean",
					"description": "Skip items whose stored content is unchanged",
					"default":     true,
				},
			},
			Required: []string{"items"},
		},
	}
}

// searchSimilarAudioTool returns the tool definition for search_similar_audio
func searchSimilarAudioTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_similar_audio",
		Description: "Find indexed songs that sound like an audio file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"audio_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the query audio file",
				},
				"threshold": thresholdProperty("Minimum cosine similarity (default 0.5)"),
				"limit":     limitProperty(),
				"min_tempo": tempoProperty("Lower tempo bound in BPM"),
				"max_tempo": tempoProperty("Upper tempo bound in BPM"),
			},
			Required: []string{"audio_path"},
		},
	}
}

// searchSimilarSongTool returns the tool definition for search_similar_song
func searchSimilarSongTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_similar_song",
		Description: "Find songs that sound like an already indexed song",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"song_id": map[string]interface{}{
					"type":        "integer",
					"description": "Catalog song to use as the reference",
				},
				"threshold": thresholdProperty("Minimum cosine similarity (default 0.5)"),
				"limit":     limitProperty(),
				"min_tempo": tempoProperty("Lower tempo bound in BPM"),
				"max_tempo": tempoProperty("Upper tempo bound in BPM"),
			},
			Required: []string{"song_id"},
		},
	}
}

// searchTextTool returns the tool definition for search_text
func searchTextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_text",
		Description: "Search songs by description keywords or text embedding similarity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Free text such as \"dark synth night drive\"",
				},
				"embedding": map[string]interface{}{
					"type":        "array",
					"description": "Precomputed text query vector",
					"items":       map[string]interface{}{"type": "number"},
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "auto uses the embedding when given and keywords otherwise",
					"enum":        []string{"auto", "keyword", "vector"},
					"default":     "auto",
				},
				"content_type": map[string]interface{}{
					"type":        "string",
					"description": "Restrict vector search to one content type",
					"enum":        []string{"description", "lyrics", "metadata"},
				},
				"threshold": thresholdProperty("Minimum cosine similarity for vector mode"),
				"limit":     limitProperty(),
			},
		},
	}
}

// searchTempoTool returns the tool definition for search_tempo
func searchTempoTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_tempo",
		Description: "List songs whose tempo lies in a BPM range",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"min_tempo": tempoProperty("Lower tempo bound in BPM"),
				"max_tempo": tempoProperty("Upper tempo bound in BPM"),
				"limit":     limitProperty(),
			},
		},
	}
}

// searchTempoAudioTool returns the tool definition for search_tempo_audio
func searchTempoAudioTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_tempo_audio",
		Description: "Find songs near a target tempo, optionally ordered by similarity to a reference",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"target_tempo": tempoProperty("Target tempo in BPM"),
				"tolerance": map[string]interface{}{
					"type":        "number",
					"description": "Accepted distance from the target in BPM",
					"default":     DefaultTempoTolerance,
					"minimum":     0,
				},
				"reference_path": map[string]interface{}{
					"type":        "string",
					"description": "Audio file the window is ordered by",
				},
				"reference_song_id": map[string]interface{}{
					"type":        "integer",
					"description": "Indexed song the window is ordered by",
				},
				"threshold": thresholdProperty("Minimum similarity to the reference"),
				"limit":     limitProperty(),
			},
			Required: []string{"target_tempo"},
		},
	}
}

// searchHybridTool returns the tool definition for search_hybrid
func searchHybridTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_hybrid",
		Description: "Combine audio similarity and text relevance into one ranking",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"audio_path": map[string]interface{}{
					"type":        "string",
					"description": "Reference audio file",
				},
				"song_id": map[string]interface{}{
					"type":        "integer",
					"description": "Reference indexed song, excluded from the results",
				},
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text describing the wanted songs",
				},
				"audio_weight": map[string]interface{}{
					"type":        "number",
					"description": "Weight of the audio score (default 0.6)",
					"minimum":     0,
				},
				"text_weight": map[string]interface{}{
					"type":        "number",
					"description": "Weight of the text score (default 0.4)",
					"minimum":     0,
				},
				"threshold": thresholdProperty("Minimum audio similarity"),
				"min_tempo": tempoProperty("Lower tempo bound in BPM"),
				"max_tempo": tempoProperty("Upper tempo bound in BPM"),
				"limit":     limitProperty(),
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report index contents, cache usage and configured models",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
