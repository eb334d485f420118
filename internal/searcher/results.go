package searcher

import (
	"context"
	"fmt"

	"github.com/dshills/soundscope-mcp/pkg/types"
)

// hydrate fills catalog metadata and effective tempo into ranked results and
// numbers them. Songs without a catalog row keep only their scores.
func (e *Engine) hydrate(ctx context.Context, results []types.SongResult) ([]types.SongResult, error) {
	if len(results) == 0 {
		return []types.SongResult{}, nil
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.SongID
	}

	songs, err := e.store.GetSongs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load songs: %w", err)
	}
	tempos, err := e.store.GetSongTempos(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load tempos: %w", err)
	}

	for i := range results {
		r := &results[i]
		if song, ok := songs[r.SongID]; ok {
			r.Title = song.Title
			r.Artist = song.Artist
			r.Genre = song.Genre
			r.Mood = song.Mood
			r.Energy = song.Energy
			if r.AudioPath == "" {
				r.AudioPath = song.AudioPath
			}
		}
		if tempo, ok := tempos[r.SongID]; ok {
			t := tempo
			r.Tempo = &t
		}
	}

	types.AssignRanks(results)
	return results, nil
}
