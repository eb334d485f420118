package types

// SongResult is a single ranked song returned by the search engine
type SongResult struct {
	// Identification
	SongID int64 `json:"song_id"`
	Rank   int   `json:"rank"` // Position in result set (1-based)

	// Catalog metadata (empty when the song has no catalog row)
	Title     string   `json:"title,omitempty"`
	Artist    string   `json:"artist,omitempty"`
	Genre     string   `json:"genre,omitempty"`
	Mood      string   `json:"mood,omitempty"`
	Energy    string   `json:"energy,omitempty"`
	Tempo     *float64 `json:"tempo,omitempty"`
	AudioPath string   `json:"audio_path,omitempty"`

	// Scoring. Which fields are set depends on the search mode.
	Similarity    float64 `json:"similarity"`
	AudioScore    float64 `json:"audio_score,omitempty"`
	TextScore     float64 `json:"text_score,omitempty"`
	MatchCount    int     `json:"match_count,omitempty"`
	TempoDistance float64 `json:"tempo_distance,omitempty"`
}

// Validate checks if the song result is valid
func (r *SongResult) Validate() error {
	if r.SongID == 0 {
		return ErrInvalidSongID
	}

	if r.Rank < 1 {
		return ErrInvalidRank
	}

	if r.Similarity < -1.0001 || r.Similarity > 1.0001 {
		return ErrInvalidScore
	}

	return nil
}

// AssignRanks numbers results 1..n in their current order
func AssignRanks(results []SongResult) {
	for i := range results {
		results[i].Rank = i + 1
	}
}
