package indexer

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// IndexMissing indexes every catalog song that has an audio location but no
// audio embedding. Relative paths are resolved against baseDir. Songs whose
// location cannot be resolved to a local file are recorded as failures.
func (idx *Indexer) IndexMissing(ctx context.Context, baseDir string, opts RunOptions) (*BatchResult, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	refs, err := idx.store.ListSongsMissingAudioEmbedding(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs to index: %w", err)
	}

	candidates := make([]Candidate, 0, len(refs))
	var unresolved []Failure
	for _, ref := range refs {
		location := ref.AudioPath
		if location == "" {
			location = ref.AudioURL
		}
		path, err := ResolveAudioPath(location, baseDir)
		if err != nil {
			unresolved = append(unresolved, Failure{AudioPath: location, SongID: ref.ID, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, Candidate{AudioPath: path, SongID: ref.ID})
	}

	for _, f := range unresolved {
		idx.logger.Warn().
			Str("audio_path", f.AudioPath).
			Int64("song_id", f.SongID).
			Str("reason", f.Reason).
			Msg("candidate failed")
	}

	result, err := idx.runBatch(ctx, candidates, opts)
	if result != nil && len(unresolved) > 0 {
		result.Total += len(unresolved)
		result.Failed = append(unresolved, result.Failed...)
	}
	return result, err
}

// ResolveAudioPath turns a catalog audio location into a local file path.
// Plain paths and file:// URLs are accepted; relative paths are joined to
// baseDir.
func ResolveAudioPath(location, baseDir string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("no audio location")
	}

	if strings.Contains(location, "://") {
		u, err := url.Parse(location)
		if err != nil {
			return "", fmt.Errorf("invalid audio URL %q: %w", location, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("unsupported audio URL scheme %q", u.Scheme)
		}
		location = u.Path
	}

	if !filepath.IsAbs(location) && baseDir != "" {
		location = filepath.Join(baseDir, location)
	}
	return filepath.Clean(location), nil
}
