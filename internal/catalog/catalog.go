// Package catalog loads song catalogs from YAML manifests and syncs them into
// the store's catalog read model.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/soundscope-mcp/internal/indexer"
	"github.com/dshills/soundscope-mcp/internal/storage"
)

// Text content types produced by TextItems
const (
	ContentDescription = "description"
	ContentLyrics      = "lyrics"
	ContentMetadata    = "metadata"
)

// Entry is one song in a manifest
type Entry struct {
	ID          int64    `yaml:"id"`
	Title       string   `yaml:"title"`
	Artist      string   `yaml:"artist"`
	Genre       string   `yaml:"genre"`
	Mood        string   `yaml:"mood"`
	Energy      string   `yaml:"energy"`
	Tempo       *float64 `yaml:"tempo"`
	AudioURL    string   `yaml:"audio_url"`
	AudioPath   string   `yaml:"audio_path"`
	Lyrics      string   `yaml:"lyrics"`
	Description string   `yaml:"description"`
}

// Manifest is a song catalog file
type Manifest struct {
	Songs []Entry `yaml:"songs"`

	// BaseDir resolves relative audio paths; set by Load to the manifest's directory
	BaseDir string `yaml:"-"`
}

// SongWriter is the part of the store catalog sync needs
type SongWriter interface {
	UpsertSong(ctx context.Context, song *storage.Song) error
}

// Load reads and validates a manifest
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m.BaseDir = filepath.Dir(abs)
	return m, nil
}

// Parse decodes and validates manifest YAML
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid catalog YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks IDs are positive and unique and tempos are non-negative
func (m *Manifest) Validate() error {
	seen := make(map[int64]struct{}, len(m.Songs))
	for i, e := range m.Songs {
		if e.ID <= 0 {
			return fmt.Errorf("song %d: id must be positive", i+1)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("song %d: duplicate id %d", i+1, e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Tempo != nil && *e.Tempo < 0 {
			return fmt.Errorf("song %d: tempo cannot be negative", e.ID)
		}
	}
	return nil
}

// Sync upserts every entry into the catalog read model. Relative audio
// paths are stored resolved against BaseDir.
func (m *Manifest) Sync(ctx context.Context, store SongWriter) (int, error) {
	for i, e := range m.Songs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		song := &storage.Song{
			ID:        e.ID,
			Title:     e.Title,
			Artist:    e.Artist,
			Genre:     e.Genre,
			Mood:      e.Mood,
			Energy:    e.Energy,
			Tempo:     e.Tempo,
			AudioURL:  e.AudioURL,
			AudioPath: m.storedAudioPath(e.AudioPath),
		}
		if err := store.UpsertSong(ctx, song); err != nil {
			return i, fmt.Errorf("failed to sync song %d: %w", e.ID, err)
		}
	}
	return len(m.Songs), nil
}

// storedAudioPath resolves a relative audio path against the manifest
// directory, so later lookups do not depend on the working directory.
// Paths that cannot be resolved are stored as written.
func (m *Manifest) storedAudioPath(location string) string {
	if location == "" || m.BaseDir == "" {
		return location
	}
	path, err := indexer.ResolveAudioPath(location, m.BaseDir)
	if err != nil {
		return location
	}
	return path
}

// Candidates lists the songs with a resolvable local audio file. Entries
// whose location cannot be resolved come back as failures.
func (m *Manifest) Candidates() ([]indexer.Candidate, []indexer.Failure) {
	candidates := make([]indexer.Candidate, 0, len(m.Songs))
	var failures []indexer.Failure
	for _, e := range m.Songs {
		location := e.AudioPath
		if location == "" {
			location = e.AudioURL
		}
		if location == "" {
			continue
		}
		path, err := indexer.ResolveAudioPath(location, m.BaseDir)
		if err != nil {
			failures = append(failures, indexer.Failure{AudioPath: location, SongID: e.ID, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, indexer.Candidate{AudioPath: path, SongID: e.ID})
	}
	return candidates, failures
}

// TextItems returns the song texts worth embedding: description, lyrics
// and a metadata summary
func (m *Manifest) TextItems() []indexer.TextItem {
	items := make([]indexer.TextItem, 0, len(m.Songs)*2)
	for _, e := range m.Songs {
		if s := strings.TrimSpace(e.Description); s != "" {
			items = append(items, indexer.TextItem{SongID: e.ID, ContentType: ContentDescription, Content: s})
		}
		if s := strings.TrimSpace(e.Lyrics); s != "" {
			items = append(items, indexer.TextItem{SongID: e.ID, ContentType: ContentLyrics, Content: s})
		}
		if s := metadataText(e); s != "" {
			items = append(items, indexer.TextItem{SongID: e.ID, ContentType: ContentMetadata, Content: s})
		}
	}
	return items
}

func metadataText(e Entry) string {
	var parts []string
	if e.Title != "" {
		title := e.Title
		if e.Artist != "" {
			title += " by " + e.Artist
		}
		parts = append(parts, title)
	}
	for _, field := range []string{e.Genre, e.Mood, e.Energy} {
		if field != "" {
			parts = append(parts, field)
		}
	}
	return strings.Join(parts, ". ")
}
