// Package annindex keeps an in-memory HNSW graph of audio embeddings for
// fast candidate retrieval. Candidates are re-scored with exact cosine
// similarity, so ranking matches the store's; only recall is approximate.
package annindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/dshills/soundscope-mcp/internal/codec"
	"github.com/dshills/soundscope-mcp/internal/storage"
)

// minCompaction is the number of stale graph nodes tolerated before a
// replacement-heavy index is rebuilt from its live vectors
const minCompaction = 64

// VectorSource lists the vectors an index is rebuilt from
type VectorSource interface {
	ListAudioVectors(ctx context.Context) ([]storage.AudioVector, error)
}

// Candidate is one song returned by Search
type Candidate struct {
	SongID     int64
	AudioPath  string
	Similarity float64
}

type entry struct {
	songID int64
	path   string
	vector []float32
}

// Index is an HNSW graph of audio vectors. It is safe for concurrent use.
//
// Graph nodes are never deleted or re-added under the same key: hnsw.Graph
// does not survive Delete on small or churned graphs. A replaced vector gets
// a fresh node key and the old node stays in the graph as stale until the
// next compaction; Search skips stale keys.
type Index struct {
	mu    sync.RWMutex
	dim   int
	graph *hnsw.Graph[uint64]
	live  map[uint64]entry  // node key -> entry
	paths map[string]uint64 // audio path -> live node key
	next  uint64
	stale int
}

// New creates an empty index for vectors of length dim
func New(dim int) *Index {
	return &Index{
		dim:   dim,
		graph: newGraph(),
		live:  make(map[uint64]entry),
		paths: make(map[string]uint64),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	return g
}

// Rebuild replaces the graph with the vectors from src and returns how many
// were indexed
func (ix *Index) Rebuild(ctx context.Context, src VectorSource) (int, error) {
	vectors, err := src.ListAudioVectors(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load vectors: %w", err)
	}

	entries := make(map[string]entry, len(vectors))
	for _, v := range vectors {
		if len(v.Vector) != ix.dim || codec.IsZero(v.Vector) {
			continue
		}
		entries[v.AudioPath] = entry{songID: v.SongID, path: v.AudioPath, vector: v.Vector}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.load(entries)
	return len(ix.paths), nil
}

// load resets the graph to entries. Callers hold mu.
func (ix *Index) load(entries map[string]entry) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ix.graph = newGraph()
	ix.live = make(map[uint64]entry, len(entries))
	ix.paths = make(map[string]uint64, len(entries))
	ix.next = 0
	ix.stale = 0
	for _, p := range paths {
		ix.insert(entries[p])
	}
}

// insert adds e under a fresh node key. Callers hold mu.
func (ix *Index) insert(e entry) {
	ix.next++
	key := ix.next
	ix.graph.Add(hnsw.MakeNode(key, e.vector))
	ix.live[key] = e
	ix.paths[e.path] = key
}

// Upsert adds or replaces the vector of audioPath. Zero vectors are
// non-comparable and only remove any previous entry.
func (ix *Index) Upsert(songID int64, audioPath string, vector []float32) error {
	if len(vector) != ix.dim {
		return fmt.Errorf("index vector has %d components, want %d", len(vector), ix.dim)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if key, ok := ix.paths[audioPath]; ok {
		delete(ix.live, key)
		delete(ix.paths, audioPath)
		ix.stale++
	}
	if !codec.IsZero(vector) {
		stored := make([]float32, len(vector))
		copy(stored, vector)
		ix.insert(entry{songID: songID, path: audioPath, vector: stored})
	}

	if ix.stale >= minCompaction && ix.stale > len(ix.live) {
		ix.compact()
	}
	return nil
}

// compact rebuilds the graph from the live entries. Callers hold mu.
func (ix *Index) compact() {
	entries := make(map[string]entry, len(ix.live))
	for _, e := range ix.live {
		entries[e.path] = e
	}
	ix.load(entries)
}

// Len returns the number of indexed vectors
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.paths)
}

// Search returns up to k songs nearest to query, best first, one entry per
// song, ties broken by song ID
func (ix *Index) Search(query []float32, k int) []Candidate {
	if k <= 0 || len(query) != ix.dim || codec.IsZero(query) {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.live) == 0 {
		return nil
	}

	// Stale nodes can occupy result slots; widen the search to cover them.
	nodes := ix.graph.Search(query, k+ix.stale)
	best := make(map[int64]Candidate, len(nodes))
	for _, node := range nodes {
		e, ok := ix.live[node.Key]
		if !ok {
			continue
		}
		sim := codec.CosineSimilarity(query, e.vector)
		if prev, seen := best[e.songID]; !seen || sim > prev.Similarity {
			best[e.songID] = Candidate{SongID: e.songID, AudioPath: e.path, Similarity: sim}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].SongID < out[j].SongID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
