// Package faceindex builds and persists the per-event on-disk index
// artifact: a nearest-neighbour graph (index.bin) plus a parallel id
// sequence (ids.seq). Row p of the graph holds the embedding produced
// from the image whose id sits on line p of the sequence. Selfie search
// serves from this artifact when the process has one for the event; the
// vector store is the exact fallback and the rebuild source.
package faceindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"

	"github.com/snapsift/snapsift/internal/vision"
)

const (
	indexFile = "index.bin"
	idsFile   = "ids.seq"

	maxNeighbors = 16
)

// Dir returns the deterministic artifact directory for an event.
func Dir(scratchRoot, eventID string) string {
	return filepath.Join(scratchRoot, "events", eventID)
}

// Index is an in-memory artifact under construction or loaded from disk.
type Index struct {
	graph *hnsw.Graph[int]
	saved *hnsw.SavedGraph[int]
	ids   []string
}

// New creates an empty index ready for appends.
func New() *Index {
	g := hnsw.NewGraph[int]()
	g.M = maxNeighbors
	g.Ml = 1.0 / float64(maxNeighbors)
	g.Distance = hnsw.EuclideanDistance
	return &Index{graph: g}
}

// Append adds one embedding row and its parent image id. Rows are keyed
// by insertion position so the graph and the id sequence stay parallel.
func (idx *Index) Append(imageID string, vec []float32) {
	row := len(idx.ids)
	idx.graph.Add(hnsw.MakeNode(row, vec))
	idx.ids = append(idx.ids, imageID)
}

// Len returns the number of rows.
func (idx *Index) Len() int {
	return len(idx.ids)
}

// IDs returns the ordered id sequence.
func (idx *Index) IDs() []string {
	return idx.ids
}

// Match is one ranked artifact hit. Score is cosine similarity in
// [-1, 1], comparable with the vector store's exact scores.
type Match struct {
	ImageID string
	Score   float64
}

// Search returns the k nearest rows to the query as scored matches. The
// graph navigates by Euclidean distance; scores are recomputed as cosine
// similarity against the stored row vectors so the threshold applied
// downstream means the same thing on both recall paths.
func (idx *Index) Search(query []float32, k int) []Match {
	var nodes []hnsw.Node[int]
	if idx.saved != nil {
		nodes = idx.saved.Search(query, k)
	} else {
		nodes = idx.graph.Search(query, k)
	}

	out := make([]Match, 0, len(nodes))
	for _, n := range nodes {
		if n.Key >= 0 && n.Key < len(idx.ids) {
			out = append(out, Match{
				ImageID: idx.ids[n.Key],
				Score:   vision.CosineSimilarity(query, n.Value),
			})
		}
	}
	return out
}

// Save writes index.bin and ids.seq into dir, creating it if needed.
func (idx *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	graph := idx.graph
	if graph == nil && idx.saved != nil {
		graph = idx.saved.Graph
	}
	if err := graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}

	seq, err := os.Create(filepath.Join(dir, idsFile))
	if err != nil {
		return fmt.Errorf("failed to create id sequence: %w", err)
	}
	w := bufio.NewWriter(seq)
	for _, id := range idx.ids {
		if _, err := fmt.Fprintln(w, id); err != nil {
			_ = seq.Close()
			return fmt.Errorf("failed to write id sequence: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = seq.Close()
		return fmt.Errorf("failed to flush id sequence: %w", err)
	}
	if err := seq.Close(); err != nil {
		return fmt.Errorf("failed to close id sequence: %w", err)
	}
	return nil
}

// Load reads a previously saved artifact from dir.
func Load(dir string) (*Index, error) {
	saved, err := hnsw.LoadSavedGraph[int](filepath.Join(dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, idsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			ids = append(ids, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id sequence: %w", err)
	}

	if saved.Len() != len(ids) {
		return nil, fmt.Errorf("artifact mismatch: index has %d rows, id sequence has %d", saved.Len(), len(ids))
	}

	return &Index{saved: saved, ids: ids}, nil
}

// Remove deletes the artifact directory for an event.
func Remove(scratchRoot, eventID string) error {
	return os.RemoveAll(Dir(scratchRoot, eventID))
}
