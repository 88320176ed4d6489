package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
)

// Store is a vector index of chunks. Search results are ordered by score,
// then by the order entries were first inserted.
type Store interface {
	Upsert(ctx context.Context, entries []models.IndexEntry) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	Len() int
	Dimension() int
}

type slot struct {
	chunk  models.Chunk
	vector []float32 // unit length
	live   bool
}

// Memory is the default in-process Store. Vectors are L2-normalised on
// insert so the dot product is the cosine similarity.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	slots     []slot
	byID      map[string]int
	live      int
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]int)}
}

func (m *Memory) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate the whole batch first so a bad entry never leaves a partial write
	dim := m.dimension
	for _, e := range entries {
		if e.Chunk.ID == "" {
			return fmt.Errorf("index entry without chunk id")
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("%w: empty vector for %s", models.ErrEmbedding, e.Chunk.ID)
		}
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), dim)
		}
		if norm(e.Vector) == 0 {
			return fmt.Errorf("%w: zero vector for %s", models.ErrEmbedding, e.Chunk.ID)
		}
	}
	m.dimension = dim

	for _, e := range entries {
		s := slot{chunk: e.Chunk, vector: normalize(e.Vector), live: true}
		if i, ok := m.byID[e.Chunk.ID]; ok {
			if !m.slots[i].live {
				m.live++
			}
			m.slots[i] = s
			continue
		}
		m.byID[e.Chunk.ID] = len(m.slots)
		m.slots = append(m.slots, s)
		m.live++
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 || m.live == 0 {
		return nil, nil
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrDimensionMismatch, len(vector), m.dimension)
	}
	q := normalize(vector)

	type hit struct {
		slot  int
		score float64
	}
	hits := make([]hit, 0, m.live)
	for i, s := range m.slots {
		if !s.live {
			continue
		}
		hits = append(hits, hit{slot: i, score: dot(q, s.vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].slot < hits[j].slot
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	results := make([]models.ScoredChunk, len(hits))
	for i, h := range hits {
		results[i] = models.ScoredChunk{Chunk: m.slots[h.slot].chunk, Score: h.score}
	}
	return results, nil
}

// DeleteDocument removes every chunk of a document. Freed slots are
// reused if the same chunk ids are indexed again.
func (m *Memory) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.slots {
		if m.slots[i].live && m.slots[i].chunk.DocumentID == documentID {
			m.slots[i].live = false
			m.slots[i].vector = nil
			n++
		}
	}
	m.live -= n
	return n, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live
}

func (m *Memory) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimension
}

// Get returns the indexed chunk with the given id.
func (m *Memory) Get(id string) (models.Chunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok || !m.slots[i].live {
		return models.Chunk{}, false
	}
	return m.slots[i].chunk, true
}

type snapshot struct {
	Dimension int             `json:"dimension"`
	Entries   []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	ChunkID  string       `json:"chunk_id"`
	Vector   []float32    `json:"vector"`
	Metadata models.Chunk `json:"metadata"`
}

// Save writes the live entries in insertion order.
func (m *Memory) Save(w io.Writer) error {
	m.mu.RLock()
	snap := snapshot{Dimension: m.dimension}
	for _, s := range m.slots {
		if s.live {
			snap.Entries = append(snap.Entries, snapshotEntry{ChunkID: s.chunk.ID, Vector: s.vector, Metadata: s.chunk})
		}
	}
	m.mu.RUnlock()

	enc := json.NewEncoder(w)
	return enc.Encode(snap)
}

// Load replaces the index contents with a snapshot written by Save.
func (m *Memory) Load(r io.Reader) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %v", err)
	}
	fresh := NewMemory()
	entries := make([]models.IndexEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		chunk := e.Metadata
		chunk.ID = e.ChunkID
		entries = append(entries, models.IndexEntry{Chunk: chunk, Vector: e.Vector})
	}
	if err := fresh.Upsert(context.Background(), entries); err != nil {
		return err
	}
	if snap.Dimension != 0 && fresh.dimension != 0 && snap.Dimension != fresh.dimension {
		return fmt.Errorf("%w: snapshot declares %d dimensions, entries have %d", models.ErrDimensionMismatch, snap.Dimension, fresh.dimension)
	}
	if fresh.dimension == 0 {
		fresh.dimension = snap.Dimension
	}

	m.mu.Lock()
	m.dimension, m.slots, m.byID, m.live = fresh.dimension, fresh.slots, fresh.byID, fresh.live
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := m.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("entries", m.Len()).Msg("Saved index snapshot")
	return nil
}

func (m *Memory) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("entries", m.Len()).Msg("Loaded index snapshot")
	return nil
}

func normalize(v []float32) []float32 {
	n := norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity of two vectors; 0 when either is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}
