package chromemdb

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/models"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T, inMemory bool) *Store {
	t.Helper()
	s, err := NewStore(config.VectorStoreConfig{
		Path:       t.TempDir(),
		Collection: "test_chunks",
		InMemory:   inMemory,
	}, testKey)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func entry(id, doc string, v ...float32) models.IndexEntry {
	return models.IndexEntry{
		Chunk: models.Chunk{
			ID: id, DocumentID: doc, SourceFilename: doc + ".pdf",
			Type: models.ContentText, Content: "content of " + id, PageNumber: 2, ChunkID: 1,
		},
		Vector: v,
	}
}

func hitIDs(hits []models.ScoredChunk) []string {
	var out []string
	for _, h := range hits {
		out = append(out, h.Chunk.ID)
	}
	return out
}

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	img := entry("img", "d", 0, 1, 0)
	img.Chunk.Type = models.ContentImage
	img.Chunk.Payload = []byte{9, 8, 7}
	img.Chunk.Metadata = map[string]string{"heading": "Sales"}

	err := s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0, 0), img, entry("b", "d", 1, 0, 0)})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if s.Len() != 3 || s.Dimension() != 3 {
		t.Fatalf("Len/Dimension = %d/%d", s.Len(), s.Dimension())
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := hitIDs(hits); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("tie order = %v, want insertion order [a b]", got)
	}

	hits, _ = s.Search(ctx, []float32{0, 1, 0}, 10)
	if len(hits) != 3 || hits[0].Chunk.ID != "img" {
		t.Fatalf("hits = %v", hitIDs(hits))
	}
	c := hits[0].Chunk
	if c.Type != models.ContentImage || c.PageNumber != 2 || !bytes.Equal(c.Payload, []byte{9, 8, 7}) || c.Metadata["heading"] != "Sales" {
		t.Errorf("chunk metadata lost: %+v", c)
	}
}

func TestUpsertKeepsSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0), entry("b", "d", 1, 0)})
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0)})

	hits, _ := s.Search(ctx, []float32{1, 0}, 2)
	if got := hitIDs(hits); got[0] != "a" {
		t.Errorf("re-indexed chunk lost its position: %v", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d after re-index", s.Len())
	}
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0)})
	if err := s.Upsert(ctx, []models.IndexEntry{entry("b", "d", 1, 0, 0)}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := s.Search(ctx, []float32{1}, 1); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on search, got %v", err)
	}
}

func TestReopenedStoreKeepsDimension(t *testing.T) {
	ctx := context.Background()
	cfg := config.VectorStoreConfig{Path: t.TempDir(), Collection: "test_chunks"}
	s, err := NewStore(cfg, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0, 0)}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(cfg, testKey)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if reopened.Len() != 1 || reopened.Dimension() != 3 {
		t.Fatalf("Len/Dimension = %d/%d, want 1/3", reopened.Len(), reopened.Dimension())
	}
	if err := reopened.Upsert(ctx, []models.IndexEntry{entry("b", "d", 1, 0)}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := reopened.Search(ctx, []float32{1, 0}, 1); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch on search, got %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d1", 1, 0), entry("b", "d2", 1, 0), entry("c", "d1", 0, 1)})
	n, err := s.DeleteDocument(ctx, "d1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteDocument = %d, %v", n, err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, false)
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0), entry("b", "d", 0, 1)})
	if err := s.Export(ctx); err != nil {
		t.Fatalf("Export: %v", err)
	}

	s.DeleteDocument(ctx, "d")
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after delete", s.Len())
	}
	if err := s.Import(ctx); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if s.Len() != 2 || s.Dimension() != 2 {
		t.Errorf("Len/Dimension = %d/%d after import", s.Len(), s.Dimension())
	}
	hits, err := s.Search(ctx, []float32{0, 1}, 1)
	if err != nil || len(hits) != 1 || hits[0].Chunk.ID != "b" {
		t.Errorf("search after import = %v, %v", hitIDs(hits), err)
	}
}

func TestExportRequiresKey(t *testing.T) {
	s, err := NewStore(config.VectorStoreConfig{Path: t.TempDir(), Collection: "c", InMemory: true}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Export(context.Background()); err == nil {
		t.Error("expected error without encryption key")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, false)
	s.Upsert(ctx, []models.IndexEntry{entry("a", "d", 1, 0), entry("b", "d", 0, 1)})
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Len() != 0 || s.Dimension() != 0 {
		t.Fatalf("Len/Dimension = %d/%d after Reset", s.Len(), s.Dimension())
	}
	if err := s.Upsert(ctx, []models.IndexEntry{entry("c", "d", 1, 0, 0)}); err != nil {
		t.Errorf("Upsert with a new dimension after Reset: %v", err)
	}
}
