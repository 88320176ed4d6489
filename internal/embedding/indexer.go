package embedding

import (
	"context"
	"fmt"
	"sync"

	"multimodal-rag/internal/index"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
)

// ChunkFailure is a chunk left out of the index.
type ChunkFailure struct {
	ChunkID string
	Err     error
}

type IndexStats struct {
	Indexed  int
	Failures []ChunkFailure
}

// Indexer embeds chunks and writes them to a Store. Writes from concurrent
// ingestions are serialised.
type Indexer struct {
	embedder embeddings.Embedder
	store    index.Store
	metrics  *metrics.Metrics
	mu       sync.Mutex
}

func NewIndexer(embedder embeddings.Embedder, store index.Store, m *metrics.Metrics) *Indexer {
	return &Indexer{embedder: embedder, store: store, metrics: m}
}

func (ix *Indexer) Store() index.Store {
	return ix.store
}

// Index embeds and upserts chunks. A chunk whose embedding fails is reported
// in the stats and skipped; the error is reserved for store failures and
// cancellation.
func (ix *Indexer) Index(ctx context.Context, chunks []models.Chunk) (IndexStats, error) {
	if len(chunks) == 0 {
		return IndexStats{}, nil
	}
	return ix.write(ctx, "", chunks)
}

// Replace indexes chunks as the current version of documentID. Chunks left
// over from an earlier version are deleted in the same write, so the index
// never holds a mix of both.
func (ix *Indexer) Replace(ctx context.Context, documentID string, chunks []models.Chunk) (IndexStats, error) {
	return ix.write(ctx, documentID, chunks)
}

func (ix *Indexer) write(ctx context.Context, documentID string, chunks []models.Chunk) (IndexStats, error) {
	var stats IndexStats
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	var (
		vectors [][]float32
		errs    []error
	)
	if len(chunks) > 0 {
		vectors, errs = ix.embed(ctx, chunks)
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}

	dimension := ix.store.Dimension()
	entries := make([]models.IndexEntry, 0, len(chunks))
	for i, chunk := range chunks {
		err := errs[i]
		if err == nil {
			err = validVector(vectors[i], dimension)
		}
		if err != nil {
			log.Warn().Err(err).Str("chunk", chunk.ID).Msg("Excluding chunk from index")
			stats.Failures = append(stats.Failures, ChunkFailure{ChunkID: chunk.ID, Err: err})
			continue
		}
		if dimension == 0 {
			dimension = len(vectors[i])
		}
		entries = append(entries, models.IndexEntry{Chunk: chunk, Vector: vectors[i]})
	}
	ix.metrics.RecordEmbeddingFailures(len(stats.Failures))
	if len(entries) == 0 && documentID == "" {
		return stats, nil
	}

	ix.mu.Lock()
	removed, err := ix.upsert(ctx, documentID, entries)
	size := ix.store.Len()
	ix.mu.Unlock()
	if err != nil {
		return stats, err
	}
	if removed > 0 {
		log.Debug().Str("document", documentID).Int("removed", removed).Msg("Removed previous chunks")
	}

	stats.Indexed = len(entries)
	for _, e := range entries {
		ix.metrics.RecordIndexed(string(e.Chunk.Type), 1)
	}
	ix.metrics.SetIndexSize(size)
	log.Debug().Int("indexed", stats.Indexed).Int("failed", len(stats.Failures)).Int("index_size", size).Msg("Indexed chunks")
	return stats, nil
}

// upsert must be called with ix.mu held.
func (ix *Indexer) upsert(ctx context.Context, documentID string, entries []models.IndexEntry) (int, error) {
	var removed int
	if documentID != "" {
		n, err := ix.store.DeleteDocument(ctx, documentID)
		if err != nil {
			return 0, fmt.Errorf("removing previous chunks of %s: %w", documentID, err)
		}
		removed = n
	}
	if len(entries) == 0 {
		return removed, nil
	}
	if err := ix.store.Upsert(ctx, entries); err != nil {
		return removed, fmt.Errorf("writing %d chunks to index: %w", len(entries), err)
	}
	return removed, nil
}

// embed tries one batch call first and falls back to one call per chunk so
// a single bad chunk cannot fail the rest.
func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk) ([][]float32, []error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	errs := make([]error, len(chunks))

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err == nil && len(vectors) == len(chunks) {
		return vectors, errs
	}
	if err != nil {
		log.Debug().Err(err).Int("chunks", len(chunks)).Msg("Batch embedding failed, embedding chunks one by one")
	}

	vectors = make([][]float32, len(chunks))
	for i, text := range texts {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		v, err := ix.embedder.EmbedQuery(ctx, text)
		if err != nil {
			errs[i] = fmt.Errorf("%w: %v", models.ErrEmbedding, err)
			continue
		}
		vectors[i] = v
	}
	return vectors, errs
}

func validVector(v []float32, dimension int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", models.ErrEmbedding)
	}
	if dimension > 0 && len(v) != dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", models.ErrDimensionMismatch, len(v), dimension)
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: zero vector", models.ErrEmbedding)
}
