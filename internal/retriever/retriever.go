package retriever

import (
	"context"
	"fmt"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/index"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
)

// Retriever embeds a question with the indexing embedder and searches the store.
type Retriever struct {
	embedder embeddings.Embedder
	store    index.Store
	topK     int
	minScore float64
}

func New(embedder embeddings.Embedder, store index.Store, cfg *config.Config) *Retriever {
	topK, minScore := config.DefaultTopK, 0.0
	if cfg != nil {
		if cfg.RAG.TopK > 0 {
			topK = cfg.RAG.TopK
		}
		minScore = cfg.RAG.MinScore
	}
	return &Retriever{embedder: embedder, store: store, topK: topK, minScore: minScore}
}

// Retrieve returns up to topK hits in descending score order. Hits scoring
// below the configured minimum are dropped; if none remain the error is
// ErrRetrievalEmpty.
func (r *Retriever) Retrieve(ctx context.Context, question string) (models.RetrievalResult, error) {
	result := models.RetrievalResult{Question: question}
	if r.store.Len() == 0 {
		return result, fmt.Errorf("%w: index is empty", models.ErrRetrievalEmpty)
	}

	vector, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return result, fmt.Errorf("%w: embedding question: %v", models.ErrEmbedding, err)
	}
	hits, err := r.store.Search(ctx, vector, r.topK)
	if err != nil {
		return result, fmt.Errorf("searching index: %w", err)
	}

	for _, h := range hits {
		if h.Score < r.minScore {
			continue
		}
		result.Hits = append(result.Hits, h)
	}
	log.Debug().Str("question", question).Int("hits", len(result.Hits)).Int("candidates", len(hits)).Msg("Retrieved chunks")
	if len(result.Hits) == 0 {
		return result, fmt.Errorf("%w for %q", models.ErrRetrievalEmpty, question)
	}
	return result, nil
}
