package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/helper"
	"multimodal-rag/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewEmbedder creates the embedder for the configured provider.
func NewEmbedder(llmConfig *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	switch llmConfig.Provider {
	case "ollama":
		return NewOllamaEmbedder(llmConfig)
	case "openai", "":
		return NewOpenAIEmbedder(llmConfig)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", llmConfig.Provider)
	}
}

// NewOpenAIEmbedder works with any OpenAI-compatible endpoint, e.g. OpenRouter.
func NewOpenAIEmbedder(llmConfig *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Creating embedder")

	llm, err := openai.New(
		openai.WithBaseURL(llmConfig.BaseURL),
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithModel(llmConfig.Model),
		openai.WithEmbeddingModel(llmConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}

// new ollama embedder
func NewOllamaEmbedder(llmConfig *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Creating embedder")

	llm, err := ollama.New(
		ollama.WithServerURL(llmConfig.BaseURL),
		ollama.WithModel(llmConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}

// Retrying bounds every call of the wrapped embedder with helper.Retry.
type Retrying struct {
	embedder embeddings.Embedder
	cfg      config.LLMConfig
	metrics  *metrics.Metrics
}

var _ embeddings.Embedder = (*Retrying)(nil)

func NewRetrying(embedder embeddings.Embedder, llmConfig config.LLMConfig, m *metrics.Metrics) *Retrying {
	return &Retrying{embedder: embedder, cfg: llmConfig, metrics: m}
}

func (r *Retrying) retryConfig() helper.RetryConfig {
	return helper.RetryConfig{Name: "embed", Attempts: r.cfg.MaxAttempts, Timeout: r.cfg.Timeout()}
}

func (r *Retrying) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var vectors [][]float32
	err := helper.Retry(ctx, r.retryConfig(), func(ctx context.Context) error {
		v, err := r.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	})
	r.metrics.RecordExternalCall("embed", time.Since(start), err)
	return vectors, err
}

func (r *Retrying) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var vector []float32
	err := helper.Retry(ctx, r.retryConfig(), func(ctx context.Context) error {
		v, err := r.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	r.metrics.RecordExternalCall("embed", time.Since(start), err)
	return vector, err
}
