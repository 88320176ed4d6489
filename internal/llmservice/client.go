package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/helper"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Client is the text/vision completion service. It implements both the
// completer used for answering and the captioner used during extraction.
type Client struct {
	llm     llms.Model
	cfg     config.LLMConfig
	service string
	metrics *metrics.Metrics
}

// NewModel builds the langchaingo model for an endpoint.
func NewModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Str("provider", llmConfig.Provider).Str("base_url", llmConfig.BaseURL).Str("model", llmConfig.Model).Msg("Creating LLM client")
	switch llmConfig.Provider {
	case "ollama":
		return ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
	case "openai", "":
		return openai.New(
			openai.WithBaseURL(llmConfig.BaseURL),
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", llmConfig.Provider)
	}
}

// New creates a client for llmConfig. service labels its metrics ("complete", "caption").
func New(llmConfig *config.LLMConfig, service string, m *metrics.Metrics) (*Client, error) {
	llm, err := NewModel(llmConfig)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, *llmConfig, service, m), nil
}

func NewWithModel(llm llms.Model, llmConfig config.LLMConfig, service string, m *metrics.Metrics) *Client {
	if service == "" {
		service = "complete"
	}
	return &Client{llm: llm, cfg: llmConfig, service: service, metrics: m}
}

// GenerateContent calls the model with bounded retries and a per-attempt timeout.
func (c *Client) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	start := time.Now()
	var resp *llms.ContentResponse
	err := helper.Retry(ctx, helper.RetryConfig{
		Name:     c.service,
		Attempts: c.cfg.MaxAttempts,
		Timeout:  c.cfg.Timeout(),
	}, func(ctx context.Context) error {
		r, err := c.llm.GenerateContent(ctx, messages, options...)
		if err != nil {
			return err
		}
		if r == nil || len(r.Choices) == 0 {
			return errors.New("no choices returned")
		}
		resp = r
		return nil
	})
	c.metrics.RecordExternalCall(c.service, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Complete sends prompt, plus any images, as one human message and returns
// the answer text with reasoning blocks removed.
func (c *Client) Complete(ctx context.Context, prompt string, images ...models.Attachment) (string, error) {
	parts := []llms.ContentPart{llms.TextContent{Text: prompt}}
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		parts = append(parts, llms.BinaryPart(img.MIMEType, img.Data))
	}
	msgContent := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: parts,
		},
	}

	res, err := c.GenerateContent(ctx, msgContent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrCompletionService, err)
	}
	content := CleanResponse(res.Choices[0].Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", models.ErrCompletionService)
	}
	return content, nil
}

// Caption describes an image with the vision model.
func (c *Client) Caption(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("no image data")
	}
	return c.Complete(ctx, models.CaptionPrompt, models.Attachment{MIMEType: mimeType, Data: data})
}

// CleanResponse strips <think> blocks and surrounding whitespace.
func CleanResponse(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}
