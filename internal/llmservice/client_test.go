package llmservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/models"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel implements llms.Model with scripted replies.
type fakeModel struct {
	replies  []string
	errs     []error
	calls    int
	lastMsgs []llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	i := f.calls
	f.calls++
	f.lastMsgs = messages
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{Provider: "openai", Model: "m", TimeoutSecs: 5, MaxAttempts: 2}
}

func TestCompleteStripsThinkTags(t *testing.T) {
	fm := &fakeModel{replies: []string{"<think>reasoning</think>\n  The answer is 42. "}}
	c := NewWithModel(fm, testConfig(), "complete", nil)

	got, err := c.Complete(context.Background(), "question")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "The answer is 42." {
		t.Errorf("Complete() = %q", got)
	}
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	fm := &fakeModel{errs: []error{errors.New("503")}, replies: []string{"", "ok"}}
	c := NewWithModel(fm, testConfig(), "complete", nil)

	got, err := c.Complete(context.Background(), "q")
	if err != nil || got != "ok" {
		t.Fatalf("Complete() = %q, %v", got, err)
	}
	if fm.calls != 2 {
		t.Errorf("expected 2 calls, got %d", fm.calls)
	}
}

func TestCompleteWrapsServiceError(t *testing.T) {
	fm := &fakeModel{errs: []error{errors.New("down"), errors.New("down")}}
	c := NewWithModel(fm, testConfig(), "complete", nil)

	_, err := c.Complete(context.Background(), "q")
	if !errors.Is(err, models.ErrCompletionService) {
		t.Fatalf("expected ErrCompletionService, got %v", err)
	}
	if fm.calls != 2 {
		t.Errorf("attempts not bounded: %d calls", fm.calls)
	}
}

func TestCompleteEmptyIsError(t *testing.T) {
	fm := &fakeModel{replies: []string{"<think>only thoughts</think>"}}
	c := NewWithModel(fm, testConfig(), "complete", nil)
	if _, err := c.Complete(context.Background(), "q"); !errors.Is(err, models.ErrCompletionService) {
		t.Errorf("expected ErrCompletionService for empty reply, got %v", err)
	}
}

func TestCaptionAttachesImage(t *testing.T) {
	fm := &fakeModel{replies: []string{"a bar chart of sales"}}
	c := NewWithModel(fm, testConfig(), "caption", nil)

	got, err := c.Caption(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	if err != nil || got != "a bar chart of sales" {
		t.Fatalf("Caption() = %q, %v", got, err)
	}
	parts := fm.lastMsgs[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected prompt + image parts, got %d", len(parts))
	}
	if bin, ok := parts[1].(llms.BinaryContent); !ok || bin.MIMEType != "image/png" {
		t.Errorf("second part is not the image: %#v", parts[1])
	}
}

func TestCaptionWithoutDataFails(t *testing.T) {
	c := NewWithModel(&fakeModel{}, testConfig(), "caption", nil)
	if _, err := c.Caption(context.Background(), nil, "image/png"); err == nil {
		t.Error("expected error for empty image")
	}
}

func TestOpenAICompatibleEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": "Revenue grew."},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
		})
	}))
	defer server.Close()

	cfg := config.LLMConfig{Provider: "openai", BaseURL: server.URL, Key: "Bearer test", Model: "test-model", TimeoutSecs: 5, MaxAttempts: 1}
	c, err := New(&cfg, "complete", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Complete(context.Background(), "What happened to revenue?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Revenue grew." {
		t.Errorf("Complete() = %q", got)
	}
}

func TestNewModelUnknownProvider(t *testing.T) {
	if _, err := NewModel(&config.LLMConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
