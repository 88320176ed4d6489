package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/llmservice"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	PolicyHeuristic = "heuristic"
	PolicyAlways    = "always"
	PolicyNever     = "never"
)

var (
	jsonArrayRe   = regexp.MustCompile(models.JSONArrayRegex)
	interrogative = regexp.MustCompile(`(?i)\b(what|when|where|which|who|whom|whose|why|how)\b`)
)

// Completer is the text completion service.
type Completer interface {
	Complete(ctx context.Context, prompt string, images ...models.Attachment) (string, error)
}

// Result is the outcome of a decomposition. Err is set, wrapping
// ErrDecomposition, when the service was asked and the fallback was used.
type Result struct {
	SubQuestions []string
	Decomposed   bool
	Err          error
}

type Decomposer struct {
	completer Completer
	policy    string
	limit     int
}

func New(completer Completer, cfg *config.Config) *Decomposer {
	policy, limit := PolicyHeuristic, config.DefaultMaxSubQuestions
	if cfg != nil {
		if cfg.RAG.Decompose != "" {
			policy = cfg.RAG.Decompose
		}
		if cfg.RAG.MaxSubQuestions > 0 {
			limit = cfg.RAG.MaxSubQuestions
		}
	}
	return &Decomposer{completer: completer, policy: policy, limit: limit}
}

// Decompose splits question into standalone sub-questions. It never fails:
// on any problem the question itself is the single sub-question.
func (d *Decomposer) Decompose(ctx context.Context, question string) Result {
	question = strings.TrimSpace(question)
	single := Result{SubQuestions: []string{question}}
	if !d.shouldDecompose(question) {
		return single
	}

	prompt := fmt.Sprintf(models.DecomposePromptTemplate, d.limit, question)
	response, err := d.completer.Complete(ctx, prompt)
	if err != nil {
		return d.fallback(question, fmt.Errorf("%w: %v", models.ErrDecomposition, err))
	}

	subQuestions, err := ParseSubQuestions(response, d.limit)
	if err != nil {
		return d.fallback(question, err)
	}
	log.Debug().Str("question", question).Strs("sub_questions", subQuestions).Msg("Decomposed question")
	return Result{SubQuestions: subQuestions, Decomposed: len(subQuestions) > 1}
}

func (d *Decomposer) fallback(question string, err error) Result {
	log.Warn().Err(err).Str("question", question).Msg("Decomposition failed, answering the question as a whole")
	return Result{SubQuestions: []string{question}, Err: err}
}

func (d *Decomposer) shouldDecompose(question string) bool {
	switch d.policy {
	case PolicyNever:
		return false
	case PolicyAlways:
		return d.completer != nil
	}
	return d.completer != nil && IsCompound(question)
}

// IsCompound reports whether a question looks like several questions:
// two or more interrogatives, two or more question marks, or a semicolon.
func IsCompound(question string) bool {
	if strings.Count(question, "?") >= 2 || strings.Contains(question, ";") {
		return true
	}
	return len(interrogative.FindAllString(question, -1)) >= 2
}

// ParseSubQuestions extracts the JSON array of strings from a completion.
// Entries are trimmed, de-duplicated and capped at limit.
func ParseSubQuestions(response string, limit int) ([]string, error) {
	response = llmservice.CleanResponse(response)
	raw := jsonArrayRe.FindString(response)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON array in response", models.ErrDecomposition)
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON array: %v", models.ErrDecomposition, err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty sub-question list", models.ErrDecomposition)
	}
	return out, nil
}
