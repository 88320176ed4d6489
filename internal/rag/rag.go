package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/decomposer"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
)

type Decomposer interface {
	Decompose(ctx context.Context, question string) decomposer.Result
}

type Retriever interface {
	Retrieve(ctx context.Context, question string) (models.RetrievalResult, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string, images ...models.Attachment) (string, error)
}

// Progress is the state threaded through the sub-questions of one query.
// A cancelled query returns it inside a CancelledError so it can be resumed.
type Progress struct {
	Question     string
	SubQuestions []string
	Next         int
	SubAnswers   []models.SubAnswer
	ImageRefs    []string
	Degraded     []string

	errs map[int]error
}

func (p *Progress) hasImage(id string) bool {
	for _, ref := range p.ImageRefs {
		if ref == id {
			return true
		}
	}
	return false
}

// CancelledError reports a query stopped by its context between or during
// sub-questions. Completed sub-answers are kept in Progress.
type CancelledError struct {
	Progress *Progress
	Err      error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("query cancelled after %d of %d sub-questions: %v", e.Progress.Next, len(e.Progress.SubQuestions), e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// RAG answers questions over the indexed documents of one session.
type RAG struct {
	decomposer   Decomposer
	retriever    Retriever
	completer    Completer
	metrics      *metrics.Metrics
	attachImages bool
}

func NewRAG(d Decomposer, r Retriever, c Completer, cfg *config.Config, m *metrics.Metrics) *RAG {
	attach := false
	if cfg != nil {
		attach = cfg.RAG.AttachImages
	}
	return &RAG{decomposer: d, retriever: r, completer: c, metrics: m, attachImages: attach}
}

// Query decomposes question, answers each sub-question in order and
// combines the sub-answers.
func (r *RAG) Query(ctx context.Context, question string) (*models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question is empty")
	}

	p := &Progress{Question: question}
	res := r.decomposer.Decompose(ctx, question)
	p.SubQuestions = res.SubQuestions
	if len(p.SubQuestions) == 0 {
		p.SubQuestions = []string{question}
	}
	if res.Err != nil {
		p.Degraded = append(p.Degraded, fmt.Sprintf("question answered without decomposition: %v", res.Err))
	}
	if res.Decomposed {
		log.Info().Str("question", question).Int("sub_questions", len(p.SubQuestions)).Msg("Answering question in parts")
	}
	return r.Resume(ctx, p)
}

// Resume continues a query from its next unanswered sub-question.
func (r *RAG) Resume(ctx context.Context, p *Progress) (*models.Answer, error) {
	if p.errs == nil {
		p.errs = make(map[int]error)
	}
	for p.Next < len(p.SubQuestions) {
		if err := ctx.Err(); err != nil {
			r.metrics.RecordQuery("cancelled", len(p.SubQuestions))
			return nil, &CancelledError{Progress: p, Err: err}
		}
		if err := r.answerNext(ctx, p); err != nil {
			r.metrics.RecordQuery("cancelled", len(p.SubQuestions))
			return nil, &CancelledError{Progress: p, Err: err}
		}
	}

	answer, err := r.finish(ctx, p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.metrics.RecordQuery("cancelled", len(p.SubQuestions))
			return nil, &CancelledError{Progress: p, Err: ctxErr}
		}
		r.metrics.RecordQuery("failed", len(p.SubQuestions))
		return nil, err
	}
	status := "ok"
	if len(answer.Degraded) > 0 {
		status = "degraded"
	}
	r.metrics.RecordQuery(status, len(p.SubQuestions))
	return answer, nil
}

// answerNext answers p.SubQuestions[p.Next]. It returns an error only when
// ctx was cancelled during the step, in which case p is left unchanged.
func (r *RAG) answerNext(ctx context.Context, p *Progress) error {
	i := p.Next
	q := p.SubQuestions[i]
	sub := models.SubAnswer{Question: q}

	result, err := r.retriever.Retrieve(ctx, q)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var newImages []string
	switch {
	case errors.Is(err, models.ErrRetrievalEmpty):
		sub.Answer = models.NoRelevantFound
		sub.Empty = true
	case err != nil:
		sub.Answer = models.UnableToAnswer
		sub.Failed = true
		p.errs[i] = err
	default:
		for _, h := range result.Hits {
			sub.ChunkIDs = append(sub.ChunkIDs, h.Chunk.ID)
			if h.Chunk.Type == models.ContentImage && !p.hasImage(h.Chunk.ID) && !contains(newImages, h.Chunk.ID) {
				newImages = append(newImages, h.Chunk.ID)
			}
		}
		prompt := fmt.Sprintf(models.AnswerPromptTemplate, FormatEvidence(result.Hits), priorAnswers(p.SubAnswers), q)
		text, err := r.completer.Complete(ctx, prompt, r.attachments(result.Hits)...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			sub.Answer = models.UnableToAnswer
			sub.Failed = true
			p.errs[i] = err
		} else {
			sub.Answer = text
		}
	}

	if sub.Failed {
		log.Warn().Err(p.errs[i]).Str("sub_question", q).Msg("Sub-question could not be answered")
		p.Degraded = append(p.Degraded, fmt.Sprintf("sub-question %q: %v", q, p.errs[i]))
	}
	p.SubAnswers = append(p.SubAnswers, sub)
	p.ImageRefs = append(p.ImageRefs, newImages...)
	p.Next++
	return nil
}

func (r *RAG) finish(ctx context.Context, p *Progress) (*models.Answer, error) {
	answer := &models.Answer{
		Question:   p.Question,
		ImageRefs:  p.ImageRefs,
		SubAnswers: p.SubAnswers,
	}

	answered, failed := 0, 0
	for _, s := range p.SubAnswers {
		switch {
		case s.Failed:
			failed++
		case !s.Empty:
			answered++
		}
	}

	switch {
	case answered == 0 && failed == 0:
		answer.Text = models.NoRelevantFound
	case answered == 0:
		return nil, r.failure(p)
	case len(p.SubAnswers) == 1:
		answer.Text = p.SubAnswers[0].Answer
	default:
		prompt := fmt.Sprintf(models.SynthesisPromptTemplate, p.Question, formatSubAnswers(p.SubAnswers))
		text, err := r.completer.Complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("question", p.Question).Msg("Synthesis failed, assembling answer from sub-answers")
			p.Degraded = append(p.Degraded, fmt.Sprintf("final synthesis failed, answer assembled from sub-answers: %v", err))
			text = assembleFallback(p.SubAnswers)
		}
		answer.Text = text
	}
	answer.Degraded = p.Degraded
	return answer, nil
}

// failure is the error for a query where no sub-question could be answered.
func (r *RAG) failure(p *Progress) error {
	for i := range p.SubQuestions {
		if err, ok := p.errs[i]; ok {
			if errors.Is(err, models.ErrCompletionService) {
				return err
			}
			return fmt.Errorf("%w: %v", models.ErrCompletionService, err)
		}
	}
	return models.ErrCompletionService
}

func (r *RAG) attachments(hits []models.ScoredChunk) []models.Attachment {
	if !r.attachImages {
		return nil
	}
	var out []models.Attachment
	for _, h := range hits {
		if h.Chunk.Type == models.ContentImage && len(h.Chunk.Payload) > 0 {
			out = append(out, models.Attachment{MIMEType: h.Chunk.MIMEType, Data: h.Chunk.Payload})
		}
	}
	return out
}

// FormatEvidence renders hits with their content type and page.
func FormatEvidence(hits []models.ScoredChunk) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		c := h.Chunk
		source := fmt.Sprintf("page %d", c.PageNumber)
		if c.SourceFilename != "" {
			source += ", " + c.SourceFilename
		}
		parts = append(parts, fmt.Sprintf("%s (%s)\n%s", annotation(c.Type), source, c.Content))
	}
	return strings.Join(parts, models.ContextSeparator)
}

func annotation(kind models.ContentType) string {
	switch kind {
	case models.ContentText:
		return "[text]"
	case models.ContentImage:
		return "[image caption]"
	case models.ContentTable:
		return "[table]"
	case "":
		return "[unknown]"
	default:
		return "[" + string(kind) + "]"
	}
}

func priorAnswers(subs []models.SubAnswer) string {
	if len(subs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(models.PriorAnswersHeader)
	for _, s := range subs {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", s.Question, s.Answer)
	}
	return b.String()
}

func formatSubAnswers(subs []models.SubAnswer) string {
	var b strings.Builder
	for i, s := range subs {
		fmt.Fprintf(&b, "%d. Q: %s\n   A: %s\n", i+1, s.Question, s.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

func assembleFallback(subs []models.SubAnswer) string {
	var b strings.Builder
	for _, s := range subs {
		fmt.Fprintf(&b, "- %s\n  %s\n", s.Question, s.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
