// Package evaluation scores generated answers against ground-truth answers
// by the cosine similarity of their embeddings.
package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"multimodal-rag/internal/index"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
)

type Case struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth_answer"`
}

type Answerer interface {
	Query(ctx context.Context, question string) (*models.Answer, error)
}

type Result struct {
	Question    string  `json:"question"`
	GroundTruth string  `json:"ground_truth_answer"`
	Generated   string  `json:"generated_answer"`
	Similarity  float64 `json:"similarity"`
	Err         error   `json:"-"`
}

type Report struct {
	Results []Result `json:"results"`
	Average float64  `json:"average_similarity"`
	Failed  int      `json:"failed"`
}

type caseRecord struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth_answer"`
	Answer      string `json:"answer"`
}

type parallelCases struct {
	Questions []string `json:"questions"`
	Answers   []string `json:"answers"`
}

// LoadCases reads a ground-truth file. Two layouts are accepted: a list of
// {question, ground_truth_answer} objects (answer is accepted for the latter),
// or an object with parallel questions and answers lists.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ground truth: %w", err)
	}
	return ParseCases(data)
}

func ParseCases(data []byte) ([]Case, error) {
	data = bytes.TrimSpace(data)
	var cases []Case
	switch {
	case bytes.HasPrefix(data, []byte("[")):
		var records []caseRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parsing ground truth list: %w", err)
		}
		for _, r := range records {
			truth := r.GroundTruth
			if truth == "" {
				truth = r.Answer
			}
			cases = append(cases, Case{Question: r.Question, GroundTruth: truth})
		}
	case bytes.HasPrefix(data, []byte("{")):
		var pc parallelCases
		if err := json.Unmarshal(data, &pc); err != nil {
			return nil, fmt.Errorf("parsing ground truth object: %w", err)
		}
		if len(pc.Questions) != len(pc.Answers) {
			return nil, fmt.Errorf("ground truth has %d questions and %d answers", len(pc.Questions), len(pc.Answers))
		}
		for i := range pc.Questions {
			cases = append(cases, Case{Question: pc.Questions[i], GroundTruth: pc.Answers[i]})
		}
	default:
		return nil, fmt.Errorf("ground truth must be a JSON list or object")
	}

	valid := cases[:0]
	for _, c := range cases {
		c.Question = strings.TrimSpace(c.Question)
		c.GroundTruth = strings.TrimSpace(c.GroundTruth)
		if c.Question == "" || c.GroundTruth == "" {
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// Evaluate answers each case and compares the generated answer with the
// ground truth. Failed cases are reported and left out of the average.
func Evaluate(ctx context.Context, answerer Answerer, embedder embeddings.Embedder, cases []Case) (Report, error) {
	var report Report
	total := 0.0
	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := Result{Question: c.Question, GroundTruth: c.GroundTruth}
		res.Generated, res.Similarity, res.Err = score(ctx, answerer, embedder, c)
		if res.Err != nil {
			report.Failed++
			log.Warn().Err(res.Err).Int("case", i+1).Str("question", c.Question).Msg("Evaluation case failed")
		} else {
			total += res.Similarity
			log.Info().Int("case", i+1).Str("question", c.Question).Float64("similarity", res.Similarity).Msg("Evaluated case")
		}
		report.Results = append(report.Results, res)
	}
	if scored := len(report.Results) - report.Failed; scored > 0 {
		report.Average = total / float64(scored)
	}
	return report, nil
}

func score(ctx context.Context, answerer Answerer, embedder embeddings.Embedder, c Case) (string, float64, error) {
	answer, err := answerer.Query(ctx, c.Question)
	if err != nil {
		return "", 0, fmt.Errorf("answering: %w", err)
	}
	vectors, err := embedder.EmbedDocuments(ctx, []string{c.GroundTruth, answer.Text})
	if err != nil {
		return answer.Text, 0, fmt.Errorf("%w: %v", models.ErrEmbedding, err)
	}
	if len(vectors) != 2 {
		return answer.Text, 0, fmt.Errorf("%w: expected 2 vectors, got %d", models.ErrEmbedding, len(vectors))
	}
	return answer.Text, index.CosineSimilarity(vectors[0], vectors[1]), nil
}
