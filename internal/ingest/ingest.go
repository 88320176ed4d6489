// Package ingest runs documents through extraction, chunking and indexing.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"multimodal-rag/internal/chunker"
	"multimodal-rag/internal/config"
	"multimodal-rag/internal/embedding"
	"multimodal-rag/internal/helper"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"
	"multimodal-rag/internal/parser"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Source is one document handed to the pipeline. An empty ID is derived
// from the filename.
type Source struct {
	ID       string
	Filename string
	Data     []byte
}

// FileSource reads path into a Source.
func FileSource(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", models.ErrDocumentParse, err)
	}
	return Source{Filename: filepath.Base(path), Data: data}, nil
}

type Pipeline struct {
	extractor *parser.Extractor
	chunker   *chunker.Chunker
	indexer   *embedding.Indexer
	metrics   *metrics.Metrics
	workers   int
}

func NewPipeline(extractor *parser.Extractor, ch *chunker.Chunker, indexer *embedding.Indexer, cfg *config.Config, m *metrics.Metrics) *Pipeline {
	workers := 1
	if cfg != nil && cfg.RAG.Workers > 0 {
		workers = cfg.RAG.Workers
	}
	return &Pipeline{extractor: extractor, chunker: ch, indexer: indexer, metrics: m, workers: workers}
}

// Ingest extracts, chunks and indexes one document, replacing whatever an
// earlier ingestion of the same document ID left in the index. Failures are
// reported in the returned report rather than as an error.
func (p *Pipeline) Ingest(ctx context.Context, src Source) models.IngestReport {
	chunks, report := p.prepare(ctx, src)
	if report.Err != nil {
		return p.finish(report)
	}

	stats, err := p.indexer.Replace(ctx, report.DocumentID, chunks)
	report.Indexed = stats.Indexed
	report.EmbeddingFailures = len(stats.Failures)
	if err != nil {
		report.Err = err
	}
	return p.finish(report)
}

// Preview extracts and chunks a document without indexing it.
func (p *Pipeline) Preview(ctx context.Context, src Source) ([]models.Chunk, models.IngestReport) {
	return p.prepare(ctx, src)
}

// IngestAll ingests sources concurrently, at most workers at a time.
// Reports are returned in source order. The error is only set when ctx
// is cancelled.
func (p *Pipeline) IngestAll(ctx context.Context, sources []Source) ([]models.IngestReport, error) {
	reports := make([]models.IngestReport, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				reports[i] = models.IngestReport{DocumentID: src.ID, SourceFilename: src.Filename, Err: err}
				return err
			}
			reports[i] = p.Ingest(gctx, src)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return reports, err
}

func (p *Pipeline) prepare(ctx context.Context, src Source) ([]models.Chunk, models.IngestReport) {
	id := src.ID
	if id == "" {
		id = helper.DocumentID(src.Filename)
	}
	report := models.IngestReport{DocumentID: id, SourceFilename: src.Filename, Counts: map[models.ContentType]int{}}

	doc, partial, err := p.extractor.Extract(ctx, id, src.Filename, src.Data)
	report.PartialFailures = partial
	if err != nil {
		report.Err = err
		return nil, report
	}
	report.Pages = doc.PageCount()
	report.PartialFailures = append(report.PartialFailures, dropInvalidUnits(doc)...)

	chunks := p.chunker.Chunk(doc)
	for _, c := range chunks {
		report.Counts[c.Type]++
	}
	return chunks, report
}

func (p *Pipeline) finish(report models.IngestReport) models.IngestReport {
	status := "ok"
	switch {
	case report.Err != nil:
		status = "failed"
		log.Error().Err(report.Err).Str("document", report.DocumentID).Str("file", report.SourceFilename).Msg("Ingestion failed")
	case len(report.PartialFailures) > 0 || report.EmbeddingFailures > 0:
		status = "partial"
		for _, f := range report.PartialFailures {
			log.Warn().Err(f).Str("document", report.DocumentID).Msg("Partial extraction failure")
		}
	}
	if report.Err == nil {
		log.Info().
			Str("document", report.DocumentID).
			Str("file", report.SourceFilename).
			Int("pages", report.Pages).
			Int("text", report.Counts[models.ContentText]).
			Int("images", report.Counts[models.ContentImage]).
			Int("tables", report.Counts[models.ContentTable]).
			Int("indexed", report.Indexed).
			Int("embedding_failures", report.EmbeddingFailures).
			Msg("Ingested document")
	}
	p.metrics.RecordDocument(status)
	return report
}

// dropInvalidUnits removes units whose payload does not match their kind.
func dropInvalidUnits(doc *models.Document) []models.PartialFailure {
	var failures []models.PartialFailure
	for i := range doc.Pages {
		page := &doc.Pages[i]
		kept := page.Units[:0]
		for _, u := range page.Units {
			if err := u.Validate(); err != nil {
				failures = append(failures, models.PartialFailure{Page: page.Number, Kind: u.Kind, Err: fmt.Errorf("%w: %v", models.ErrExtractionPartial, err)})
				continue
			}
			kept = append(kept, u)
		}
		page.Units = kept
	}
	return failures
}
