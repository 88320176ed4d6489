package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"multimodal-rag/internal/chunker"
	"multimodal-rag/internal/config"
	"multimodal-rag/internal/embedding"
	"multimodal-rag/internal/helper"
	"multimodal-rag/internal/index"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"
	"multimodal-rag/internal/parser"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	failOn string
	calls  int
}

func (f *fakeEmbedder) vector(text string) ([]float32, error) {
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{float32(len(text)), 1, 0.5}, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.vector(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vector(text)
}

func newPipeline(emb *fakeEmbedder, store index.Store, m *metrics.Metrics) *Pipeline {
	cfg := config.Default()
	cfg.RAG.Workers = 2
	return NewPipeline(parser.NewExtractor(nil), chunker.New(cfg), embedding.NewIndexer(emb, store, m), cfg, m)
}

func paragraphs(n int, poisoned int) []byte {
	var parts []string
	for i := 1; i <= n; i++ {
		text := fmt.Sprintf("Paragraph %d talks about quarterly results.", i)
		if i == poisoned {
			text += " poison"
		}
		parts = append(parts, text)
	}
	return []byte(strings.Join(parts, "\n\n"))
}

func TestIngestOneEmbeddingFailure(t *testing.T) {
	m := metrics.New()
	store := index.NewMemory()
	p := newPipeline(&fakeEmbedder{failOn: "poison"}, store, m)

	report := p.Ingest(context.Background(), Source{ID: "notes", Filename: "notes.txt", Data: paragraphs(5, 3)})
	if report.Err != nil {
		t.Fatalf("Err = %v", report.Err)
	}
	if report.Pages != 1 || report.Counts[models.ContentText] != 5 || report.Total() != 5 {
		t.Errorf("report = %+v", report)
	}
	if report.Indexed != 4 || report.EmbeddingFailures != 1 {
		t.Errorf("indexed = %d, failures = %d", report.Indexed, report.EmbeddingFailures)
	}
	if store.Len() != 4 {
		t.Errorf("store.Len() = %d", store.Len())
	}
	if _, ok := store.Get("notes-p1-text-3"); ok {
		t.Error("failed chunk should not be indexed")
	}
	if got := testutil.ToFloat64(m.DocumentsTotal.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial documents = %v", got)
	}
}

func TestIngestDerivesDocumentID(t *testing.T) {
	p := newPipeline(&fakeEmbedder{}, index.NewMemory(), nil)
	report := p.Ingest(context.Background(), Source{Filename: "report.txt", Data: paragraphs(1, 0)})
	if report.DocumentID != helper.DocumentID("report.txt") {
		t.Errorf("DocumentID = %q", report.DocumentID)
	}
}

func TestIngestTwiceIsIdempotent(t *testing.T) {
	store := index.NewMemory()
	p := newPipeline(&fakeEmbedder{}, store, nil)
	src := Source{ID: "doc", Filename: "doc.txt", Data: paragraphs(3, 0)}

	p.Ingest(context.Background(), src)
	p.Ingest(context.Background(), src)
	if store.Len() != 3 {
		t.Errorf("store.Len() = %d after re-ingestion, want 3", store.Len())
	}
}

func TestIngestShorterVersionReplacesChunks(t *testing.T) {
	store := index.NewMemory()
	p := newPipeline(&fakeEmbedder{}, store, nil)
	ctx := context.Background()

	p.Ingest(ctx, Source{ID: "notes", Filename: "notes.txt", Data: paragraphs(5, 0)})
	if store.Len() != 5 {
		t.Fatalf("store.Len() = %d after first version", store.Len())
	}
	report := p.Ingest(ctx, Source{ID: "notes", Filename: "notes.txt", Data: paragraphs(2, 0)})
	if report.Err != nil || report.Indexed != 2 {
		t.Fatalf("report = %+v", report)
	}
	if store.Len() != 2 {
		t.Errorf("store.Len() = %d after shorter version, want 2", store.Len())
	}
	if _, ok := store.Get("notes-p1-text-5"); ok {
		t.Error("chunk from the first version is still indexed")
	}

	other := Source{ID: "other", Filename: "other.txt", Data: paragraphs(1, 0)}
	p.Ingest(ctx, other)
	if store.Len() != 3 {
		t.Errorf("store.Len() = %d, another document must not be touched", store.Len())
	}
}

func TestIngestMarkdownTable(t *testing.T) {
	p := newPipeline(&fakeEmbedder{}, index.NewMemory(), nil)
	md := "# Results\n\nRevenue grew.\n\n| Region | Revenue |\n|---|---|\n| EU | 10 |\n| US | 12 |\n"
	report := p.Ingest(context.Background(), Source{ID: "md", Filename: "results.md", Data: []byte(md)})
	if report.Err != nil {
		t.Fatal(report.Err)
	}
	if report.Counts[models.ContentTable] != 1 || report.Counts[models.ContentText] == 0 {
		t.Errorf("Counts = %v", report.Counts)
	}
}

func TestIngestUnreadableDocument(t *testing.T) {
	m := metrics.New()
	store := index.NewMemory()
	p := newPipeline(&fakeEmbedder{}, store, m)

	report := p.Ingest(context.Background(), Source{ID: "bad", Filename: "broken.pdf", Data: []byte("not a pdf at all")})
	if !errors.Is(report.Err, models.ErrDocumentParse) {
		t.Errorf("Err = %v, want ErrDocumentParse", report.Err)
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d", store.Len())
	}
	if got := testutil.ToFloat64(m.DocumentsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed documents = %v", got)
	}
}

func TestPreviewDoesNotIndex(t *testing.T) {
	emb := &fakeEmbedder{}
	store := index.NewMemory()
	chunks, report := newPipeline(emb, store, nil).Preview(context.Background(), Source{ID: "doc", Filename: "doc.txt", Data: paragraphs(2, 0)})
	if len(chunks) != 2 || report.Total() != 2 {
		t.Errorf("chunks = %d, report = %+v", len(chunks), report)
	}
	if store.Len() != 0 || emb.calls != 0 {
		t.Errorf("preview indexed chunks: len=%d calls=%d", store.Len(), emb.calls)
	}
}

func TestIngestAll(t *testing.T) {
	store := index.NewMemory()
	p := newPipeline(&fakeEmbedder{}, store, nil)
	var sources []Source
	for i := 1; i <= 5; i++ {
		sources = append(sources, Source{ID: fmt.Sprintf("doc%d", i), Filename: fmt.Sprintf("doc%d.txt", i), Data: paragraphs(i, 0)})
	}
	sources = append(sources, Source{ID: "bad", Filename: "bad.xyz", Data: []byte("???")})

	reports, err := p.IngestAll(context.Background(), sources)
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if len(reports) != len(sources) {
		t.Fatalf("reports = %d", len(reports))
	}
	for i := 0; i < 5; i++ {
		if reports[i].DocumentID != sources[i].ID || reports[i].Indexed != i+1 {
			t.Errorf("report %d = %+v", i, reports[i])
		}
	}
	if !errors.Is(reports[5].Err, models.ErrDocumentParse) {
		t.Errorf("bad source Err = %v", reports[5].Err)
	}
	if store.Len() != 15 {
		t.Errorf("store.Len() = %d, want 15", store.Len())
	}
}

func TestIngestAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := index.NewMemory()
	reports, err := newPipeline(&fakeEmbedder{}, store, nil).IngestAll(ctx, []Source{
		{ID: "a", Filename: "a.txt", Data: paragraphs(2, 0)},
		{ID: "b", Filename: "b.txt", Data: paragraphs(2, 0)},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(reports) != 2 || store.Len() != 0 {
		t.Errorf("reports = %d, store.Len() = %d", len(reports), store.Len())
	}
}

func TestDropInvalidUnits(t *testing.T) {
	doc := &models.Document{ID: "d", Pages: []models.Page{{
		Number: 2,
		Units: []models.ContentUnit{
			models.NewTextUnit("d", 2, "kept"),
			{Kind: models.ContentImage, Page: 2, DocumentID: "d"},
		},
	}}}
	failures := dropInvalidUnits(doc)
	if len(failures) != 1 || failures[0].Page != 2 || failures[0].Kind != models.ContentImage {
		t.Errorf("failures = %+v", failures)
	}
	if !errors.Is(failures[0], models.ErrExtractionPartial) {
		t.Errorf("failure should wrap ErrExtractionPartial: %v", failures[0])
	}
	if len(doc.Pages[0].Units) != 1 {
		t.Errorf("units = %+v", doc.Pages[0].Units)
	}
}
