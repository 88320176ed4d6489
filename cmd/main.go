package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"multimodal-rag/internal/chromemdb"
	"multimodal-rag/internal/chunker"
	"multimodal-rag/internal/config"
	"multimodal-rag/internal/db"
	"multimodal-rag/internal/decomposer"
	"multimodal-rag/internal/embedding"
	"multimodal-rag/internal/evaluation"
	"multimodal-rag/internal/helper"
	"multimodal-rag/internal/index"
	"multimodal-rag/internal/ingest"
	"multimodal-rag/internal/llmservice"
	"multimodal-rag/internal/logger"
	"multimodal-rag/internal/metrics"
	"multimodal-rag/internal/models"
	"multimodal-rag/internal/parser"
	"multimodal-rag/internal/rag"
	"multimodal-rag/internal/retriever"
)

const configFilePath = "./configs/config.yaml"

// fileList collects repeated -file flags.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}

	var files fileList
	configPath := flag.String("config", configFilePath, "Path to the config file")
	flag.Var(&files, "file", "Path to a document to ingest (repeatable)")
	query := flag.String("query", "", "Question to be answered")
	snapshot := flag.String("snapshot", "", "Index snapshot file for the in-memory store")
	dryRun := flag.Bool("dry-run", false, "Print extracted chunks without indexing")
	chat := flag.Bool("chat", false, "Answer questions read from stdin")
	evalPath := flag.String("eval", "", "Ground-truth file to evaluate answers against")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve /metrics on")
	reset := flag.Bool("reset", false, "Clear the index before ingesting")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, WithCaller: cfg.Log.WithCaller})

	if len(files) == 0 && *query == "" && !*chat && *evalPath == "" {
		log.Fatal().Msg("Please provide documents with -file, a question with -query, -chat or -eval")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, m); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if *dryRun {
		previewFiles(ctx, cfg, files)
		return
	}

	a, err := newApp(ctx, cfg, m, *snapshot, *reset)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}
	defer a.close()

	if len(files) > 0 {
		a.ingestFiles(ctx, files)
	}
	if *query != "" {
		a.ask(ctx, *query)
	}
	if *evalPath != "" {
		a.evaluate(ctx, *evalPath)
	}
	if *chat {
		a.chat(ctx)
	}
	if err := a.save(ctx); err != nil {
		log.Error().Err(err).Msg("Error saving index")
	}
}

type app struct {
	cfg      *config.Config
	store    index.Store
	memory   *index.Memory
	chromem  *chromemdb.Store
	postgres *db.Store
	snapshot string
	embedder embeddings.Embedder
	pipeline *ingest.Pipeline
	rag      *rag.RAG
}

func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics, snapshot string, reset bool) (*app, error) {
	a := &app{cfg: cfg, snapshot: snapshot}
	if err := a.openStore(ctx, reset); err != nil {
		return nil, err
	}
	m.SetIndexSize(a.store.Len())

	base, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("initializing embedder: %w", err)
	}
	a.embedder = embedding.NewRetrying(base, cfg.EmbedLLM, m)

	completer, err := llmservice.New(&cfg.LLM, "complete", m)
	if err != nil {
		return nil, fmt.Errorf("initializing completion client: %w", err)
	}
	captioner, err := llmservice.New(&cfg.VisionLLM, "caption", m)
	if err != nil {
		return nil, fmt.Errorf("initializing caption client: %w", err)
	}

	a.pipeline = ingest.NewPipeline(
		parser.NewExtractor(captioner),
		chunker.New(cfg),
		embedding.NewIndexer(a.embedder, a.store, m),
		cfg, m,
	)
	a.rag = rag.NewRAG(
		decomposer.New(completer, cfg),
		retriever.New(a.embedder, a.store, cfg),
		completer, cfg, m,
	)
	return a, nil
}

// openStore opens the configured store. With reset, existing chunks are
// discarded; the memory store then skips loading its snapshot.
func (a *app) openStore(ctx context.Context, reset bool) error {
	switch a.cfg.VectorStore.Type {
	case "chromem":
		if !a.cfg.VectorStore.InMemory {
			if err := helper.CreateFolder(a.cfg.VectorStore.Path); err != nil {
				return fmt.Errorf("creating folder: %w", err)
			}
		}
		s, err := chromemdb.NewStore(a.cfg.VectorStore, a.cfg.RAG.EncryptionKey)
		if err != nil {
			return err
		}
		switch {
		case reset:
			if err := s.Reset(ctx); err != nil {
				return err
			}
		case a.cfg.VectorStore.InMemory && a.cfg.RAG.EncryptionKey != "":
			if err := s.Import(ctx); err != nil {
				log.Warn().Err(err).Msg("No collection imported, starting empty")
			}
		}
		a.chromem, a.store = s, s
	case "postgres":
		s, err := db.NewStore(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		if reset {
			if err := s.Reset(ctx); err != nil {
				s.Close()
				return err
			}
		}
		a.postgres, a.store = s, s
	default:
		mem := index.NewMemory()
		if a.snapshot != "" && !reset {
			if err := mem.LoadFile(a.snapshot); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("loading snapshot: %w", err)
			}
		}
		a.memory, a.store = mem, mem
	}
	log.Info().Str("type", a.cfg.VectorStore.Type).Int("chunks", a.store.Len()).Bool("reset", reset).Msg("Opened index")
	return nil
}

func (a *app) save(ctx context.Context) error {
	switch {
	case a.memory != nil && a.snapshot != "":
		return a.memory.SaveFile(a.snapshot)
	case a.chromem != nil && a.cfg.VectorStore.InMemory && a.cfg.RAG.EncryptionKey != "":
		return a.chromem.Export(ctx)
	}
	return nil
}

func (a *app) close() {
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}
}

func (a *app) ingestFiles(ctx context.Context, files []string) {
	var sources []ingest.Source
	for _, f := range files {
		src, err := ingest.FileSource(f)
		if err != nil {
			log.Error().Err(err).Str("file", f).Msg("Error reading document")
			continue
		}
		sources = append(sources, src)
	}

	reports, err := a.pipeline.IngestAll(ctx, sources)
	if err != nil {
		log.Error().Err(err).Msg("Ingestion interrupted")
	}
	for _, r := range reports {
		if r.Err != nil {
			fmt.Printf("%s: failed: %v\n", r.SourceFilename, r.Err)
			continue
		}
		fmt.Printf("%s: %d pages, %d text, %d image, %d table chunks, %d indexed, %d embedding failures, %d partial failures\n",
			r.SourceFilename, r.Pages,
			r.Counts[models.ContentText], r.Counts[models.ContentImage], r.Counts[models.ContentTable],
			r.Indexed, r.EmbeddingFailures, len(r.PartialFailures))
	}
}

func (a *app) ask(ctx context.Context, question string) {
	answer, err := a.rag.Query(ctx, question)
	var cancelled *rag.CancelledError
	if errors.As(err, &cancelled) {
		log.Warn().Int("answered", cancelled.Progress.Next).Int("sub_questions", len(cancelled.Progress.SubQuestions)).Msg("Query cancelled")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Error querying")
		return
	}
	printAnswer(answer)
}

func (a *app) chat(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "exit", "quit":
			return
		default:
			a.ask(ctx, line)
		}
		if ctx.Err() != nil {
			return
		}
		fmt.Print("> ")
	}
}

func (a *app) evaluate(ctx context.Context, path string) {
	cases, err := evaluation.LoadCases(path)
	if err != nil {
		log.Error().Err(err).Msg("Error loading ground truth")
		return
	}
	report, err := evaluation.Evaluate(ctx, a.rag, a.embedder, cases)
	if err != nil {
		log.Error().Err(err).Msg("Evaluation interrupted")
	}
	for i, r := range report.Results {
		fmt.Printf("Q%d: %s\n", i+1, r.Question)
		fmt.Printf("Ground Truth: %s\n", r.GroundTruth)
		if r.Err != nil {
			fmt.Printf("Error: %v\n", r.Err)
		} else {
			fmt.Printf("Generated Answer: %s\n", r.Generated)
			fmt.Printf("Similarity Score: %.4f\n", r.Similarity)
		}
		fmt.Println(strings.Repeat("=", 60))
	}
	fmt.Printf("Average similarity: %.4f over %d cases (%d failed)\n", report.Average, len(report.Results), report.Failed)
}

func printAnswer(answer *models.Answer) {
	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", answer.Question)

	if len(answer.SubAnswers) > 1 {
		log.Info().Msg("Sub-questions: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for i, s := range answer.SubAnswers {
			fmt.Printf("%d. %s\n   %s\n", i+1, s.Question, s.Answer)
		}
		fmt.Println()
	}

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", answer.Text)

	if len(answer.ImageRefs) > 0 {
		log.Info().Msg("Images: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", strings.Join(answer.ImageRefs, ", "))
	}
	for _, d := range answer.Degraded {
		log.Warn().Str("note", d).Msg("Degraded answer")
	}
}

// previewFiles extracts and chunks files without an index.
func previewFiles(ctx context.Context, cfg *config.Config, files []string) {
	var captioner parser.Captioner
	if c, err := llmservice.New(&cfg.VisionLLM, "caption", nil); err != nil {
		log.Warn().Err(err).Msg("No caption client, images get placeholder captions")
	} else {
		captioner = c
	}
	p := ingest.NewPipeline(parser.NewExtractor(captioner), chunker.New(cfg), nil, cfg, nil)

	for _, f := range files {
		src, err := ingest.FileSource(f)
		if err != nil {
			log.Error().Err(err).Str("file", f).Msg("Error reading document")
			continue
		}
		chunks, report := p.Preview(ctx, src)
		if report.Err != nil {
			log.Error().Err(report.Err).Str("file", f).Msg("Error parsing document")
			continue
		}
		for i := range chunks {
			chunks[i].Payload = nil
		}
		log.Info().Str("file", f).Int("chunks", len(chunks)).Msg("Parsed content")
		helper.PrettyPrint(chunks)
	}
}
