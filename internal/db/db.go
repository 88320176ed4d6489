package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/models"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// ChunkRecord is one indexed chunk. Seq keeps the first insertion order for tie-breaking.
type ChunkRecord struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`

	Seq            int64             `bun:"seq,pk,autoincrement"`
	ChunkID        string            `bun:"chunk_id,notnull,unique"`
	DocumentID     string            `bun:"document_id,notnull"`
	SourceFilename string            `bun:"source_filename"`
	Type           string            `bun:"type,notnull"`
	Content        string            `bun:"content,notnull"`
	Payload        []byte            `bun:"payload"`
	MIMEType       string            `bun:"mime_type"`
	PageNumber     int               `bun:"page_number"`
	Ordinal        int               `bun:"ordinal"`
	Metadata       map[string]string `bun:"metadata,type:jsonb"`
	Embedding      pgvector.Vector   `bun:"embedding,type:vector"`

	Score float64 `bun:"score,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with pgdriver (default) or lib/pq.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	switch cfg.Driver {
	case "pq", "postgres":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enabling pgvector: %w", err)
	}
	_, err := db.NewCreateTable().Model((*ChunkRecord)(nil)).IfNotExists().Exec(ctx)
	return err
}

func DropChunks(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*ChunkRecord)(nil)).IfExists().Exec(ctx)
	return err
}

// Store is an index.Store on Postgres with pgvector. Similarity is cosine.
type Store struct {
	db        *bun.DB
	mu        sync.Mutex
	dimension int
}

// NewStore connects, creates the schema and returns the store.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := InitDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.loadDimension(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not read index dimension")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Reset drops and recreates the chunk table.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := DropChunks(ctx, s.db); err != nil {
		return fmt.Errorf("dropping chunks: %w", err)
	}
	if err := InitDB(ctx, s.db); err != nil {
		return err
	}
	s.dimension = 0
	return nil
}

func (s *Store) loadDimension(ctx context.Context) error {
	var dim int
	err := s.db.NewSelect().
		Model((*ChunkRecord)(nil)).
		ColumnExpr("vector_dims(embedding)").
		Limit(1).
		Scan(ctx, &dim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	s.dimension = dim
	return nil
}

func (s *Store) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	records := make([]ChunkRecord, 0, len(entries))
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dim {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), dim)
		}
		records = append(records, toRecord(e))
	}

	_, err := s.db.NewInsert().
		Model(&records).
		ExcludeColumn("seq").
		On("CONFLICT (chunk_id) DO UPDATE").
		Set("document_id = EXCLUDED.document_id").
		Set("source_filename = EXCLUDED.source_filename").
		Set("type = EXCLUDED.type").
		Set("content = EXCLUDED.content").
		Set("payload = EXCLUDED.payload").
		Set("mime_type = EXCLUDED.mime_type").
		Set("page_number = EXCLUDED.page_number").
		Set("ordinal = EXCLUDED.ordinal").
		Set("metadata = EXCLUDED.metadata").
		Set("embedding = EXCLUDED.embedding").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upserting chunks: %w", err)
	}
	s.dimension = dim
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if dim := s.Dimension(); dim > 0 && len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrDimensionMismatch, len(vector), dim)
	}
	q := pgvector.NewVector(vector)

	var records []ChunkRecord
	err := s.db.NewSelect().
		Model(&records).
		ColumnExpr("c.*").
		ColumnExpr("1 - (embedding <=> ?) AS score", q).
		OrderExpr("embedding <=> ?", q).
		Order("seq").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	hits := make([]models.ScoredChunk, len(records))
	for i, r := range records {
		hits[i] = models.ScoredChunk{Chunk: r.toChunk(), Score: r.Score}
	}
	return hits, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.NewDelete().
		Model((*ChunkRecord)(nil)).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Len() int {
	n, err := s.db.NewSelect().Model((*ChunkRecord)(nil)).Count(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("Counting chunks failed")
		return 0
	}
	return n
}

func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension
}

func toRecord(e models.IndexEntry) ChunkRecord {
	c := e.Chunk
	return ChunkRecord{
		ChunkID:        c.ID,
		DocumentID:     c.DocumentID,
		SourceFilename: c.SourceFilename,
		Type:           string(c.Type),
		Content:        c.Content,
		Payload:        c.Payload,
		MIMEType:       c.MIMEType,
		PageNumber:     c.PageNumber,
		Ordinal:        c.ChunkID,
		Metadata:       c.Metadata,
		Embedding:      pgvector.NewVector(e.Vector),
	}
}

func (r ChunkRecord) toChunk() models.Chunk {
	return models.Chunk{
		ID:             r.ChunkID,
		DocumentID:     r.DocumentID,
		SourceFilename: r.SourceFilename,
		Type:           models.ContentType(r.Type),
		Content:        r.Content,
		Payload:        r.Payload,
		MIMEType:       r.MIMEType,
		PageNumber:     r.PageNumber,
		ChunkID:        r.Ordinal,
		Metadata:       r.Metadata,
	}
}
