package chromemdb

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

// metadata keys; chunk metadata is stored under metaPrefix
const (
	keyDocumentID = "document_id"
	keySource     = "source_filename"
	keyType       = "type"
	keyPage       = "page_number"
	keyChunkID    = "chunk_id"
	keyMIMEType   = "mime_type"
	keyPayload    = "payload"
	keySeq        = "seq"
	metaPrefix    = "meta."
)

// Store is an index.Store over a chromem-go collection, persistent or in memory.
type Store struct {
	db            *chromem.DB
	collection    *chromem.Collection
	dbPath        string
	compress      bool
	encryptionKey string
	filePath      string

	mu        sync.Mutex
	lastSeq   int64
	dimension int
}

// NewStore opens (or creates) the configured collection.
func NewStore(cfg config.VectorStoreConfig, encryptionKey string) (*Store, error) {
	var db *chromem.DB
	var err error
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	c, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %v", err)
	}
	log.Debug().Str("collection", cfg.Collection).Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Int("documents", c.Count()).Msg("Opened chromem collection")

	s := &Store{
		db:            db,
		collection:    c,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: encryptionKey,
		filePath:      filepath.Join(cfg.Path, cfg.Collection+".chromem"),
	}
	if err := s.loadDimension(); err != nil {
		return nil, fmt.Errorf("failed to read index dimension: %v", err)
	}
	return s, nil
}

// loadDimension sets the dimension from any stored document. chromem-go
// cannot list documents, so the collection is exported as a plain gob
// stream and the first embedding decoded.
func (s *Store) loadDimension() error {
	s.dimension = 0
	if s.collection.Count() == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := s.db.ExportToWriter(&buf, false, "", s.collection.Name); err != nil {
		return err
	}
	var snapshot struct {
		Collections map[string]*struct {
			Documents map[string]*chromem.Document
		}
	}
	if err := gob.NewDecoder(&buf).Decode(&snapshot); err != nil {
		return err
	}
	if c := snapshot.Collections[s.collection.Name]; c != nil {
		for _, doc := range c.Documents {
			s.dimension = len(doc.Embedding)
			break
		}
	}
	log.Debug().Str("collection", s.collection.Name).Int("dimension", s.dimension).Msg("Loaded index dimension")
	return nil
}

// nextSeq is a monotonic insertion sequence that survives restarts.
func (s *Store) nextSeq() int64 {
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Store) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dim {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", models.ErrDimensionMismatch, e.Chunk.ID, len(e.Vector), dim)
		}
	}

	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		seq := int64(0)
		if existing, err := s.collection.GetByID(ctx, e.Chunk.ID); err == nil {
			seq, _ = strconv.ParseInt(existing.Metadata[keySeq], 10, 64)
		}
		if seq == 0 {
			seq = s.nextSeq()
		}
		docs = append(docs, chromem.Document{
			ID:        e.Chunk.ID,
			Content:   e.Chunk.Content,
			Metadata:  toMetadata(e.Chunk, seq),
			Embedding: e.Vector,
		})
	}

	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %v", err)
	}
	s.dimension = dim
	return nil
}

// Search returns up to k chunks ordered by similarity, then insertion sequence.
// A margin of extra candidates is fetched so ties at the cut are resolved by sequence.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	count := s.collection.Count()
	if k <= 0 || count == 0 {
		return nil, nil
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrDimensionMismatch, len(vector), s.dimension)
	}

	n := min(2*k, count)
	results, err := s.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %v", err)
	}

	hits := make([]models.ScoredChunk, 0, len(results))
	seqs := make(map[string]int64, len(results))
	for _, r := range results {
		chunk := fromMetadata(r.ID, r.Content, r.Metadata)
		seqs[r.ID], _ = strconv.ParseInt(r.Metadata[keySeq], 10, 64)
		hits = append(hits, models.ScoredChunk{Chunk: chunk, Score: float64(r.Similarity)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return seqs[hits[i].Chunk.ID] < seqs[hits[j].Chunk.ID]
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.collection.Count()
	if before == 0 {
		return 0, nil
	}
	if err := s.collection.Delete(ctx, map[string]string{keyDocumentID: documentID}, nil); err != nil {
		return 0, fmt.Errorf("failed to delete document %s: %v", documentID, err)
	}
	return before - s.collection.Count(), nil
}

// Reset deletes the collection and starts an empty one under the same name.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.collection.Name
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to delete collection: %v", err)
	}
	c, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %v", err)
	}
	s.collection = c
	s.dimension = 0
	return nil
}

func (s *Store) Len() int {
	return s.collection.Count()
}

func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimension
}

// Export writes the collection to an encrypted file under the db path.
func (s *Store) Export(ctx context.Context) error {
	if s.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if s.dbPath == "" {
		return fmt.Errorf("db path is required")
	}

	log.Debug().Str("collection", s.collection.Name).Str("file", s.filePath).Bool("compress", s.compress).Msg("Exporting collection")
	if err := s.db.ExportToFile(s.filePath, s.compress, s.encryptionKey, s.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %v", err)
	}
	return nil
}

// Import replaces the collection with the contents of a file written by Export.
func (s *Store) Import(ctx context.Context) error {
	if s.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.collection.Name
	if err := s.db.ImportFromFile(s.filePath, s.encryptionKey, name); err != nil {
		return fmt.Errorf("failed to import database: %v", err)
	}
	c := s.db.GetCollection(name, nil)
	if c == nil {
		return fmt.Errorf("collection %s missing after import", name)
	}
	s.collection = c
	if err := s.loadDimension(); err != nil {
		return fmt.Errorf("failed to read index dimension: %v", err)
	}
	log.Info().Str("collection", name).Int("documents", c.Count()).Msg("Imported collection")
	return nil
}

func toMetadata(c models.Chunk, seq int64) map[string]string {
	md := map[string]string{
		keyDocumentID: c.DocumentID,
		keySource:     c.SourceFilename,
		keyType:       string(c.Type),
		keyPage:       strconv.Itoa(c.PageNumber),
		keyChunkID:    strconv.Itoa(c.ChunkID),
		keySeq:        strconv.FormatInt(seq, 10),
	}
	if c.MIMEType != "" {
		md[keyMIMEType] = c.MIMEType
	}
	if len(c.Payload) > 0 {
		md[keyPayload] = base64.StdEncoding.EncodeToString(c.Payload)
	}
	for k, v := range c.Metadata {
		md[metaPrefix+k] = v
	}
	return md
}

func fromMetadata(id, content string, md map[string]string) models.Chunk {
	c := models.Chunk{
		ID:             id,
		Content:        content,
		DocumentID:     md[keyDocumentID],
		SourceFilename: md[keySource],
		Type:           models.ContentType(md[keyType]),
		MIMEType:       md[keyMIMEType],
	}
	c.PageNumber, _ = strconv.Atoi(md[keyPage])
	c.ChunkID, _ = strconv.Atoi(md[keyChunkID])
	if p := md[keyPayload]; p != "" {
		c.Payload, _ = base64.StdEncoding.DecodeString(p)
	}
	for k, v := range md {
		if strings.HasPrefix(k, metaPrefix) {
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			c.Metadata[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return c
}
