package models

import "fmt"

// Chunk is the retrieval atom. Content is the text that gets embedded and is
// never empty; Payload carries display-only bytes such as the source image.
type Chunk struct {
	ID             string            `json:"id"`
	DocumentID     string            `json:"document_id"`
	SourceFilename string            `json:"source_filename"`
	Type           ContentType       `json:"type"`
	Content        string            `json:"content"`
	Payload        []byte            `json:"payload,omitempty"`
	MIMEType       string            `json:"mime_type,omitempty"`
	PageNumber     int               `json:"page_number"`
	ChunkID        int               `json:"chunk_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ChunkKey builds the deterministic chunk id for a document, page, type and ordinal.
func ChunkKey(docID string, page int, kind ContentType, ordinal int) string {
	return fmt.Sprintf("%s-p%d-%s-%d", docID, page, kind, ordinal)
}

type IndexEntry struct {
	Chunk  Chunk
	Vector []float32
}

type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalResult holds hits in descending score order.
type RetrievalResult struct {
	Question string        `json:"question"`
	Hits     []ScoredChunk `json:"hits"`
}

// Attachment is an image handed to a vision-capable completion service.
type Attachment struct {
	MIMEType string
	Data     []byte
}
