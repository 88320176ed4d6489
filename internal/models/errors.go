package models

import "errors"

var (
	ErrDocumentParse     = errors.New("document parse error")
	ErrExtractionPartial = errors.New("partial extraction failure")
	ErrEmbedding         = errors.New("embedding failure")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrDecomposition     = errors.New("decomposition failure")
	ErrRetrievalEmpty    = errors.New("no relevant content found")
	ErrCompletionService = errors.New("completion service error")
)
