package parser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
)

// Captioner turns image bytes into a short text description.
type Captioner interface {
	Caption(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Extractor turns a source file into a Document of typed content units.
type Extractor struct {
	captioner Captioner
}

const (
	defaultPageNumber = 1
	placeholderFormat = "image on page %d"
)

// NewExtractor returns an Extractor. A nil captioner gives every image the placeholder caption.
func NewExtractor(captioner Captioner) *Extractor {
	return &Extractor{captioner: captioner}
}

// ExtractFile reads filePath and extracts it under a document id derived from docID.
func (e *Extractor) ExtractFile(ctx context.Context, docID, filePath string) (*models.Document, []models.PartialFailure, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrDocumentParse, err)
	}
	return e.Extract(ctx, docID, filepath.Base(filePath), data)
}

// Extract parses data according to the extension of filename. Failures confined
// to a page or unit are returned as partial failures; the error is reserved for
// documents that cannot be read at all.
func (e *Extractor) Extract(ctx context.Context, docID, filename string, data []byte) (*models.Document, []models.PartialFailure, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: %s is empty", models.ErrDocumentParse, filename)
	}

	var (
		pages    []models.Page
		failures []models.PartialFailure
		err      error
	)
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		pages, failures, err = parsePDF(docID, data)
	case ".docx":
		pages, err = parseDOCX(docID, data)
	case ".pptx":
		pages, err = parsePPTX(docID, data)
	case ".xlsx":
		pages, err = parseXLSX(docID, data)
	case ".xlsm", ".xltx", ".xltm":
		pages, err = parseExcelize(docID, data)
	case ".md", ".markdown":
		pages, err = parseMarkdown(docID, data)
	case ".txt":
		pages = parseText(docID, data)
	default:
		if bytes.HasPrefix(data, []byte("%PDF")) {
			pages, failures, err = parsePDF(docID, data)
		} else {
			err = fmt.Errorf("unsupported file format: %s", ext)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", models.ErrDocumentParse, filename, err)
	}
	if len(pages) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no pages", models.ErrDocumentParse, filename)
	}

	doc := &models.Document{ID: docID, SourceFilename: filename, Pages: pages}
	captionFailures, err := e.captionImages(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	failures = append(failures, captionFailures...)

	log.Debug().Str("document", docID).Str("file", filename).Int("pages", len(pages)).Int("partial_failures", len(failures)).Msg("Extracted document")
	return doc, failures, nil
}

// captionImages fills in image captions in place. Images without bytes or
// whose captioning fails get the placeholder caption.
func (e *Extractor) captionImages(ctx context.Context, doc *models.Document) ([]models.PartialFailure, error) {
	var failures []models.PartialFailure
	for pi := range doc.Pages {
		page := &doc.Pages[pi]
		for ui := range page.Units {
			unit := &page.Units[ui]
			if unit.Kind != models.ContentImage || unit.Image.Caption != "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			placeholder := fmt.Sprintf(placeholderFormat, page.Number)
			if len(unit.Image.Data) == 0 || e.captioner == nil {
				unit.Image.Caption = placeholder
				continue
			}
			caption, err := e.captioner.Caption(ctx, unit.Image.Data, unit.Image.MIMEType)
			caption = strings.TrimSpace(caption)
			if err != nil || caption == "" {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if err == nil {
					err = fmt.Errorf("empty caption")
				}
				log.Warn().Err(err).Str("document", doc.ID).Int("page", page.Number).Msg("Captioning failed, using placeholder")
				failures = append(failures, models.PartialFailure{
					Page: page.Number,
					Kind: models.ContentImage,
					Err:  fmt.Errorf("%w: caption: %v", models.ErrExtractionPartial, err),
				})
				caption = placeholder
			}
			unit.Image.Caption = caption
		}
	}
	return failures, nil
}

// parseText splits plain text into paragraphs on blank lines.
func parseText(docID string, data []byte) []models.Page {
	page := models.Page{Number: defaultPageNumber}
	for _, p := range splitParagraphs(string(data)) {
		page.Units = append(page.Units, models.NewTextUnit(docID, defaultPageNumber, p))
	}
	return []models.Page{page}
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paragraphs = append(paragraphs, block)
		}
	}
	return paragraphs
}
