package models

import "fmt"

// ContentType tags the variant carried by a ContentUnit or Chunk.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentTable ContentType = "table"
)

// ContentTypes lists every variant in display order.
var ContentTypes = []ContentType{ContentText, ContentImage, ContentTable}

// Document is an extracted source file. It is not modified after extraction.
type Document struct {
	ID             string `json:"id"`
	SourceFilename string `json:"source_filename"`
	Pages          []Page `json:"pages"`
}

type Page struct {
	Number int           `json:"number"`
	Units  []ContentUnit `json:"units"`
}

func (d *Document) PageCount() int {
	return len(d.Pages)
}

// Units returns every content unit in page order.
func (d *Document) Units() []ContentUnit {
	var units []ContentUnit
	for _, p := range d.Pages {
		units = append(units, p.Units...)
	}
	return units
}

// ContentUnit is a tagged variant over text, image and table payloads.
// Exactly one of Text, Image or Table is set, matching Kind.
type ContentUnit struct {
	Kind       ContentType `json:"kind"`
	Page       int         `json:"page"`
	DocumentID string      `json:"document_id"`
	Text       *TextBlock  `json:"text,omitempty"`
	Image      *ImageUnit  `json:"image,omitempty"`
	Table      *TableUnit  `json:"table,omitempty"`
}

type TextBlock struct {
	Text string `json:"text"`
}

type ImageUnit struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Index    int    `json:"index"`
	Heading  string `json:"heading,omitempty"`
	Caption  string `json:"caption"`
}

type TableUnit struct {
	Cells      [][]string `json:"cells"`
	Index      int        `json:"index"`
	Serialized string     `json:"serialized"`
}

func NewTextUnit(docID string, page int, text string) ContentUnit {
	return ContentUnit{Kind: ContentText, Page: page, DocumentID: docID, Text: &TextBlock{Text: text}}
}

func NewImageUnit(docID string, page int, img ImageUnit) ContentUnit {
	return ContentUnit{Kind: ContentImage, Page: page, DocumentID: docID, Image: &img}
}

func NewTableUnit(docID string, page int, tbl TableUnit) ContentUnit {
	return ContentUnit{Kind: ContentTable, Page: page, DocumentID: docID, Table: &tbl}
}

// Validate checks that the payload matches Kind.
func (u ContentUnit) Validate() error {
	switch u.Kind {
	case ContentText:
		if u.Text == nil {
			return fmt.Errorf("text unit on page %d has no payload", u.Page)
		}
	case ContentImage:
		if u.Image == nil {
			return fmt.Errorf("image unit on page %d has no payload", u.Page)
		}
	case ContentTable:
		if u.Table == nil {
			return fmt.Errorf("table unit on page %d has no payload", u.Page)
		}
	default:
		return fmt.Errorf("unknown content kind %q on page %d", u.Kind, u.Page)
	}
	return nil
}

// PartialFailure records a page or unit that was skipped or degraded during extraction.
type PartialFailure struct {
	Page int         `json:"page"`
	Kind ContentType `json:"kind,omitempty"`
	Err  error       `json:"-"`
}

func (f PartialFailure) Error() string {
	if f.Kind == "" {
		return fmt.Sprintf("page %d: %v", f.Page, f.Err)
	}
	return fmt.Sprintf("page %d (%s): %v", f.Page, f.Kind, f.Err)
}

func (f PartialFailure) Unwrap() error {
	return f.Err
}
