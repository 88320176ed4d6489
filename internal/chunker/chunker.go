package chunker

import (
	"strconv"
	"strings"
	"unicode"

	"multimodal-rag/internal/config"
	"multimodal-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	StrategyWindow    = "window"
	StrategyRecursive = "recursive"
)

// Chunker splits a Document into retrieval chunks.
type Chunker struct {
	size     int
	overlap  int
	strategy string
}

// New returns a Chunker for the rag section of cfg. A nil cfg uses the defaults.
func New(cfg *config.Config) *Chunker {
	size, overlap, strategy := config.DefaultChunkSize, config.DefaultChunkOverlap, StrategyWindow
	if cfg != nil {
		if cfg.RAG.ChunkSize > 0 {
			size = cfg.RAG.ChunkSize
			overlap = cfg.RAG.ChunkOverlap
		}
		if cfg.RAG.ChunkStrategy != "" {
			strategy = cfg.RAG.ChunkStrategy
		}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Chunker{size: size, overlap: overlap, strategy: strategy}
}

// Chunk produces chunks for one document in page order. Text is windowed;
// each image and table becomes exactly one chunk.
func (c *Chunker) Chunk(doc *models.Document) []models.Chunk {
	var chunks []models.Chunk
	ordinals := map[models.ContentType]int{}
	for _, page := range doc.Pages {
		for _, k := range models.ContentTypes {
			ordinals[k] = 0
		}
		for _, unit := range page.Units {
			for _, chunk := range c.unitChunks(doc, unit) {
				ordinals[chunk.Type]++
				chunk.ChunkID = ordinals[chunk.Type]
				chunk.ID = models.ChunkKey(doc.ID, page.Number, chunk.Type, chunk.ChunkID)
				chunks = append(chunks, chunk)
			}
		}
	}
	log.Debug().Str("document", doc.ID).Int("chunks", len(chunks)).Str("strategy", c.strategy).Msg("Chunked document")
	return chunks
}

func (c *Chunker) unitChunks(doc *models.Document, unit models.ContentUnit) []models.Chunk {
	base := models.Chunk{
		DocumentID:     doc.ID,
		SourceFilename: doc.SourceFilename,
		Type:           unit.Kind,
		PageNumber:     unit.Page,
	}

	switch unit.Kind {
	case models.ContentText:
		var out []models.Chunk
		for _, piece := range c.splitText(unit.Text.Text) {
			ch := base
			ch.Content = piece
			out = append(out, ch)
		}
		return out
	case models.ContentImage:
		ch := base
		ch.Content = strings.TrimSpace(unit.Image.Caption)
		if ch.Content == "" {
			ch.Content = "image on page " + strconv.Itoa(unit.Page)
		}
		ch.Payload = unit.Image.Data
		ch.MIMEType = unit.Image.MIMEType
		ch.Metadata = map[string]string{
			"width":  strconv.Itoa(unit.Image.Width),
			"height": strconv.Itoa(unit.Image.Height),
		}
		if unit.Image.Heading != "" {
			ch.Metadata["heading"] = unit.Image.Heading
		}
		return []models.Chunk{ch}
	case models.ContentTable:
		ch := base
		ch.Content = strings.TrimSpace(unit.Table.Serialized)
		if ch.Content == "" {
			return nil
		}
		ch.Metadata = map[string]string{
			"rows": strconv.Itoa(len(unit.Table.Cells)),
		}
		return []models.Chunk{ch}
	default:
		log.Error().Str("kind", string(unit.Kind)).Int("page", unit.Page).Msg("Unknown content kind")
		return nil
	}
}

func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.strategy == StrategyRecursive {
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.size),
			textsplitter.WithChunkOverlap(c.overlap),
		)
		parts, err := splitter.SplitText(text)
		if err == nil {
			var out []string
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
		log.Warn().Err(err).Msg("Recursive splitter failed, using window strategy")
	}
	return chunkContent(text, c.size, c.overlap)
}

// span is a half-open rune range [start, end).
type span struct{ start, end int }

// chunkContent cuts content into windows of at most maxChars runes that
// overlap by about overlapChars runes.
func chunkContent(content string, maxChars, overlapChars int) []string {
	runes := []rune(content)
	var chunks []string
	for _, s := range windows(runes, maxChars, overlapChars) {
		if chunk := strings.TrimSpace(string(runes[s.start:s.end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// windows computes the window spans. Consecutive windows always touch or
// overlap, so every rune is covered. Ends are pulled back to whitespace and
// starts are moved back to a word start, each by at most a tenth of maxChars.
func windows(runes []rune, maxChars, overlapChars int) []span {
	n := len(runes)
	if maxChars <= 0 || n == 0 {
		return nil
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 2
	}
	if n <= maxChars {
		return []span{{0, n}}
	}

	lookBack := max(maxChars/10, 1)
	var spans []span
	start := 0
	for {
		end := min(start+maxChars, n)
		if end < n {
			for i := end; i > end-lookBack && i > start+overlapChars+1; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		spans = append(spans, span{start, end})
		if end >= n {
			return spans
		}

		next := end - overlapChars
		for i := next; i > next-lookBack && i > start+1; i-- {
			if unicode.IsSpace(runes[i-1]) {
				next = i
				break
			}
		}
		if next <= start {
			next = start + 1
		}
		start = next
	}
}
