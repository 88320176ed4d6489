package parser

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"sort"
	"strconv"
	"strings"

	"multimodal-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

const (
	// horizontal gap, in multiples of the font size, that separates two cells
	cellGapFactor = 2.0
	// vertical gap, in multiples of the line spacing, that ends a paragraph
	paragraphGapFactor = 1.5
	defaultFontSize    = 10.0
	// average glyph width relative to the font size when the reader gives none
	glyphWidthFactor = 0.5
)

// pdfRow is one line of a page split into cells.
type pdfRow struct {
	y     float64
	cells []string
}

func parsePDF(docID string, data []byte) ([]models.Page, []models.PartialFailure, error) {
	reader, err := openPDF(data)
	if err != nil {
		return nil, nil, err
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, nil, fmt.Errorf("pdf has no pages")
	}

	var (
		pages    []models.Page
		failures []models.PartialFailure
	)
	for i := 1; i <= numPages; i++ {
		page, pageFailures := parsePDFPage(docID, reader, data, i)
		pages = append(pages, page)
		failures = append(failures, pageFailures...)
	}
	return pages, failures, nil
}

func openPDF(data []byte) (reader *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader: %v", r)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// parsePDFPage extracts one page. It always returns the page, possibly empty,
// so page numbering matches the source.
func parsePDFPage(docID string, reader *pdf.Reader, data []byte, number int) (page models.Page, failures []models.PartialFailure) {
	page = models.Page{Number: number}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("document", docID).Int("page", number).Interface("panic", r).Msg("Page extraction failed")
			failures = append(failures, models.PartialFailure{
				Page: number,
				Err:  fmt.Errorf("%w: %v", models.ErrExtractionPartial, r),
			})
		}
	}()

	p := reader.Page(number)
	if p.V.IsNull() {
		failures = append(failures, models.PartialFailure{
			Page: number,
			Err:  fmt.Errorf("%w: page object missing", models.ErrExtractionPartial),
		})
		return page, failures
	}

	heading := ""
	rows, err := pageRows(p)
	if err != nil || len(rows) == 0 {
		if err != nil {
			log.Debug().Err(err).Int("page", number).Msg("Row extraction failed, falling back to plain text")
		}
		paragraphs, perr := pagePlainText(p)
		if perr != nil {
			failures = append(failures, models.PartialFailure{
				Page: number,
				Kind: models.ContentText,
				Err:  fmt.Errorf("%w: text: %v", models.ErrExtractionPartial, perr),
			})
		}
		for _, text := range paragraphs {
			page.Units = append(page.Units, models.NewTextUnit(docID, number, text))
		}
		if len(paragraphs) > 0 {
			heading = firstLine(paragraphs[0])
		}
	} else {
		page.Units = append(page.Units, layoutUnits(docID, number, rows)...)
		heading = strings.Join(rows[0].cells, " ")
	}

	images, imageFailures := pageImages(p, data, number)
	failures = append(failures, imageFailures...)
	for i, img := range images {
		img.Index = i + 1
		img.Heading = heading
		page.Units = append(page.Units, models.NewImageUnit(docID, number, img))
	}
	return page, failures
}

// pageRows reads the page's text rows top to bottom and merges glyph runs into cells.
func pageRows(p pdf.Page) (rows []pdfRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	textRows, err := p.GetTextByRow()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(textRows, func(i, j int) bool {
		return textRows[i].Position > textRows[j].Position
	})
	for _, r := range textRows {
		cells := mergeCells(r.Content)
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, pdfRow{y: float64(r.Position), cells: cells})
	}
	return rows, nil
}

// mergeCells joins runs on one line, starting a new cell at wide horizontal gaps.
func mergeCells(texts pdf.TextHorizontal) []string {
	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var (
		cells   []string
		current strings.Builder
		prevEnd float64
	)
	flush := func() {
		if cell := strings.Join(strings.Fields(current.String()), " "); cell != "" {
			cells = append(cells, cell)
		}
		current.Reset()
	}
	for i, t := range sorted {
		if t.S == "" {
			continue
		}
		size := t.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		if i > 0 && current.Len() > 0 {
			gap := t.X - prevEnd
			switch {
			case gap > cellGapFactor*size:
				flush()
			case gap > 0.15*size && !strings.HasSuffix(current.String(), " ") && !strings.HasPrefix(t.S, " "):
				current.WriteString(" ")
			}
		}
		current.WriteString(t.S)
		width := t.W
		if width <= 0 {
			width = float64(len([]rune(t.S))) * size * glyphWidthFactor
		}
		prevEnd = t.X + width
	}
	flush()
	return cells
}

// layoutUnits splits rows into tables (runs of at least two multi-cell rows)
// and paragraphs (single-cell rows separated by a wide vertical gap).
func layoutUnits(docID string, pageNumber int, rows []pdfRow) []models.ContentUnit {
	var (
		units      []models.ContentUnit
		paragraph  []string
		tableIndex int
	)
	lineGap := minLineGap(rows)
	flushParagraph := func() {
		if text := strings.TrimSpace(strings.Join(paragraph, "\n")); text != "" {
			units = append(units, models.NewTextUnit(docID, pageNumber, text))
		}
		paragraph = nil
	}

	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && len(rows[j].cells) >= 2 {
			j++
		}
		if j-i >= 2 {
			flushParagraph()
			cells := make([][]string, 0, j-i)
			for _, r := range rows[i:j] {
				cells = append(cells, r.cells)
			}
			tableIndex++
			units = append(units, newTableUnit(docID, pageNumber, tableIndex, cells))
			i = j
			continue
		}

		if len(paragraph) > 0 && lineGap > 0 && rows[i-1].y-rows[i].y > paragraphGapFactor*lineGap {
			flushParagraph()
		}
		paragraph = append(paragraph, strings.Join(rows[i].cells, " "))
		i++
	}
	flushParagraph()
	return units
}

func minLineGap(rows []pdfRow) float64 {
	gap := 0.0
	for i := 1; i < len(rows); i++ {
		d := rows[i-1].y - rows[i].y
		if d > 0 && (gap == 0 || d < gap) {
			gap = d
		}
	}
	return gap
}

func pagePlainText(p pdf.Page) (paragraphs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	text, err := p.GetPlainText(nil)
	if err != nil {
		return nil, err
	}
	return splitParagraphs(text), nil
}

// pageImages collects image XObjects from the page resources. JPEG streams
// are passed through as they are; raw samples are re-encoded as PNG. Streams
// that cannot be decoded still produce an ImageUnit, without bytes.
func pageImages(p pdf.Page, file []byte, pageNumber int) ([]models.ImageUnit, []models.PartialFailure) {
	xobjects := p.Resources().Key("XObject")
	if xobjects.Kind() != pdf.Dict {
		return nil, nil
	}

	var (
		images   []models.ImageUnit
		failures []models.PartialFailure
	)
	names := xobjects.Keys()
	sort.Strings(names)
	for _, name := range names {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		img := models.ImageUnit{
			Width:  int(x.Key("Width").Int64()),
			Height: int(x.Key("Height").Int64()),
		}
		var (
			data []byte
			err  error
			mime = "image/png"
		)
		if isJPEG(x.Key("Filter")) {
			data, err = rawStream(x, file)
			mime = "image/jpeg"
		} else {
			data, err = encodeImage(x)
		}
		if err != nil {
			log.Debug().Err(err).Str("xobject", name).Int("page", pageNumber).Msg("Image not decodable")
			failures = append(failures, models.PartialFailure{
				Page: pageNumber,
				Kind: models.ContentImage,
				Err:  fmt.Errorf("%w: image %s: %v", models.ErrExtractionPartial, name, err),
			})
		} else {
			img.Data = data
			img.MIMEType = mime
		}
		images = append(images, img)
	}
	return images, failures
}

func isJPEG(filter pdf.Value) bool {
	switch filter.Kind() {
	case pdf.Name:
		return filter.Name() == "DCTDecode"
	case pdf.Array:
		return filter.Len() == 1 && filter.Index(0).Name() == "DCTDecode"
	}
	return false
}

// rawStream returns the undecoded bytes of stream x. The pdf reader has no
// DCTDecode filter, but a DCTDecode stream is already a complete JPEG file.
// A stream value formats as "<<dict>>@offset", the offset of its data in file.
func rawStream(x pdf.Value, file []byte) ([]byte, error) {
	s := x.String()
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return nil, fmt.Errorf("not a stream")
	}
	offset, err := strconv.ParseInt(s[at+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stream offset: %v", err)
	}
	length := x.Key("Length").Int64()
	if offset < 0 || length <= 0 || offset+length > int64(len(file)) {
		return nil, fmt.Errorf("stream out of range: offset %d length %d", offset, length)
	}
	raw := file[offset : offset+length]
	// encrypted streams fail this check too
	if !bytes.HasPrefix(raw, []byte{0xff, 0xd8}) {
		return nil, fmt.Errorf("stream is not a JPEG file")
	}
	return bytes.Clone(raw), nil
}

// encodeImage re-encodes raw 8-bit gray or RGB samples as PNG.
func encodeImage(x pdf.Value) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	width, height := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	if bpc := x.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("unsupported bits per component %d", bpc)
	}
	channels, err := colorChannels(x.Key("ColorSpace"))
	if err != nil {
		return nil, err
	}

	rc := x.Reader()
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if len(raw) < width*height*channels {
		return nil, fmt.Errorf("short image stream: %d bytes", len(raw))
	}

	var m image.Image
	switch channels {
	case 1:
		g := image.NewGray(image.Rect(0, 0, width, height))
		copy(g.Pix, raw[:width*height])
		m = g
	case 3:
		rgba := image.NewNRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < width*height; i++ {
			rgba.Pix[i*4] = raw[i*3]
			rgba.Pix[i*4+1] = raw[i*3+1]
			rgba.Pix[i*4+2] = raw[i*3+2]
			rgba.Pix[i*4+3] = 0xff
		}
		m = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func colorChannels(cs pdf.Value) (int, error) {
	name := cs.Name()
	if cs.Kind() == pdf.Array && cs.Len() > 1 && cs.Index(0).Name() == "ICCBased" {
		switch cs.Index(1).Key("N").Int64() {
		case 1:
			return 1, nil
		case 3:
			return 3, nil
		}
		name = "ICCBased"
	}
	switch name {
	case "DeviceGray", "CalGray":
		return 1, nil
	case "DeviceRGB", "CalRGB":
		return 3, nil
	}
	return 0, fmt.Errorf("unsupported color space %q", name)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
