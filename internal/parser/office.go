package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"multimodal-rag/internal/models"

	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// DOCX has no page numbers; every paragraph and table lands on page 1.
func parseDOCX(docID string, data []byte) ([]models.Page, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	blocks, err := xmlBlocks(r.Editable().GetContent())
	if err != nil {
		return nil, err
	}
	page := models.Page{Number: defaultPageNumber}
	tableIndex := 0
	for _, b := range blocks {
		if b.cells != nil {
			tableIndex++
			page.Units = append(page.Units, newTableUnit(docID, defaultPageNumber, tableIndex, b.cells))
			continue
		}
		page.Units = append(page.Units, models.NewTextUnit(docID, defaultPageNumber, b.text))
	}
	return []models.Page{page}, nil
}

// parsePPTX maps each slide to a page numbered by its position in the deck.
// Slide text becomes one text unit; slide tables become table units.
func parsePPTX(docID string, data []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	type slide struct {
		number int
		file   *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{number: n, file: f})
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("presentation has no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].number < slides[j].number })

	var pages []models.Page
	for i, s := range slides {
		page := models.Page{Number: i + 1}
		blocks, err := readSlide(s.file)
		if err != nil {
			log.Warn().Err(err).Str("slide", s.file.Name).Msg("Skipping unreadable slide")
			pages = append(pages, page)
			continue
		}
		var (
			lines      []string
			tableIndex int
		)
		for _, b := range blocks {
			if b.cells == nil {
				lines = append(lines, b.text)
				continue
			}
			tableIndex++
			page.Units = append(page.Units, newTableUnit(docID, page.Number, tableIndex, b.cells))
		}
		if len(lines) > 0 {
			text := models.NewTextUnit(docID, page.Number, strings.Join(lines, "\n"))
			page.Units = append([]models.ContentUnit{text}, page.Units...)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func readSlide(f *zip.File) ([]xmlBlock, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return xmlBlocks(string(content))
}

// xmlBlock is either a paragraph of text or a table (cells set).
type xmlBlock struct {
	text  string
	cells [][]string
}

// xmlBlocks walks WordprocessingML or DrawingML in document order. Both use
// the local names p/t for paragraphs and runs and tbl/tr/tc for tables, so
// namespaces are ignored. Tables nested in a cell are flattened into that
// cell's text.
func xmlBlocks(content string) ([]xmlBlock, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		blocks  []xmlBlock
		current strings.Builder
		inText  bool
		depth   int
		cell    []string
		row     []string
		rows    [][]string
	)
	endParagraph := func() {
		p := strings.TrimSpace(current.String())
		current.Reset()
		if p == "" {
			return
		}
		if depth > 0 {
			cell = append(cell, p)
			return
		}
		blocks = append(blocks, xmlBlock{text: p})
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				endParagraph()
			case "t":
				inText = true
			case "tab":
				current.WriteString("\t")
			case "tbl":
				endParagraph()
				depth++
				if depth == 1 {
					rows = nil
				}
			case "tr":
				if depth == 1 {
					row = nil
				}
			case "tc":
				if depth == 1 {
					cell = nil
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				endParagraph()
			case "t":
				inText = false
			case "tc":
				if depth == 1 {
					endParagraph()
					row = append(row, strings.Join(cell, " "))
				}
			case "tr":
				if depth == 1 {
					rows = append(rows, row)
				}
			case "tbl":
				endParagraph()
				depth--
				if depth == 0 && len(padRows(rows)) > 0 {
					blocks = append(blocks, xmlBlock{cells: rows})
				}
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	endParagraph()
	return blocks, nil
}

// parseXLSX turns each sheet into one table on page = sheet position.
// Workbooks tealeg/xlsx cannot read are retried with excelize.
func parseXLSX(docID string, data []byte) ([]models.Page, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		log.Debug().Err(err).Msg("xlsx reader failed, retrying with excelize")
		return parseExcelize(docID, data)
	}

	var sheets []sheetTable
	for _, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			var cells []string
			for _, cell := range row.Cells {
				if cell == nil {
					cells = append(cells, "")
					continue
				}
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, sheetTable{name: sheet.Name, rows: rows})
	}
	return sheetPages(docID, sheets), nil
}

func parseExcelize(docID string, data []byte) ([]models.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sheets []sheetTable
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheetName).Msg("Skipping unreadable sheet")
			rows = nil
		}
		sheets = append(sheets, sheetTable{name: sheetName, rows: rows})
	}
	return sheetPages(docID, sheets), nil
}

type sheetTable struct {
	name string
	rows [][]string
}

func sheetPages(docID string, sheets []sheetTable) []models.Page {
	var pages []models.Page
	for i, s := range sheets {
		page := models.Page{Number: i + 1}
		rows := trimEmptyRows(s.rows)
		if len(rows) > 0 {
			page.Units = append(page.Units, models.NewTableUnit(docID, page.Number, models.TableUnit{
				Cells:      padRows(rows),
				Index:      1,
				Serialized: fmt.Sprintf("Sheet: %s\n%s", s.name, SerializeTable(rows)),
			}))
		}
		pages = append(pages, page)
	}
	return pages
}

func trimEmptyRows(rows [][]string) [][]string {
	var out [][]string
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
