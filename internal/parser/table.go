package parser

import (
	"strings"
	"unicode/utf8"

	"multimodal-rag/internal/models"
)

// SerializeTable renders cells as a column-aligned markdown table. The first
// row is the header. Ragged rows are padded with empty cells, pipes are
// escaped and line breaks inside cells collapse to spaces.
func SerializeTable(cells [][]string) string {
	rows := padRows(cells)
	if len(rows) == 0 {
		return ""
	}
	for _, row := range rows {
		for i, c := range row {
			row[i] = escapeCell(c)
		}
	}

	cols := len(rows[0])
	widths := make([]int, cols)
	for i := range widths {
		widths[i] = 3
	}
	for _, row := range rows {
		for i, c := range row {
			if n := utf8.RuneCountInString(c); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i, c := range row {
			b.WriteString(" ")
			b.WriteString(c)
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(c)))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	writeRow(rows[0])
	b.WriteString("|")
	for _, w := range widths {
		b.WriteString(" ")
		b.WriteString(strings.Repeat("-", w))
		b.WriteString(" |")
	}
	b.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}

// padRows copies cells, padding every row to the widest row. Empty input yields nil.
func padRows(cells [][]string) [][]string {
	cols := 0
	for _, r := range cells {
		if len(r) > cols {
			cols = len(r)
		}
	}
	if cols == 0 {
		return nil
	}
	out := make([][]string, len(cells))
	for i, r := range cells {
		row := make([]string, cols)
		copy(row, r)
		out[i] = row
	}
	return out
}

func escapeCell(c string) string {
	c = strings.Join(strings.Fields(c), " ")
	return strings.ReplaceAll(c, "|", `\|`)
}

func newTableUnit(docID string, page, index int, cells [][]string) models.ContentUnit {
	return models.NewTableUnit(docID, page, models.TableUnit{
		Cells:      padRows(cells),
		Index:      index,
		Serialized: SerializeTable(cells),
	})
}
