package parser

import (
	"strings"

	"multimodal-rag/internal/models"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// parseMarkdown walks the goldmark AST: headings and paragraphs become text
// units, GFM tables become table units. Everything lands on page 1.
func parseMarkdown(docID string, data []byte) ([]models.Page, error) {
	root := markdown.Parser().Parse(text.NewReader(data))
	page := models.Page{Number: defaultPageNumber}
	tableIndex := 0

	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *east.Table:
			tableIndex++
			cells := tableCells(node, data)
			if len(cells) > 0 {
				page.Units = append(page.Units, newTableUnit(docID, defaultPageNumber, tableIndex, cells))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			if s := strings.TrimSpace(inlineText(node, data)); s != "" {
				page.Units = append(page.Units, models.NewTextUnit(docID, defaultPageNumber, s))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if s := strings.TrimSpace(blockLines(node, data)); s != "" {
				page.Units = append(page.Units, models.NewTextUnit(docID, defaultPageNumber, s))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return []models.Page{page}, nil
}

func tableCells(table *east.Table, src []byte) [][]string {
	var rows [][]string
	for r := table.FirstChild(); r != nil; r = r.NextSibling() {
		var row []string
		for c := r.FirstChild(); c != nil; c = c.NextSibling() {
			row = append(row, strings.TrimSpace(inlineText(c, src)))
		}
		rows = append(rows, row)
	}
	return rows
}

// inlineText concatenates the text segments under n.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.AutoLink:
			b.Write(t.URL(src))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func blockLines(n ast.Node, src []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return b.String()
}
