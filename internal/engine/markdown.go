package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	blackfriday "github.com/russross/blackfriday/v2"

	"uniconvert/internal/formats"
)

var markdownExtensions = blackfriday.CommonExtensions |
	blackfriday.NoEmptyLineBeforeBlock |
	blackfriday.FencedCode |
	blackfriday.Strikethrough |
	blackfriday.Tables

// markdownParas parses markdown once and flattens the tree into styled
// paragraphs. An empty paragraph separates top level blocks.
func markdownParas(data []byte) []docxPara {
	root := blackfriday.New(blackfriday.WithExtensions(markdownExtensions)).Parse(data)
	out := collectParas(root, nil, false)
	for len(out) > 0 && len(out[len(out)-1].runs) == 0 {
		out = out[:len(out)-1]
	}
	return out
}

func collectParas(n *blackfriday.Node, out []docxPara, inItem bool) []docxPara {
	sep := func() {
		if !inItem && len(out) > 0 && len(out[len(out)-1].runs) > 0 {
			out = append(out, docxPara{})
		}
	}
	for c := n.FirstChild; c != nil; c = c.Next {
		switch c.Type {
		case blackfriday.Heading:
			out = append(out, docxPara{runs: inlineRuns(c), level: c.HeadingData.Level})
			sep()
		case blackfriday.Paragraph:
			p := docxPara{runs: inlineRuns(c)}
			// the first paragraph of a list item carries the bullet
			p.bullet = c.Parent != nil && c.Parent.Type == blackfriday.Item && c.Prev == nil
			out = append(out, p)
			sep()
		case blackfriday.CodeBlock, blackfriday.HTMLBlock:
			for _, line := range strings.Split(strings.TrimRight(string(c.Literal), "\n"), "\n") {
				out = append(out, docxPara{runs: []docxRun{{text: line, code: c.Type == blackfriday.CodeBlock}}})
			}
			sep()
		case blackfriday.HorizontalRule:
			sep()
		case blackfriday.Table:
			out = tableParas(c, out)
			sep()
		case blackfriday.List:
			out = collectParas(c, out, true)
			sep()
		case blackfriday.BlockQuote:
			out = collectParas(c, out, inItem)
			sep()
		case blackfriday.Item:
			out = collectParas(c, out, true)
		}
	}
	return out
}

// inlineRuns collects the visible text under n, one run per style change.
func inlineRuns(n *blackfriday.Node) []docxRun {
	var (
		runs         []docxRun
		bold, italic int
	)
	add := func(run docxRun) {
		if run.text == "" {
			return
		}
		if k := len(runs) - 1; k >= 0 && runs[k].bold == run.bold && runs[k].italic == run.italic && runs[k].code == run.code {
			runs[k].text += run.text
			return
		}
		runs = append(runs, run)
	}
	n.Walk(func(c *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		switch c.Type {
		case blackfriday.Strong:
			bold += walkDelta(entering)
		case blackfriday.Emph:
			italic += walkDelta(entering)
		case blackfriday.Text, blackfriday.HTMLSpan:
			add(docxRun{text: string(c.Literal), bold: bold > 0, italic: italic > 0})
		case blackfriday.Code:
			add(docxRun{text: string(c.Literal), code: true})
		case blackfriday.Softbreak, blackfriday.Hardbreak:
			add(docxRun{text: "\n", bold: bold > 0, italic: italic > 0})
		}
		return blackfriday.GoToNext
	})
	if len(runs) > 0 {
		runs[0].text = strings.TrimLeft(runs[0].text, " \t\n")
		last := len(runs) - 1
		runs[last].text = strings.TrimRight(runs[last].text, " \t\n")
	}
	return runs
}

func walkDelta(entering bool) int {
	if entering {
		return 1
	}
	return -1
}

// tableParas renders each table row as one paragraph with " | " between
// cells. Header cells are bold.
func tableParas(table *blackfriday.Node, out []docxPara) []docxPara {
	table.Walk(func(row *blackfriday.Node, entering bool) blackfriday.WalkStatus {
		if row.Type != blackfriday.TableRow || !entering {
			return blackfriday.GoToNext
		}
		var p docxPara
		for cell := row.FirstChild; cell != nil; cell = cell.Next {
			if cell != row.FirstChild {
				p.runs = append(p.runs, docxRun{text: " | "})
			}
			runs := inlineRuns(cell)
			if cell.TableCellData.IsHeader {
				for i := range runs {
					runs[i].bold = true
				}
			}
			p.runs = append(p.runs, runs...)
		}
		out = append(out, p)
		return blackfriday.SkipChildren
	})
	return out
}

// markdownBlocks drops the run styling for the text and PDF renderers.
func markdownBlocks(data []byte) []block {
	paras := markdownParas(data)
	out := make([]block, 0, len(paras))
	for _, p := range paras {
		var b strings.Builder
		for _, run := range p.runs {
			b.WriteString(run.text)
		}
		out = append(out, block{text: b.String(), level: p.level, bullet: p.bullet})
	}
	return out
}

// MarkdownText renders markdown as plain text.
type MarkdownText struct{}

func (MarkdownText) Name() string    { return "markdown-text" }
func (MarkdownText) Available() bool { return true }

func (MarkdownText) Accepts(src, target formats.Format) bool {
	return src == formats.MD && target == formats.TXT
}

func (MarkdownText) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read markdown: %w", err)
	}
	var b strings.Builder
	for _, blk := range markdownBlocks(data) {
		if blk.bullet {
			b.WriteString("- ")
		}
		b.WriteString(blk.text)
		b.WriteByte('\n')
	}
	_, err = io.WriteString(w, b.String())
	return err
}
