package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"image/png"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"uniconvert/internal/formats"
)

// PDF user space tops out at 14400 units per side.
const maxPageSide = 14400.0

// ImagePDF wraps a single raster image into a one-page PDF sized to the image.
type ImagePDF struct {
	Limits Limits
}

func (ImagePDF) Name() string    { return "image-pdf" }
func (ImagePDF) Available() bool { return true }

func (ImagePDF) Accepts(src, target formats.Format) bool {
	return rasterSources.Has(src) && target == formats.PDF
}

func (p ImagePDF) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	img, err := decodeImage(r, p.Limits.imagePixels())
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, flatten(img)); err != nil {
		return fmt.Errorf("re-encode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := img.Bounds()
	wd, ht := float64(b.Dx()), float64(b.Dy())
	if scale := maxPageSide / max(wd, ht); scale < 1 {
		wd, ht = wd*scale, ht*scale
	}
	pageSize := gofpdf.SizeType{Wd: wd, Ht: ht}
	orientation := "P"
	if wd >= ht {
		orientation = "L"
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{UnitStr: "pt", Size: pageSize})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat(orientation, pageSize)
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	if info := pdf.RegisterImageOptionsReader("page", opts, &buf); info == nil {
		return fmt.Errorf("register image: %w", pdf.Error())
	}
	pdf.ImageOptions("page", 0, 0, wd, ht, false, opts, 0, "")
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// TextPDF lays out plain text, markdown and csv on A4 pages.
type TextPDF struct{}

func (TextPDF) Name() string    { return "text-pdf" }
func (TextPDF) Available() bool { return true }

func (TextPDF) Accepts(src, target formats.Format) bool {
	return target == formats.PDF && (src == formats.TXT || src == formats.MD || src == formats.CSV)
}

func (TextPDF) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read text: %w", err)
	}
	switch src {
	case formats.CSV:
		rows, err := readCSV(data)
		if err != nil {
			return err
		}
		return renderTable(w, rows)
	case formats.MD:
		return renderBlocks(w, markdownBlocks(data))
	default:
		return renderBlocks(w, plainBlocks(string(data)))
	}
}

// block is one paragraph of rendered text. level > 0 marks a heading.
type block struct {
	text   string
	level  int
	bullet bool
}

func plainBlocks(text string) []block {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]block, 0, len(lines))
	for _, line := range lines {
		out = append(out, block{text: strings.TrimRight(line, " \t")})
	}
	return out
}

var headingSizes = map[int]float64{1: 18, 2: 15, 3: 13}

func renderBlocks(w io.Writer, blocks []block) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, b := range blocks {
		switch {
		case b.level > 0:
			size, ok := headingSizes[b.level]
			if !ok {
				size = 12
			}
			pdf.SetFont("Helvetica", "B", size)
			pdf.Ln(2)
			pdf.MultiCell(0, size*0.45, tr(b.text), "", "L", false)
			pdf.Ln(1)
		case b.text == "":
			pdf.Ln(5)
		default:
			pdf.SetFont("Helvetica", "", 11)
			text := b.text
			if b.bullet {
				text = "• " + text
			}
			pdf.MultiCell(0, 5, tr(text), "", "L", false)
		}
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func readCSV(data []byte) ([][]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return rows, nil
}

// renderTable draws rows as a grid, switching to landscape for wide sheets.
func renderTable(w io.Writer, rows [][]string) error {
	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	orientation := "P"
	if cols > 6 {
		orientation = "L"
	}
	pdf := gofpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.SetFillColor(230, 230, 230)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if cols == 0 {
		if err := pdf.Output(w); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
		return nil
	}
	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	colW := (pageW - left - right) / float64(cols)

	for i, row := range rows {
		style := ""
		if i == 0 {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 9)
		for c := 0; c < cols; c++ {
			cell := ""
			if c < len(row) {
				cell = fitText(pdf, tr(row[c]), colW-2)
			}
			pdf.CellFormat(colW, 6, cell, "1", 0, "L", i == 0, 0, "")
		}
		pdf.Ln(-1)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func fitText(pdf *gofpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > width {
		s = s[:len(s)-1]
	}
	return s + "..."
}
