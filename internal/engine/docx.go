package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
)

const docxBody = "word/document.xml"

// extractDocx returns the paragraphs of a docx package in document order.
// Heading styles are kept as levels; everything else is flattened to text.
// The main part may inflate to at most maxBody bytes.
func extractDocx(data []byte, maxBody int64) ([]block, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return nil, errors.New("docx has no main document part")
	}
	tooLarge := apperr.New(apperr.KindConversionFailed, "document text is larger than %s", humanize.Bytes(uint64(maxBody)))
	if body.UncompressedSize64 > uint64(maxBody) {
		return nil, tooLarge
	}
	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()

	// the zip header can lie about the inflated size
	limited := &io.LimitedReader{R: rc, N: maxBody + 1}
	dec := xml.NewDecoder(limited)
	var (
		out    []block
		cur    strings.Builder
		level  int
		inText bool
		inPara bool
	)
	for {
		tok, err := dec.Token()
		if limited.N <= 0 {
			return nil, tooLarge
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", docxBody, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				cur.Reset()
				level = 0
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						level = headingLevel(a.Value)
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if inPara {
					out = append(out, block{text: cur.String(), level: level})
				}
				inPara = false
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return out, nil
}

var headingStyle = regexp.MustCompile(`(?i)^(heading|title)\s*(\d?)$`)

func headingLevel(style string) int {
	m := headingStyle.FindStringSubmatch(style)
	if m == nil {
		return 0
	}
	if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
		return n
	}
	return 1
}

// DocxText extracts the text of a docx document.
type DocxText struct {
	Limits Limits
}

func (DocxText) Name() string    { return "docx-text" }
func (DocxText) Available() bool { return true }

func (DocxText) Accepts(src, target formats.Format) bool {
	return src == formats.DOCX && target == formats.TXT
}

func (d DocxText) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read docx: %w", err)
	}
	blocks, err := extractDocx(data, d.Limits.docxBody())
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, blk := range blocks {
		b.WriteString(blk.text)
		b.WriteByte('\n')
	}
	_, err = io.WriteString(w, b.String())
	return err
}

// DocxPDF renders the text of a docx document with the built-in PDF writer.
// Layout, images and tables are lost; the office engine is preferred.
type DocxPDF struct {
	Limits Limits
}

func (DocxPDF) Name() string    { return "docx-pdf-basic" }
func (DocxPDF) Available() bool { return true }

func (DocxPDF) Accepts(src, target formats.Format) bool {
	return src == formats.DOCX && target == formats.PDF
}

func (d DocxPDF) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read docx: %w", err)
	}
	blocks, err := extractDocx(data, d.Limits.docxBody())
	if err != nil {
		return err
	}
	return renderBlocks(w, blocks)
}

// DocxWriter builds a minimal WordprocessingML package from text or markdown.
type DocxWriter struct{}

func (DocxWriter) Name() string    { return "docx-writer" }
func (DocxWriter) Available() bool { return true }

func (DocxWriter) Accepts(src, target formats.Format) bool {
	return target == formats.DOCX && (src == formats.TXT || src == formats.MD)
}

func (DocxWriter) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read text: %w", err)
	}
	var paras []docxPara
	if src == formats.MD {
		paras = markdownParas(data)
	} else {
		for _, blk := range plainBlocks(string(data)) {
			paras = append(paras, docxPara{runs: []docxRun{{text: blk.text}}})
		}
	}
	return writeDocx(w, paras)
}

type docxRun struct {
	text         string
	bold, italic bool
	code         bool
}

type docxPara struct {
	runs   []docxRun
	level  int
	bullet bool
}

const (
	docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`
	docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`
	docxHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	docxFooter = `<w:sectPr><w:pgSz w:w="11906" w:h="16838"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440"/></w:sectPr></w:body></w:document>`
)

// half-points
var docxHeadingSizes = map[int]int{1: 36, 2: 30, 3: 26}

func writeDocx(w io.Writer, paras []docxPara) error {
	var body bytes.Buffer
	body.WriteString(docxHeader)
	for _, p := range paras {
		body.WriteString("<w:p>")
		if p.bullet {
			p.runs = append([]docxRun{{text: "• "}}, p.runs...)
		}
		for _, run := range p.runs {
			body.WriteString("<w:r>")
			var props strings.Builder
			if run.bold || p.level > 0 {
				props.WriteString("<w:b/>")
			}
			if run.italic {
				props.WriteString("<w:i/>")
			}
			if run.code {
				props.WriteString(`<w:rFonts w:ascii="Courier New" w:hAnsi="Courier New"/>`)
			}
			if p.level > 0 {
				size, ok := docxHeadingSizes[p.level]
				if !ok {
					size = 24
				}
				props.WriteString(`<w:sz w:val="` + strconv.Itoa(size) + `"/>`)
			}
			if props.Len() > 0 {
				body.WriteString("<w:rPr>" + props.String() + "</w:rPr>")
			}
			for i, line := range strings.Split(run.text, "\n") {
				if i > 0 {
					body.WriteString("<w:br/>")
				}
				body.WriteString(`<w:t xml:space="preserve">`)
				if err := xml.EscapeText(&body, []byte(line)); err != nil {
					return fmt.Errorf("escape text: %w", err)
				}
				body.WriteString("</w:t>")
			}
			body.WriteString("</w:r>")
		}
		body.WriteString("</w:p>")
	}
	body.WriteString(docxFooter)

	zw := zip.NewWriter(w)
	parts := []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", []byte(docxContentTypes)},
		{"_rels/.rels", []byte(docxRels)},
		{docxBody, body.Bytes()},
	}
	for _, part := range parts {
		fw, err := zw.Create(part.name)
		if err != nil {
			return fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := fw.Write(part.data); err != nil {
			return fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish docx: %w", err)
	}
	return nil
}
