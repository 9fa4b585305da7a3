package engine

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"uniconvert/internal/formats"
)

// scratch is a private on-disk directory for one external tool run. Session
// storage may not be a real filesystem, so inputs are copied here first.
type scratch struct {
	fs  afero.Fs
	dir string
}

func newScratch() (*scratch, error) {
	fs := afero.NewOsFs()
	dir, err := afero.TempDir(fs, "", "uniconvert-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &scratch{fs: fs, dir: dir}, nil
}

func (s *scratch) path(name string) string { return filepath.Join(s.dir, name) }

func (s *scratch) write(name string, r io.Reader) (string, error) {
	p := s.path(name)
	f, err := s.fs.Create(p)
	if err != nil {
		return "", fmt.Errorf("create scratch input: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write scratch input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close scratch input: %w", err)
	}
	return p, nil
}

func (s *scratch) copyOut(name string, w io.Writer) error {
	f, err := s.fs.Open(s.path(name))
	if err != nil {
		return fmt.Errorf("tool produced no output: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read tool output: %w", err)
	}
	return nil
}

func (s *scratch) Close() error {
	return s.fs.RemoveAll(s.dir)
}

type officeRoute struct{ src, target formats.Format }

// Office drives LibreOffice in headless mode.
type Office struct {
	bin    string
	runner Runner
}

func NewOffice(tools Tools, runner Runner) *Office {
	return &Office{bin: tools.Path(ToolOffice), runner: runner}
}

var officeRoutes = map[officeRoute][]string{
	{formats.DOCX, formats.PDF}: {"--convert-to", "pdf"},
	{formats.XLSX, formats.PDF}: {"--convert-to", "pdf"},
	{formats.XLSX, formats.CSV}: {"--convert-to", "csv"},
	{formats.CSV, formats.XLSX}: {"--convert-to", "xlsx"},
	{formats.PDF, formats.DOCX}: {"--infilter=writer_pdf_import", "--convert-to", "docx:MS Word 2007 XML"},
}

func (o *Office) Name() string    { return "libreoffice" }
func (o *Office) Available() bool { return o.bin != "" }

func (o *Office) Accepts(src, target formats.Format) bool {
	_, ok := officeRoutes[officeRoute{src, target}]
	return ok
}

func (o *Office) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	route, ok := officeRoutes[officeRoute{src, target}]
	if !ok {
		return fmt.Errorf("libreoffice: no route %s -> %s", src, target)
	}
	s, err := newScratch()
	if err != nil {
		return err
	}
	defer s.Close()

	in, err := s.write("input."+string(src), r)
	if err != nil {
		return err
	}
	outDir := s.path("out")
	args := []string{
		"--headless", "--norestore", "--nologo",
		// concurrent instances cannot share a profile
		"-env:UserInstallation=file://" + filepath.ToSlash(s.path("profile")),
	}
	args = append(args, route...)
	args = append(args, "--outdir", outDir, in)
	if _, err := o.runner.Run(ctx, s.dir, o.bin, args...); err != nil {
		return err
	}
	return s.copyOut(filepath.Join("out", "input."+string(target)), w)
}

// PdfRaster renders the first page of a PDF with pdftoppm.
type PdfRaster struct {
	bin    string
	runner Runner
}

func NewPdfRaster(tools Tools, runner Runner) *PdfRaster {
	return &PdfRaster{bin: tools.Path(ToolPdfToPPM), runner: runner}
}

func (p *PdfRaster) Name() string    { return "pdftoppm" }
func (p *PdfRaster) Available() bool { return p.bin != "" }

func (p *PdfRaster) Accepts(src, target formats.Format) bool {
	return src == formats.PDF && (target == formats.PNG || target == formats.JPG)
}

func (p *PdfRaster) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	s, err := newScratch()
	if err != nil {
		return err
	}
	defer s.Close()

	in, err := s.write("input.pdf", r)
	if err != nil {
		return err
	}
	flag, ext := "-png", "png"
	if target == formats.JPG {
		flag, ext = "-jpeg", "jpg"
	}
	args := []string{"-f", "1", "-l", "1", "-singlefile", "-r", "144", flag, in, s.path("page")}
	if _, err := p.runner.Run(ctx, s.dir, p.bin, args...); err != nil {
		return err
	}
	return s.copyOut("page."+ext, w)
}

// PdfText extracts the text layer of a PDF with pdftotext.
type PdfText struct {
	bin    string
	runner Runner
}

func NewPdfText(tools Tools, runner Runner) *PdfText {
	return &PdfText{bin: tools.Path(ToolPdfToText), runner: runner}
}

func (p *PdfText) Name() string    { return "pdftotext" }
func (p *PdfText) Available() bool { return p.bin != "" }

func (p *PdfText) Accepts(src, target formats.Format) bool {
	return src == formats.PDF && target == formats.TXT
}

func (p *PdfText) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	s, err := newScratch()
	if err != nil {
		return err
	}
	defer s.Close()

	in, err := s.write("input.pdf", r)
	if err != nil {
		return err
	}
	if _, err := p.runner.Run(ctx, s.dir, p.bin, "-layout", "-enc", "UTF-8", in, s.path("output.txt")); err != nil {
		return err
	}
	return s.copyOut("output.txt", w)
}

// OCR recognises text in raster images with tesseract.
type OCR struct {
	bin    string
	lang   string
	runner Runner
	limits Limits
}

func NewOCR(tools Tools, lang string, limits Limits, runner Runner) *OCR {
	if strings.TrimSpace(lang) == "" {
		lang = "eng"
	}
	return &OCR{bin: tools.Path(ToolTesseract), lang: lang, runner: runner, limits: limits}
}

func (o *OCR) Name() string    { return "tesseract" }
func (o *OCR) Available() bool { return o.bin != "" }

func (o *OCR) Accepts(src, target formats.Format) bool {
	return rasterSources.Has(src) && target == formats.TXT
}

func (o *OCR) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	img, err := decodeImage(r, o.limits.imagePixels())
	if err != nil {
		return err
	}
	s, err := newScratch()
	if err != nil {
		return err
	}
	defer s.Close()

	// tesseract reads png everywhere; webp support varies by build
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("re-encode image: %w", err)
	}
	in, err := s.write("input.png", &buf)
	if err != nil {
		return err
	}
	// tesseract appends .txt to the output base
	if _, err := o.runner.Run(ctx, s.dir, o.bin, in, s.path("output"), "-l", o.lang); err != nil {
		return err
	}
	return s.copyOut("output.txt", w)
}
