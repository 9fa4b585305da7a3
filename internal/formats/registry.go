// Package formats holds the static format compatibility table and
// content-based format detection.
package formats

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Type is the coarse family a format belongs to.
type Type string

const (
	TypeImage    Type = "image"
	TypeDocument Type = "document"
)

// Format is a lowercase canonical extension such as "png" or "docx".
type Format string

const (
	PNG  Format = "png"
	JPG  Format = "jpg"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
	GIF  Format = "gif"
	WEBP Format = "webp"
	ICO  Format = "ico"
	PDF  Format = "pdf"
	DOCX Format = "docx"
	XLSX Format = "xlsx"
	TXT  Format = "txt"
	MD   Format = "md"
	CSV  Format = "csv"
)

// Category groups formats by the kind of engine that reads or writes them.
// Capabilities are selected by (source category, target category).
type Category string

const (
	CategoryRaster Category = "raster"
	CategoryPDF    Category = "pdf"
	CategoryOffice Category = "office"
	CategoryText   Category = "text"
)

// Kind is a detected (type, format) pair.
type Kind struct {
	Type   Type   `json:"type"`
	Format Format `json:"format"`
}

// Detection is the outcome of a signature check.
type Detection struct {
	Kind
	MIME    string `json:"mime"`
	Warning string `json:"warning,omitempty"`
}

type entry struct {
	typ      Type
	category Category
	mime     string
	targets  []Format
}

// Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	entries map[Format]entry
	byMIME  map[string]Format
}

// NewRegistry builds the default compatibility table.
func NewRegistry() *Registry {
	r := &Registry{
		entries: map[Format]entry{
			PNG:  {TypeImage, CategoryRaster, "image/png", []Format{JPG, BMP, TIFF, GIF, PDF, TXT}},
			JPG:  {TypeImage, CategoryRaster, "image/jpeg", []Format{PNG, BMP, TIFF, GIF, PDF, TXT}},
			BMP:  {TypeImage, CategoryRaster, "image/bmp", []Format{PNG, JPG, TIFF, GIF, PDF, TXT}},
			TIFF: {TypeImage, CategoryRaster, "image/tiff", []Format{PNG, JPG, BMP, GIF, PDF, TXT}},
			GIF:  {TypeImage, CategoryRaster, "image/gif", []Format{PNG, JPG, BMP, TIFF, PDF, TXT}},
			WEBP: {TypeImage, CategoryRaster, "image/webp", []Format{PNG, JPG, BMP, TIFF, GIF, PDF, TXT}},
			// Only PNG-encoded icon entries can be extracted.
			ICO:  {TypeImage, CategoryRaster, "image/x-icon", []Format{PNG}},
			PDF:  {TypeDocument, CategoryPDF, "application/pdf", []Format{DOCX, PNG, JPG, TXT}},
			DOCX: {TypeDocument, CategoryOffice, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []Format{PDF, TXT}},
			XLSX: {TypeDocument, CategoryOffice, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", []Format{PDF, CSV}},
			TXT:  {TypeDocument, CategoryText, "text/plain", []Format{PDF, DOCX}},
			MD:   {TypeDocument, CategoryText, "text/markdown", []Format{PDF, DOCX, TXT}},
			CSV:  {TypeDocument, CategoryText, "text/csv", []Format{PDF, XLSX}},
		},
		byMIME: map[string]Format{
			"image/png":                PNG,
			"image/jpeg":               JPG,
			"image/bmp":                BMP,
			"image/x-ms-bmp":           BMP,
			"image/tiff":               TIFF,
			"image/gif":                GIF,
			"image/webp":               WEBP,
			"image/x-icon":             ICO,
			"image/vnd.microsoft.icon": ICO,
			"application/pdf":          PDF,
			"application/x-pdf":        PDF,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": DOCX,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       XLSX,
			"text/csv":   CSV,
			"text/plain": TXT,
		},
	}
	return r
}

// legacyMIME lists pre-OOXML binary office formats. They are reported as
// unknown: downstream engines cannot convert them reliably.
var legacyMIME = []string{
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/x-ole-storage",
}

// ValidTargets returns the formats a (type, format) pair converts to.
// An unknown pair yields an empty set.
func (r *Registry) ValidTargets(typ Type, format Format) Set {
	e, ok := r.entries[format]
	if !ok || e.typ != typ {
		return Set{}
	}
	return NewSet(e.targets...)
}

// Lookup returns the kind of a known format.
func (r *Registry) Lookup(format Format) (Kind, bool) {
	e, ok := r.entries[format]
	if !ok {
		return Kind{}, false
	}
	return Kind{Type: e.typ, Format: format}, true
}

// Category returns the engine category of a format.
func (r *Registry) Category(format Format) (Category, bool) {
	e, ok := r.entries[format]
	return e.category, ok
}

// MIME returns the canonical content type for a format.
func (r *Registry) MIME(format Format) string {
	if e, ok := r.entries[format]; ok {
		return e.mime
	}
	return "application/octet-stream"
}

// Supported returns every known format grouped by type, sorted.
func (r *Registry) Supported() map[Type][]Format {
	out := make(map[Type][]Format)
	for f, e := range r.entries {
		out[e.typ] = append(out[e.typ], f)
	}
	for t := range out {
		sort.Slice(out[t], func(i, j int) bool { return out[t][i] < out[t][j] })
	}
	return out
}

// Formats returns all known formats, sorted.
func (r *Registry) Formats() []Format {
	out := make([]Format, 0, len(r.entries))
	for f := range r.entries {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DetectFromSignature identifies the format of head, the leading bytes of a
// file. The signature decides; declaredName only refines plain text into
// md or csv and produces a warning when its extension disagrees.
func (r *Registry) DetectFromSignature(head []byte, declaredName string) (Detection, bool) {
	if len(head) == 0 {
		return Detection{}, false
	}
	mt := mimetype.Detect(head)
	for m := mt; m != nil; m = m.Parent() {
		for _, legacy := range legacyMIME {
			if m.Is(legacy) {
				return Detection{}, false
			}
		}
	}

	declared := NormalizeExtension(declaredName)
	for m := mt; m != nil; m = m.Parent() {
		format, ok := r.matchMIME(m)
		if !ok {
			continue
		}
		if format == TXT || format == CSV {
			format = refineText(format, declared)
		}
		e := r.entries[format]
		det := Detection{
			Kind: Kind{Type: e.typ, Format: format},
			MIME: mt.String(),
		}
		if declared != "" && declared != format {
			det.Warning = "extension ." + string(declared) + " does not match detected format " + string(format)
		}
		return det, true
	}
	return Detection{}, false
}

func (r *Registry) matchMIME(m *mimetype.MIME) (Format, bool) {
	for mime, format := range r.byMIME {
		if m.Is(mime) {
			return format, true
		}
	}
	return "", false
}

func refineText(detected, declared Format) Format {
	switch declared {
	case MD:
		return MD
	case CSV:
		return CSV
	case TXT:
		return TXT
	}
	return detected
}

var extensionAliases = map[string]Format{
	"jpeg":     JPG,
	"jpe":      JPG,
	"tif":      TIFF,
	"markdown": MD,
	"text":     TXT,
}

// NormalizeExtension returns the canonical format spelled by a filename's
// extension, or "" when there is none.
func NormalizeExtension(name string) Format {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
	if ext == "" {
		return ""
	}
	if alias, ok := extensionAliases[ext]; ok {
		return alias
	}
	return Format(ext)
}

// ParseFormat normalizes a user-supplied target such as "JPEG" or ".png".
func ParseFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if alias, ok := extensionAliases[s]; ok {
		return alias
	}
	return Format(s)
}
