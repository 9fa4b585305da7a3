package convert

import (
	"context"
	"io"
	"sort"
	"strings"

	"uniconvert/internal/apperr"
	"uniconvert/internal/engine"
	"uniconvert/internal/formats"
)

// Capability converts bytes of one format into another. Implementations
// must not touch session storage; they only see a reader and a writer.
type Capability interface {
	Name() string
	Accepts(src, target formats.Format) bool
	Available() bool
	Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error
}

type route struct {
	from, to formats.Category
}

// Table maps (source category, target category) to candidate capabilities in
// preference order. It is filled once at startup and read-only afterwards.
type Table struct {
	routes map[route][]Capability
	order  []Capability
}

func NewTable() *Table {
	return &Table{routes: make(map[route][]Capability)}
}

// Register appends candidates for a category pair.
func (t *Table) Register(from, to formats.Category, caps ...Capability) {
	key := route{from, to}
	t.routes[key] = append(t.routes[key], caps...)
	for _, c := range caps {
		if !t.known(c) {
			t.order = append(t.order, c)
		}
	}
}

func (t *Table) known(c Capability) bool {
	for _, o := range t.order {
		if o.Name() == c.Name() {
			return true
		}
	}
	return false
}

// Select picks the first available candidate that accepts src -> target.
// degraded is set when a preferred candidate was skipped as unavailable.
func (t *Table) Select(registry *formats.Registry, src, target formats.Format) (Capability, bool, error) {
	from, ok := registry.Category(src)
	if !ok {
		return nil, false, apperr.New(apperr.KindUnsupportedConversion, "unknown source format %s", src)
	}
	to, ok := registry.Category(target)
	if !ok {
		return nil, false, apperr.New(apperr.KindUnsupportedConversion, "unknown target format %s", target)
	}

	var missing []string
	for _, c := range t.routes[route{from, to}] {
		if !c.Accepts(src, target) {
			continue
		}
		if !c.Available() {
			missing = append(missing, c.Name())
			continue
		}
		return c, len(missing) > 0, nil
	}
	if len(missing) == 0 {
		return nil, false, apperr.New(apperr.KindEngineUnavailable, "no engine converts %s to %s", src, target)
	}
	return nil, false, apperr.New(apperr.KindEngineUnavailable, "conversion engine for %s to %s is not installed (%s)", src, target, strings.Join(missing, ", "))
}

// CapabilityInfo describes one registered capability for the formats listing.
type CapabilityInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Describe lists every registered capability once, sorted by name.
func (t *Table) Describe() []CapabilityInfo {
	out := make([]CapabilityInfo, 0, len(t.order))
	for _, c := range t.order {
		out = append(out, CapabilityInfo{Name: c.Name(), Available: c.Available()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultTable wires the built-in converters and the external engines found
// by the startup probe.
func DefaultTable(tools engine.Tools, ocrLang string, limits engine.Limits, runner engine.Runner) *Table {
	office := engine.NewOffice(tools, runner)

	t := NewTable()
	t.Register(formats.CategoryRaster, formats.CategoryRaster, engine.ImageCodec{Limits: limits})
	t.Register(formats.CategoryRaster, formats.CategoryPDF, engine.ImagePDF{Limits: limits})
	t.Register(formats.CategoryRaster, formats.CategoryText, engine.NewOCR(tools, ocrLang, limits, runner))
	t.Register(formats.CategoryPDF, formats.CategoryRaster, engine.NewPdfRaster(tools, runner))
	t.Register(formats.CategoryPDF, formats.CategoryText, engine.NewPdfText(tools, runner))
	t.Register(formats.CategoryPDF, formats.CategoryOffice, office)
	t.Register(formats.CategoryOffice, formats.CategoryPDF, office, engine.DocxPDF{Limits: limits})
	t.Register(formats.CategoryOffice, formats.CategoryText, engine.DocxText{Limits: limits}, office)
	t.Register(formats.CategoryText, formats.CategoryPDF, engine.TextPDF{})
	t.Register(formats.CategoryText, formats.CategoryOffice, engine.DocxWriter{}, office)
	t.Register(formats.CategoryText, formats.CategoryText, engine.MarkdownText{})
	return t
}
