package engine

import (
	"os/exec"
	"sort"
)

// Names of the external programs the service can drive.
const (
	ToolOffice    = "soffice"
	ToolPdfToPPM  = "pdftoppm"
	ToolPdfToText = "pdftotext"
	ToolTesseract = "tesseract"
)

var toolFallbacks = map[string][]string{
	ToolOffice: {"soffice", "libreoffice"},
}

// Tools maps each external program to its resolved executable path. A
// missing entry means the program is not installed.
type Tools map[string]string

// Probe resolves every known tool once at startup. overrides maps a tool to
// an explicit path or command name.
func Probe(overrides map[string]string) Tools {
	tools := make(Tools)
	for _, name := range []string{ToolOffice, ToolPdfToPPM, ToolPdfToText, ToolTesseract} {
		candidates := toolFallbacks[name]
		if len(candidates) == 0 {
			candidates = []string{name}
		}
		if o := overrides[name]; o != "" {
			candidates = []string{o}
		}
		for _, c := range candidates {
			if path, err := exec.LookPath(c); err == nil {
				tools[name] = path
				break
			}
		}
	}
	return tools
}

func (t Tools) Has(name string) bool {
	return t[name] != ""
}

func (t Tools) Path(name string) string {
	return t[name]
}

// Availability reports every known tool with a found flag.
func (t Tools) Availability() map[string]bool {
	out := map[string]bool{}
	for _, name := range []string{ToolOffice, ToolPdfToPPM, ToolPdfToText, ToolTesseract} {
		out[name] = t.Has(name)
	}
	return out
}

// Missing lists the tools that were not found, sorted.
func (t Tools) Missing() []string {
	var out []string
	for name, ok := range t.Availability() {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
