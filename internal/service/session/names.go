package session

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxNameLen = 200

// SanitizeFilename reduces a client-supplied name to a safe base name.
// Leading dots are dropped so stored files never collide with temp files.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ' || r == '(' || r == ')':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(strings.TrimSpace(b.String()), ".")
	if len(out) > maxNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = strings.TrimSpace(out[:maxNameLen-len(ext)]) + ext
	}
	if out == "" {
		return "file"
	}
	return out
}

// Stem returns name without its extension.
func Stem(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if stem == "" {
		return "file"
	}
	return stem
}
