package util

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxFilenameLen = 200

// SanitizeFilename reduces a client supplied name to a safe base name.
// Directory parts are dropped, anything outside letters, digits, dot, dash and
// underscore becomes an underscore, and the result never starts with a dot.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxFilenameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxFilenameLen-len(ext)] + ext
	}
	if out == "" || out == "_" {
		return "document"
	}
	return out
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}
