// Package formats maps submitted files to a supported source format and the
// converter family that handles it.
package formats

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Family selects a converter backend.
type Family string

const (
	// Markup formats go through the lightweight document converter.
	Markup Family = "markup"
	// Layout formats go through the layout-aware converter.
	Layout Family = "layout"
)

// Format describes one supported input format.
type Format struct {
	Tag    string `json:"format"`
	Family Family `json:"family"`
	// Bridge is the intermediate format LibreOffice must produce before the
	// family backend can read the input. Empty when no bridge is needed.
	Bridge string   `json:"bridge,omitempty"`
	MIME   []string `json:"mime_types,omitempty"`
}

// NeedsBridge reports whether the input must pass through the office bridge first.
func (f Format) NeedsBridge() bool { return f.Bridge != "" }

var ErrUnsupportedFormat = errors.New("unsupported format")

// sniffBytes is how much of a file content detection looks at.
const sniffBytes = 3072

var table = map[string]Format{
	"odt":  {Tag: "odt", Family: Markup, MIME: []string{"application/vnd.oasis.opendocument.text"}},
	"epub": {Tag: "epub", Family: Markup, MIME: []string{"application/epub+zip"}},
	"html": {Tag: "html", Family: Markup, MIME: []string{"text/html", "application/xhtml+xml"}},
	"htm":  {Tag: "htm", Family: Markup},
	"rtf":  {Tag: "rtf", Family: Markup, MIME: []string{"application/rtf", "text/rtf"}},
	"docx": {Tag: "docx", Family: Markup, MIME: []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}},
	"doc":  {Tag: "doc", Family: Markup, Bridge: "docx", MIME: []string{"application/msword"}},
	"xls":  {Tag: "xls", Family: Markup, Bridge: "html", MIME: []string{"application/vnd.ms-excel"}},

	"pdf":  {Tag: "pdf", Family: Layout, MIME: []string{"application/pdf"}},
	"pptx": {Tag: "pptx", Family: Layout, Bridge: "pdf", MIME: []string{"application/vnd.openxmlformats-officedocument.presentationml.presentation"}},
	"xlsx": {Tag: "xlsx", Family: Layout, Bridge: "pdf", MIME: []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}},
}

// Lookup finds a format by tag, ignoring case and a leading dot.
func Lookup(tag string) (Format, bool) {
	f, ok := table[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tag)), ".")]
	return f, ok
}

// Supported lists every format sorted by tag.
func Supported() []Format {
	out := make([]Format, 0, len(table))
	for _, f := range table {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Resolve picks the format of a submission. A filename extension decides on
// its own, and an extension outside the table is rejected whatever the
// content looks like. Only a name without extension falls back to the
// client's content type, then to the leading bytes.
func Resolve(filename, mimeHint string, head []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		if f, ok := Lookup(ext); ok {
			return f, nil
		}
		return Format{}, fmt.Errorf("%w: %s (extension %s)", ErrUnsupportedFormat, filepath.Base(filename), ext)
	}
	if f, ok := fromMIME(mimeHint); ok {
		return f, nil
	}
	if len(head) > 0 {
		for m := mimetype.Detect(head); m != nil; m = m.Parent() {
			if f, ok := fromMIME(m.String()); ok {
				return f, nil
			}
		}
	}
	return Format{}, fmt.Errorf("%w: %s (no extension, content not recognised)", ErrUnsupportedFormat, filepath.Base(filename))
}

// ResolveFile is Resolve with the head read from path.
func ResolveFile(path, filename, mimeHint string) (Format, error) {
	f, err := os.Open(path) // #nosec G304 - path is a staged upload under the storage dir
	if err != nil {
		return Format{}, fmt.Errorf("open for sniffing: %w", err)
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Format{}, fmt.Errorf("read for sniffing: %w", err)
	}
	return Resolve(filename, mimeHint, head[:n])
}

func fromMIME(ct string) (Format, bool) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(ct))
	if err != nil || mt == "" || mt == "application/octet-stream" {
		return Format{}, false
	}
	for _, f := range Supported() {
		for _, m := range f.MIME {
			if m == mt {
				return f, true
			}
		}
	}
	return Format{}, false
}
