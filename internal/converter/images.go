package converter

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ![alt](ref "title") and ![alt](<ref>)
	mdImageRe = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+(?:"[^"]*"|'[^']*'))?\s*\)`)
	// <img ... src="ref" ...>
	htmlImageRe = regexp.MustCompile(`(?i)<img\b[^>]*?\bsrc\s*=\s*["']([^"']+)["']`)
)

// Reference is one image reference in Markdown text. Start and End delimit
// the reference token itself, not the surrounding syntax.
type Reference struct {
	Ref   string
	Start int
	End   int
}

// ScanReferences lists every image reference in order of appearance,
// repeats included.
func ScanReferences(md string) []Reference {
	var refs []Reference
	for _, re := range []*regexp.Regexp{mdImageRe, htmlImageRe} {
		for _, m := range re.FindAllStringSubmatchIndex(md, -1) {
			refs = append(refs, Reference{Ref: md[m[2]:m[3]], Start: m[2], End: m[3]})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Start < refs[j].Start })
	return refs
}

// RewriteReferences replaces every reference present in mapping and leaves
// all other text as is.
func RewriteReferences(md string, mapping map[string]string) string {
	refs := ScanReferences(md)
	if len(refs) == 0 || len(mapping) == 0 {
		return md
	}
	var b strings.Builder
	b.Grow(len(md))
	last := 0
	for _, r := range refs {
		target, ok := mapping[r.Ref]
		if !ok || r.Start < last {
			continue
		}
		b.WriteString(md[last:r.Start])
		b.WriteString(target)
		last = r.End
	}
	b.WriteString(md[last:])
	return b.String()
}

// IsExternal reports references that point outside the converter output:
// absolute URLs, data URIs and fragments.
func IsExternal(ref string) bool {
	l := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(l, "data:"), strings.HasPrefix(l, "//"), strings.HasPrefix(l, "#"):
		return true
	case strings.Contains(l, "://"), strings.HasPrefix(l, "mailto:"):
		return true
	}
	return false
}

// CollectImages resolves the distinct local references of md against
// baseDir, in order of first appearance. References that are external, that
// escape baseDir, or whose file is missing are returned as dangling and are
// not collected.
func CollectImages(md, baseDir string) (images []Image, dangling []string) {
	seen := make(map[string]bool)
	for _, r := range ScanReferences(md) {
		if seen[r.Ref] {
			continue
		}
		seen[r.Ref] = true
		if IsExternal(r.Ref) {
			continue
		}
		p, ok := resolveLocal(baseDir, r.Ref)
		if !ok {
			dangling = append(dangling, r.Ref)
			continue
		}
		images = append(images, Image{Ref: r.Ref, Path: p})
	}
	return images, dangling
}

func resolveLocal(baseDir, ref string) (string, bool) {
	clean := ref
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	if u, err := url.PathUnescape(clean); err == nil {
		clean = u
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "/") {
		return "", false
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", false
	}
	p := filepath.Join(base, filepath.FromSlash(clean))
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}
