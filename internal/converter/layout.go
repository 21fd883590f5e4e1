package converter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/util"
)

// Layout converts page-oriented formats with marker. PPTX and XLSX are
// rendered to PDF by the office bridge first.
type Layout struct {
	Runner     *Runner
	MarkerPath string
	bridge     bridge
}

func (l *Layout) Family() formats.Family { return formats.Layout }

func (l *Layout) Convert(ctx context.Context, in Input, workDir string) (*Result, error) {
	input, err := filepath.Abs(in.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve input: %w", err)
	}
	if in.Format.NeedsBridge() {
		input, err = l.bridge.convert(ctx, input, in.Format.Bridge, filepath.Join(workDir, "bridge"))
		if err != nil {
			return nil, err
		}
	}

	outDir := filepath.Join(workDir, "layout")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	err = l.Runner.Run(ctx, Command{
		Name: l.MarkerPath,
		Args: []string{input, "--output_dir", outDir, "--output_format", "markdown"},
		Dir:  outDir,
	})
	if err != nil {
		return nil, err
	}
	mdPath, err := findMarkdown(outDir, util.Stem(input))
	if err != nil {
		return nil, err
	}
	md, err := readMarkdown(mdPath)
	if err != nil {
		return nil, err
	}
	images, dangling := CollectImages(md, filepath.Dir(mdPath))
	return &Result{Markdown: md, Images: images, Dangling: dangling}, nil
}

// findMarkdown locates marker output, which lands either directly in outDir
// or in a per-document subdirectory depending on the marker version.
func findMarkdown(outDir, stem string) (string, error) {
	for _, p := range []string{
		filepath.Join(outDir, stem+".md"),
		filepath.Join(outDir, stem, stem+".md"),
	} {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	var found string
	errFound := errors.New("found")
	err := filepath.WalkDir(outDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".md") {
			found = p
			return errFound
		}
		return nil
	})
	if found != "" {
		return found, nil
	}
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("%w: scan marker output: %v", ErrConverterFault, err)
	}
	return "", fmt.Errorf("%w: marker produced no markdown output", ErrConverterFault)
}
