package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jo-hoe/docmark/internal/common"
	"github.com/jo-hoe/docmark/internal/formats"
)

// pandoc reader names per source (or bridged) format.
var pandocReaders = map[string]string{
	"odt":  "odt",
	"epub": "epub",
	"html": "html",
	"htm":  "html",
	"rtf":  "rtf",
	"docx": "docx",
}

// Markup converts document formats with pandoc. DOC and XLS pass through the
// office bridge first.
type Markup struct {
	Runner     *Runner
	PandocPath string
	bridge     bridge
}

func (m *Markup) Family() formats.Family { return formats.Markup }

func (m *Markup) Convert(ctx context.Context, in Input, workDir string) (*Result, error) {
	input, err := filepath.Abs(in.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve input: %w", err)
	}
	reader := in.Format.Tag
	if in.Format.NeedsBridge() {
		input, err = m.bridge.convert(ctx, input, in.Format.Bridge, filepath.Join(workDir, "bridge"))
		if err != nil {
			return nil, err
		}
		reader = in.Format.Bridge
	}
	from, ok := pandocReaders[reader]
	if !ok {
		return nil, fmt.Errorf("%w: pandoc cannot read %s", formats.ErrUnsupportedFormat, reader)
	}

	outDir := filepath.Join(workDir, "markup")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// Run inside outDir so extracted media are referenced relative to it.
	err = m.Runner.Run(ctx, Command{
		Name: m.PandocPath,
		Args: []string{input, "-f", from, "-t", "gfm", "--extract-media=.", "-o", common.MarkdownFileName},
		Dir:  outDir,
	})
	if err != nil {
		return nil, err
	}
	md, err := readMarkdown(filepath.Join(outDir, common.MarkdownFileName))
	if err != nil {
		return nil, err
	}
	images, dangling := CollectImages(md, outDir)
	return &Result{Markdown: md, Images: images, Dangling: dangling}, nil
}
