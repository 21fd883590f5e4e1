// Package converter turns a supported input document into Markdown plus the
// images it references, by driving external conversion programs.
package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/util"
)

// Input is a validated local file and its resolved format.
type Input struct {
	Path   string
	Format formats.Format
}

// Image is one distinct local image reference and the file behind it.
type Image struct {
	Ref  string
	Path string
}

// Result is the output of a conversion.
type Result struct {
	Markdown string
	// Images holds one entry per distinct reference, in first-appearance order.
	Images []Image
	// Dangling lists local references with no file behind them. They stay in
	// the Markdown untouched.
	Dangling []string
}

// Converter is implemented once per format family.
type Converter interface {
	Family() formats.Family
	// Convert writes intermediate files below workDir only.
	Convert(ctx context.Context, in Input, workDir string) (*Result, error)
}

// Registry holds one converter per family. There is no fallback between families.
type Registry struct {
	byFamily map[formats.Family]Converter
}

func NewRegistry(cs ...Converter) *Registry {
	r := &Registry{byFamily: make(map[formats.Family]Converter)}
	for _, c := range cs {
		r.Add(c)
	}
	return r
}

// NewDefaultRegistry wires the pandoc and marker backends from configuration.
func NewDefaultRegistry(cfg config.ConverterConfig, runner *Runner) *Registry {
	b := bridge{runner: runner, path: cfg.LibreOfficePath, timeout: cfg.BridgeTimeout}
	return NewRegistry(
		&Markup{Runner: runner, PandocPath: cfg.PandocPath, bridge: b},
		&Layout{Runner: runner, MarkerPath: cfg.MarkerPath, bridge: b},
	)
}

func (r *Registry) Add(c Converter) {
	r.byFamily[c.Family()] = c
}

// For selects the converter for a format.
func (r *Registry) For(f formats.Format) (Converter, error) {
	c, ok := r.byFamily[f.Family]
	if !ok {
		return nil, fmt.Errorf("no converter registered for family %q: %w", f.Family, formats.ErrUnsupportedFormat)
	}
	return c, nil
}

func (r *Registry) Families() []formats.Family {
	out := make([]formats.Family, 0, len(r.byFamily))
	for k := range r.byFamily {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bridge converts legacy office formats with a headless LibreOffice.
type bridge struct {
	runner  *Runner
	path    string
	timeout time.Duration
}

// convert produces <outDir>/<stem>.<target> and returns its path.
func (b bridge) convert(ctx context.Context, input, target, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", fmt.Errorf("create bridge dir: %w", err)
	}
	profile, err := filepath.Abs(filepath.Join(outDir, ".profile"))
	if err != nil {
		return "", fmt.Errorf("bridge profile path: %w", err)
	}
	err = b.runner.Run(ctx, Command{
		Name: b.path,
		Args: []string{
			"-env:UserInstallation=file://" + filepath.ToSlash(profile),
			"--headless", "--convert-to", target, "--outdir", outDir, input,
		},
		Dir:     outDir,
		Timeout: b.timeout,
		Bridge:  true,
	})
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, util.Stem(input)+"."+strings.SplitN(target, ":", 2)[0])
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("%w: office bridge produced no %s output", ErrConverterFault, target)
	}
	return out, nil
}

func readMarkdown(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - converter output inside the task work dir
	if err != nil {
		return "", fmt.Errorf("%w: read converter output: %v", ErrConverterFault, err)
	}
	return string(data), nil
}
