// Package packager assembles the downloadable result archive.
package packager

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jo-hoe/docmark/internal/common"
	"github.com/jo-hoe/docmark/internal/util"
)

var ErrPackagingFault = errors.New("packaging fault")

// epoch is the fixed modification time of every entry, so equal inputs give
// byte-identical archives.
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Package describes a written archive.
type Package struct {
	ArchivePath string
	Entries     []string
	Size        int64
}

// ArchiveName returns "<stem>_<ext>_result.zip" for an original file name.
func ArchiveName(originalFilename, format string) string {
	stem := util.SanitizeFilename(util.Stem(originalFilename))
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(originalFilename)), ".")
	if ext == "" {
		ext = format
	}
	return stem + "_" + ext + common.ArchiveSuffix
}

// Build writes document.md and, when includeImages is set, every file of
// imagesDir as images/<name>, sorted by name. The archive is written beside
// dest and renamed into place, so dest is either absent or complete.
func Build(markdown, imagesDir string, includeImages bool, dest string) (*Package, error) {
	var images []string
	if includeImages && imagesDir != "" {
		entries, err := os.ReadDir(imagesDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: list images: %v", ErrPackagingFault, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				images = append(images, e.Name())
			}
		}
		sort.Strings(images)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create archive dir: %v", ErrPackagingFault, err)
	}
	tmp := dest + ".tmp"
	pkg, err := write(tmp, markdown, imagesDir, images)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("%w: %v", ErrPackagingFault, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("%w: publish archive: %v", ErrPackagingFault, err)
	}
	pkg.ArchivePath = dest
	return pkg, nil
}

func write(tmp, markdown, imagesDir string, images []string) (*Package, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)
	pkg := &Package{}

	fail := func(err error) (*Package, error) {
		_ = zw.Close()
		_ = f.Close()
		return nil, err
	}

	w, err := create(zw, common.MarkdownFileName)
	if err != nil {
		return fail(err)
	}
	if _, err := io.WriteString(w, markdown); err != nil {
		return fail(fmt.Errorf("write markdown: %w", err))
	}
	pkg.Entries = append(pkg.Entries, common.MarkdownFileName)

	for _, name := range images {
		entry := path.Join(common.ImagesDirName, name)
		w, err := create(zw, entry)
		if err != nil {
			return fail(err)
		}
		if err := copyFile(w, filepath.Join(imagesDir, name)); err != nil {
			return fail(fmt.Errorf("write %s: %w", entry, err))
		}
		pkg.Entries = append(pkg.Entries, entry)
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	pkg.Size = fi.Size()
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return pkg, nil
}

func create(zw *zip.Writer, name string) (io.Writer, error) {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: epoch}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", name, err)
	}
	return w, nil
}

func copyFile(w io.Writer, p string) error {
	in, err := os.Open(p) // #nosec G304 - relocated image inside the task dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	_, err = io.Copy(w, in)
	return err
}
