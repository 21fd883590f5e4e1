package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/util"
)

// IsZip reports whether the upload name marks a plain ZIP container.
func IsZip(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// ExtractSingleDocument unpacks the only accepted root-level entry of zipPath
// into destDir and returns its path. Zero or several accepted entries are
// ErrUnsupportedFormat. maxBytes bounds the uncompressed entry size.
func ExtractSingleDocument(zipPath, destDir string, accept func(name string) bool, maxBytes int64) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("%w: unreadable zip: %v", formats.ErrUnsupportedFormat, err)
	}
	defer func() { _ = zr.Close() }()

	var picked *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.Contains(strings.Trim(f.Name, "/"), "/") {
			continue
		}
		base := filepath.Base(f.Name)
		if strings.HasPrefix(base, ".") || !accept(base) {
			continue
		}
		if picked != nil {
			return "", fmt.Errorf("%w: zip holds more than one document", formats.ErrUnsupportedFormat)
		}
		picked = f
	}
	if picked == nil {
		return "", fmt.Errorf("%w: zip holds no supported document", formats.ErrUnsupportedFormat)
	}
	if maxBytes > 0 && picked.UncompressedSize64 > uint64(maxBytes) {
		return "", fmt.Errorf("%w: %s unpacks to %d bytes", ErrTooLarge, picked.Name, picked.UncompressedSize64)
	}

	rc, err := picked.Open()
	if err != nil {
		return "", fmt.Errorf("open zip entry: %w", err)
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure extract dir: %w", err)
	}
	dstPath := filepath.Join(destDir, util.SanitizeFilename(picked.Name))
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create extracted file: %w", err)
	}
	src := io.Reader(rc)
	if maxBytes > 0 {
		src = io.LimitReader(rc, maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("%w: %s", ErrTooLarge, picked.Name)
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("extract %s: %w", picked.Name, err)
	}
	return dstPath, nil
}
