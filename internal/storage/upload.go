package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/jo-hoe/docmark/internal/util"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Uploader stages submitted documents under <storageDir>/uploads/<taskID>/.
type Uploader struct {
	paths Paths
}

// Staged is a document written to disk and ready for resolution.
type Staged struct {
	Path   string
	Name   string
	Size   int64
	SHA256 string
}

func NewUploader(paths Paths) *Uploader {
	return &Uploader{paths: paths}
}

// Stage copies r into the task's upload dir under a sanitized file name,
// hashing it on the way. maxBytes <= 0 disables the limit.
// On error nothing is left behind.
func (u *Uploader) Stage(taskID, filename string, r io.Reader, maxBytes int64) (*Staged, error) {
	if r == nil {
		return nil, fmt.Errorf("no file provided")
	}
	dir := u.paths.Upload(taskID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := util.SanitizeFilename(filename)
	dstPath := filepath.Join(dir, name)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	h := sha256.New()
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	closeErr := dst.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("copy upload: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("close upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	return &Staged{Path: dstPath, Name: name, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// SaveMultipart stages an uploaded multipart file.
func (u *Uploader) SaveMultipart(taskID string, fh *multipart.FileHeader, maxBytes int64) (*Staged, error) {
	if fh == nil {
		return nil, fmt.Errorf("no file provided")
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, fh.Size)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()
	return u.Stage(taskID, fh.Filename, src, maxBytes)
}
