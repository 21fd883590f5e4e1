// Package relocate moves converter images into the result layout, optionally
// uploads them to object storage, and rewrites the Markdown to match.
package relocate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jo-hoe/docmark/internal/common"
	"github.com/jo-hoe/docmark/internal/converter"
	"github.com/jo-hoe/docmark/internal/tasks"
	"github.com/jo-hoe/docmark/internal/util"
)

// ErrStorageFault covers any failure to place or upload an image.
var ErrStorageFault = errors.New("storage fault")

// Target receives uploaded images. objectstore.Client implements it.
type Target interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// Relocator places images. With a nil Target it works in local mode.
type Relocator struct {
	Log    *slog.Logger
	Target Target
	Prefix string
}

// Placed is one relocated image.
type Placed struct {
	Ref       string // reference as the converter wrote it
	Name      string // final file name, unique within the task
	LocalPath string
	URL       string // set in remote mode
}

// Relocated is the outcome for one task.
type Relocated struct {
	Markdown  string
	Images    []Placed
	Location  tasks.ImageLocation
	ImagesDir string
}

// Remote reports whether uploads are enabled.
func (r *Relocator) Remote() bool { return r.Target != nil }

// Relocate copies every image of res into outDir/images under a unique name
// and rewrites the references. In remote mode each image is also uploaded
// under prefix/taskID/name and references point at the returned URLs.
// Remote mode refuses results with dangling local references, since the
// document would mix bucket URLs with paths that resolve nowhere.
func (r *Relocator) Relocate(ctx context.Context, taskID string, res *converter.Result, outDir string) (*Relocated, error) {
	if r.Remote() && len(res.Dangling) > 0 {
		return nil, fmt.Errorf("%w: %d image reference(s) without a file, first %q", ErrStorageFault, len(res.Dangling), res.Dangling[0])
	}
	imagesDir := filepath.Join(outDir, common.ImagesDirName)
	if err := os.MkdirAll(imagesDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create images dir: %v", ErrStorageFault, err)
	}

	out := &Relocated{Location: tasks.ImagesLocal, ImagesDir: imagesDir}
	if r.Remote() {
		out.Location = tasks.ImagesRemote
	}
	used := make(map[string]bool, len(res.Images))
	mapping := make(map[string]string, len(res.Images))

	for _, img := range res.Images {
		name, err := uniqueName(img.Path, used)
		if err != nil {
			return nil, fmt.Errorf("%w: name image %s: %v", ErrStorageFault, img.Ref, err)
		}
		used[name] = true
		dst := filepath.Join(imagesDir, name)
		if err := copyExclusive(img.Path, dst); err != nil {
			return nil, fmt.Errorf("%w: copy image %s: %v", ErrStorageFault, img.Ref, err)
		}
		p := Placed{Ref: img.Ref, Name: name, LocalPath: dst}
		if r.Remote() {
			u, err := r.upload(ctx, taskID, dst, name)
			if err != nil {
				return nil, fmt.Errorf("%w: upload image %s: %v", ErrStorageFault, img.Ref, err)
			}
			p.URL = u
			mapping[img.Ref] = u
		} else {
			mapping[img.Ref] = path.Join(common.ImagesDirName, name)
		}
		out.Images = append(out.Images, p)
	}

	out.Markdown = converter.RewriteReferences(res.Markdown, mapping)
	if r.Log != nil && len(out.Images) > 0 {
		r.Log.Debug("images relocated", "task_id", taskID, "count", len(out.Images), "location", out.Location)
	}
	return out, nil
}

// Key returns the object key for a task file.
func (r *Relocator) Key(taskID, name string) string {
	if r.Prefix == "" {
		return taskID + "/" + name
	}
	return r.Prefix + "/" + taskID + "/" + name
}

// UploadFile uploads any task file, such as the result archive, under the task prefix.
func (r *Relocator) UploadFile(ctx context.Context, taskID, localPath string) (string, error) {
	if !r.Remote() {
		return "", errors.New("no storage target configured")
	}
	u, err := r.upload(ctx, taskID, localPath, filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFault, err)
	}
	return u, nil
}

func (r *Relocator) upload(ctx context.Context, taskID, localPath, name string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 - file inside the task output dir
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	ct := common.ContentTypeOcts
	if m, err := mimetype.DetectFile(localPath); err == nil {
		ct = m.String()
	}
	return r.Target.Put(ctx, r.Key(taskID, name), f, fi.Size(), ct)
}

// uniqueName keeps the first owner of a base name and disambiguates later
// clashes with a content hash, then a counter.
func uniqueName(src string, used map[string]bool) (string, error) {
	base := util.SanitizeFilename(filepath.Base(src))
	if !used[base] {
		return base, nil
	}
	sum, err := hashPrefix(src)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := stem + "_" + sum + ext
	for n := 2; used[name]; n++ {
		name = stem + "_" + sum + "_" + strconv.Itoa(n) + ext
	}
	return name, nil
}

func hashPrefix(p string) (string, error) {
	f, err := os.Open(p) // #nosec G304 - converter output file
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:8], nil
}

// copyExclusive never overwrites an existing file.
func copyExclusive(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - converter output file
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
