// Package storage owns the on-disk layout of uploads and task artifacts.
package storage

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/jo-hoe/docmark/internal/common"
)

// Paths resolves the per-task directories below the storage root:
//
//	uploads/<id>/          staged input
//	tasks/<id>/            result archive
//	tasks/<id>/work/       converter scratch space
//	tasks/<id>/out/        relocated markdown and images
type Paths struct {
	root string
}

func NewPaths(root string) Paths {
	return Paths{root: root}
}

func (p Paths) Root() string { return p.root }

func (p Paths) Upload(id string) string {
	return filepath.Join(p.root, common.UploadsDirName, id)
}

func (p Paths) Task(id string) string {
	return filepath.Join(p.root, common.TasksDirName, id)
}

func (p Paths) Work(id string) string {
	return filepath.Join(p.Task(id), common.WorkDirName)
}

func (p Paths) Out(id string) string {
	return filepath.Join(p.Task(id), common.OutDirName)
}

// RemoveTask deletes every file belonging to the task. Missing dirs are fine.
func (p Paths) RemoveTask(id string) error {
	if id == "" {
		return errors.New("empty task id")
	}
	return errors.Join(os.RemoveAll(p.Task(id)), os.RemoveAll(p.Upload(id)))
}
