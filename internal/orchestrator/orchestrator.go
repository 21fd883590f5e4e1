// Package orchestrator is the boundary every outer surface talks to. It turns
// submissions into tracked tasks and answers status and result queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/packager"
	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/tasks"
	"github.com/jo-hoe/docmark/internal/util"
)

var (
	ErrNotReady   = errors.New("result not ready")
	ErrTaskFailed = errors.New("task failed")
	ErrNoFile     = errors.New("no file provided")
)

// Enqueuer is the part of tasks.Queue the service needs.
type Enqueuer interface {
	Enqueue(item tasks.WorkItem) error
	Len() int
	Capacity() int
}

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    tasks.Store
	Queue    Enqueuer
	Uploader *storage.Uploader
	Paths    storage.Paths
}

func New(log *slog.Logger, cfg *config.Config, store tasks.Store, q Enqueuer, paths storage.Paths) *Service {
	return &Service{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Queue:    q,
		Uploader: storage.NewUploader(paths),
		Paths:    paths,
	}
}

// Submission is one document handed in by a client.
type Submission struct {
	Filename    string
	ContentType string
	CallbackURL string
	Body        io.Reader
}

// Submit stages the document, resolves its format and creates a PENDING task.
// An unsupported document returns ErrUnsupportedFormat and leaves no task.
// A full queue still creates the task but fails it and returns ErrQueueFull.
func (s *Service) Submit(ctx context.Context, sub Submission) (*tasks.Task, error) {
	if sub.Body == nil {
		return nil, ErrNoFile
	}
	id := util.NewID()
	maxBytes := int64(s.Cfg.Server.MaxUploadSize) // #nosec G115 - configured size fits int64
	staged, err := s.Uploader.Stage(id, sub.Filename, sub.Body, maxBytes)
	if err != nil {
		return nil, err
	}
	discard := func() {
		if err := s.Paths.RemoveTask(id); err != nil {
			s.Log.Warn("remove rejected upload", "task_id", id, "err", err)
		}
	}

	inputPath, filename := staged.Path, staged.Name
	hint := sub.ContentType
	if storage.IsZip(staged.Name) {
		inputPath, err = storage.ExtractSingleDocument(staged.Path, filepath.Dir(staged.Path), acceptSupported, maxBytes)
		if err != nil {
			discard()
			return nil, err
		}
		filename, hint = filepath.Base(inputPath), ""
	}

	f, err := formats.ResolveFile(inputPath, filename, hint)
	if err != nil {
		discard()
		return nil, err
	}

	task := &tasks.Task{
		ID:               id,
		Status:           tasks.StatusPending,
		SourceFormat:     f.Tag,
		Family:           string(f.Family),
		OriginalFilename: filename,
		InputPath:        inputPath,
		FileHash:         staged.SHA256,
		CallbackURL:      strings.TrimSpace(sub.CallbackURL),
	}
	if err := s.Store.CreateTask(task); err != nil {
		discard()
		return nil, fmt.Errorf("persist task: %w", err)
	}
	log := s.Log.With("task_id", id)
	log.Info("task created", "format", f.Tag, "family", f.Family, "size", humanize.IBytes(uint64(staged.Size))) // #nosec G115 - size is non-negative

	if !s.Cfg.Server.DisableResultCache {
		if ok := s.reuseCached(log, task); ok {
			return s.Store.GetTask(id)
		}
	}

	if err := s.Queue.Enqueue(tasks.WorkItem{TaskID: id}); err != nil {
		// Nothing may stay PENDING without a worker to pick it up.
		if _, cerr := s.Store.Claim(id); cerr == nil {
			_ = s.Store.Fail(id, tasks.TaskError{Kind: tasks.KindInternalFault, Message: "not accepted: " + err.Error()})
		}
		log.Warn("enqueue failed", "err", err)
		return task, err
	}
	log.Debug("task enqueued", "queue_len", s.Queue.Len())
	return task, nil
}

func acceptSupported(name string) bool {
	_, ok := formats.Lookup(strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."))
	return ok
}

// reuseCached completes task with the result of an earlier identical upload.
func (s *Service) reuseCached(log *slog.Logger, task *tasks.Task) bool {
	prev, err := s.Store.FindCompletedByHash(task.FileHash)
	if err != nil || prev.ID == task.ID || prev.SourceFormat != task.SourceFormat || prev.Result == nil {
		return false
	}
	if _, err := os.Stat(prev.Result.ArchivePath); err != nil {
		return false
	}
	if _, err := s.Store.Claim(task.ID); err != nil {
		return false
	}

	res := *prev.Result
	dest := filepath.Join(s.Paths.Task(task.ID), packager.ArchiveName(task.OriginalFilename, task.SourceFormat))
	if err := linkOrCopy(prev.Result.ArchivePath, dest); err != nil {
		log.Warn("reuse cached result", "source_task", prev.ID, "err", err)
		_ = s.Store.Fail(task.ID, tasks.TaskError{Kind: tasks.KindPackagingFault, Message: "copy cached archive: " + err.Error()})
		return true
	}
	res.ArchivePath = dest
	if err := s.Store.Complete(task.ID, res); err != nil {
		log.Error("complete from cache", "err", err)
		return true
	}
	log.Info("task completed from cache", "source_task", prev.ID)
	return true
}

func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src) // #nosec G304 - archive path recorded by this service
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

// StatusView is what clients see for a task. It never exposes local paths.
type StatusView struct {
	ID           string           `json:"task_id"`
	Status       tasks.Status     `json:"status"`
	SourceFormat string           `json:"source_format,omitempty"`
	Filename     string           `json:"filename,omitempty"`
	CreatedAt    *time.Time       `json:"created_at,omitempty"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
	Result       *ResultView      `json:"result,omitempty"`
	Error        *tasks.TaskError `json:"error,omitempty"`
}

type ResultView struct {
	ImageCount    int                 `json:"image_count"`
	ImageLocation tasks.ImageLocation `json:"image_location"`
	ArchiveURL    string              `json:"archive_url,omitempty"`
	Bucket        string              `json:"bucket,omitempty"`
	Prefix        string              `json:"prefix,omitempty"`
	Endpoint      string              `json:"endpoint,omitempty"`
}

func viewOf(t *tasks.Task) StatusView {
	created, updated := t.CreatedAt, t.UpdatedAt
	v := StatusView{
		ID:           t.ID,
		Status:       t.Status,
		SourceFormat: t.SourceFormat,
		Filename:     t.OriginalFilename,
		CreatedAt:    &created,
		UpdatedAt:    &updated,
		Error:        t.Error,
	}
	if r := t.Result; r != nil {
		v.Result = &ResultView{
			ImageCount:    r.ImageCount,
			ImageLocation: r.ImageLocation,
			ArchiveURL:    r.ArchiveURL,
			Bucket:        r.Bucket,
			Prefix:        r.Prefix,
			Endpoint:      r.Endpoint,
		}
	}
	return v
}

// Status returns the view of a task. Expired ids yield Status EXPIRED with a
// nil error; unknown ids yield ErrNotFound.
func (s *Service) Status(id string) (StatusView, error) {
	t, err := s.Store.GetTask(id)
	switch {
	case errors.Is(err, tasks.ErrExpired):
		return StatusView{ID: id, Status: tasks.StatusExpired}, nil
	case err != nil:
		return StatusView{}, err
	}
	return viewOf(t), nil
}

// ResultHandle points at a finished archive. Exactly one field is set,
// ArchiveURL when the archive was uploaded.
type ResultHandle struct {
	ArchivePath string
	ArchiveURL  string
	Filename    string
}

// Result returns the archive of a COMPLETED task.
func (s *Service) Result(id string) (*ResultHandle, error) {
	t, err := s.Store.GetTask(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case tasks.StatusCompleted:
	case tasks.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrTaskFailed, t.Error.Kind)
	default:
		return nil, fmt.Errorf("%w: task is %s", ErrNotReady, t.Status)
	}
	if t.Result.ArchiveURL != "" {
		return &ResultHandle{ArchiveURL: t.Result.ArchiveURL, Filename: filepath.Base(t.Result.ArchivePath)}, nil
	}
	if _, err := os.Stat(t.Result.ArchivePath); err != nil {
		return nil, fmt.Errorf("archive of task %s: %w", id, err)
	}
	return &ResultHandle{ArchivePath: t.Result.ArchivePath, Filename: filepath.Base(t.Result.ArchivePath)}, nil
}

// Delete removes a terminal task's files and record ahead of retention.
// Non-terminal tasks return ErrInvalidTransition.
func (s *Service) Delete(id string) error {
	t, err := s.Store.GetTask(id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, tasks.ErrInvalidTransition)
	}
	if err := s.Paths.RemoveTask(id); err != nil {
		return fmt.Errorf("remove task files: %w", err)
	}
	if err := s.Store.Expire(id); err != nil {
		return err
	}
	s.Log.Info("task deleted", "task_id", id)
	return nil
}

func (s *Service) List(f tasks.Filter) ([]StatusView, error) {
	ts, err := s.Store.ListTasks(f)
	if err != nil {
		return nil, err
	}
	out := make([]StatusView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewOf(t))
	}
	return out, nil
}

// Stats combines store counters with the live queue depth.
type Stats struct {
	tasks.Stats
	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
}

func (s *Service) Stats() (Stats, error) {
	st, err := s.Store.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, QueueLength: s.Queue.Len(), QueueCapacity: s.Queue.Capacity()}, nil
}

func (s *Service) Formats() []formats.Format {
	return formats.Supported()
}

// Recover prepares the store after a restart: PROCESSING tasks lost their
// worker and are failed, PENDING tasks are queued again.
func (s *Service) Recover(ctx context.Context) error {
	processing, err := s.Store.ListTasks(tasks.Filter{Status: tasks.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}
	for _, t := range processing {
		err := s.Store.Fail(t.ID, tasks.TaskError{Kind: tasks.KindInternalFault, Message: "interrupted by restart"})
		if err != nil && !errors.Is(err, tasks.ErrInvalidTransition) {
			return fmt.Errorf("fail interrupted task %s: %w", t.ID, err)
		}
	}

	pending, err := s.Store.ListTasks(tasks.Filter{Status: tasks.StatusPending})
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	requeued := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Queue.Enqueue(tasks.WorkItem{TaskID: t.ID}); err != nil {
			if _, cerr := s.Store.Claim(t.ID); cerr == nil {
				_ = s.Store.Fail(t.ID, tasks.TaskError{Kind: tasks.KindInternalFault, Message: "not accepted after restart: " + err.Error()})
			}
			continue
		}
		requeued++
	}
	if len(processing) > 0 || requeued > 0 {
		s.Log.Info("recovered tasks", "failed_interrupted", len(processing), "requeued", requeued)
	}
	return nil
}
