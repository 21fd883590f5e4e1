package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jo-hoe/docmark/internal/common"
	"github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/converter"
	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/packager"
	"github.com/jo-hoe/docmark/internal/relocate"
	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/tasks"
)

// Worker implements tasks.Processor and runs one conversion end to end.
type Worker struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Store      tasks.Store
	Converters *converter.Registry
	Relocator  *relocate.Relocator
	Paths      storage.Paths
	Client     *http.Client
}

// Ensure Worker implements tasks.Processor
var _ tasks.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store tasks.Store, regs *converter.Registry, rel *relocate.Relocator, paths storage.Paths) *Worker {
	return &Worker{
		Log:        log,
		Cfg:        cfg,
		Store:      store,
		Converters: regs,
		Relocator:  rel,
		Paths:      paths,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// bucketInfo is implemented by object storage targets that can describe
// where uploads land.
type bucketInfo interface {
	Bucket() string
	Endpoint() string
}

func (w *Worker) Process(ctx context.Context, item tasks.WorkItem) (err error) {
	task, err := w.Store.Claim(item.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) || errors.Is(err, tasks.ErrNotFound) || errors.Is(err, tasks.ErrExpired) {
			w.Log.Debug("task not claimable, skipping", "task_id", item.TaskID, "err", err)
			return nil
		}
		return fmt.Errorf("claim task: %w", err)
	}
	log := w.Log.With("task_id", task.ID, "format", task.SourceFormat)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during conversion: %v", r)
			w.finishWithError(ctx, log, task, tasks.KindInternalFault, err)
		}
	}()
	defer func() {
		if rmErr := os.RemoveAll(w.Paths.Work(task.ID)); rmErr != nil {
			log.Warn("remove work dir", "err", rmErr)
		}
	}()

	res, err := w.run(ctx, log, task)
	if err != nil {
		w.finishWithError(ctx, log, task, Classify(err), err)
		return err
	}

	if err := w.Store.Complete(task.ID, *res); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	log.Info("conversion completed", "images", res.ImageCount, "location", res.ImageLocation)

	if task.CallbackURL != "" {
		payload := callbackPayload{
			TaskID: task.ID,
			Status: common.StatusCompleted,
			Result: &callbackResult{
				ImageCount:    res.ImageCount,
				ImageLocation: string(res.ImageLocation),
				ArchiveURL:    res.ArchiveURL,
				ResultPath:    common.PathConversions + "/" + task.ID + "/result",
			},
		}
		if cbErr := w.sendCallbackWithRetry(ctx, task.CallbackURL, payload); cbErr != nil {
			log.Warn("callback failed after retries", "err", cbErr)
		}
	}
	return nil
}

// run converts, relocates and packages. It never mutates the store.
func (w *Worker) run(ctx context.Context, log *slog.Logger, task *tasks.Task) (*tasks.Result, error) {
	f, ok := formats.Lookup(task.SourceFormat)
	if !ok {
		return nil, fmt.Errorf("%w: %s", formats.ErrUnsupportedFormat, task.SourceFormat)
	}
	conv, err := w.Converters.For(f)
	if err != nil {
		return nil, err
	}

	convCtx := ctx
	if w.Cfg.Converter.Timeout > 0 {
		var cancel context.CancelFunc
		convCtx, cancel = context.WithTimeout(ctx, w.Cfg.Converter.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := conv.Convert(convCtx, converter.Input{Path: task.InputPath, Format: f}, w.Paths.Work(task.ID))
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", f.Tag, err)
	}
	log.Debug("converter finished", "family", f.Family, "duration", time.Since(start), "images", len(out.Images))
	if !w.Relocator.Remote() {
		for _, ref := range out.Dangling {
			log.Warn("image reference has no file, leaving it as is", "ref", ref)
		}
	}

	rel, err := w.Relocator.Relocate(ctx, task.ID, out, w.Paths.Out(task.ID))
	if err != nil {
		return nil, err
	}

	archive := filepath.Join(w.Paths.Task(task.ID), packager.ArchiveName(task.OriginalFilename, task.SourceFormat))
	pkg, err := packager.Build(rel.Markdown, rel.ImagesDir, !w.Relocator.Remote(), archive)
	if err != nil {
		return nil, err
	}

	res := &tasks.Result{
		ArchivePath:   pkg.ArchivePath,
		ImageCount:    len(rel.Images),
		ImageLocation: rel.Location,
	}
	if w.Relocator.Remote() {
		res.Prefix = w.Relocator.Prefix
		if bi, ok := w.Relocator.Target.(bucketInfo); ok {
			res.Bucket = bi.Bucket()
			res.Endpoint = bi.Endpoint()
		}
		if w.Cfg.Storage.UploadArchive {
			u, err := w.Relocator.UploadFile(ctx, task.ID, pkg.ArchivePath)
			if err != nil {
				return nil, err
			}
			res.ArchiveURL = u
		}
	}
	return res, nil
}

// Classify maps a pipeline error to the kind recorded on the task.
func Classify(err error) tasks.ErrorKind {
	switch {
	case errors.Is(err, converter.ErrConverterTimeout):
		return tasks.KindConverterTimeout
	case errors.Is(err, converter.ErrConverterFault):
		return tasks.KindConverterFault
	case errors.Is(err, relocate.ErrStorageFault):
		return tasks.KindStorageFault
	case errors.Is(err, packager.ErrPackagingFault):
		return tasks.KindPackagingFault
	case errors.Is(err, formats.ErrUnsupportedFormat):
		return tasks.KindUnsupportedFormat
	default:
		return tasks.KindInternalFault
	}
}

func (w *Worker) finishWithError(ctx context.Context, log *slog.Logger, task *tasks.Task, kind tasks.ErrorKind, cause error) {
	terr := tasks.TaskError{Kind: kind, Message: cause.Error()}
	if err := w.Store.Fail(task.ID, terr); err != nil {
		log.Error("record failure", "err", err, "kind", kind)
		return
	}
	log.Warn("conversion failed", "kind", kind, "err", cause)

	if task.CallbackURL != "" {
		payload := callbackPayload{TaskID: task.ID, Status: common.StatusFailed, Error: &terr}
		if cbErr := w.sendCallbackWithRetry(ctx, task.CallbackURL, payload); cbErr != nil {
			log.Warn("callback failed after retries", "err", cbErr)
		}
	}
}

type callbackPayload struct {
	TaskID string           `json:"task_id"`
	Status string           `json:"status"` // completed|failed
	Error  *tasks.TaskError `json:"error,omitempty"`
	Result *callbackResult  `json:"result,omitempty"`
}

type callbackResult struct {
	ImageCount    int    `json:"image_count"`
	ImageLocation string `json:"image_location"`
	ArchiveURL    string `json:"archive_url,omitempty"`
	ResultPath    string `json:"result_path"`
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := w.Cfg.Server.CallbackRetries
	if max <= 0 {
		max = 3
	}
	backoff := w.Cfg.Server.CallbackBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := w.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			if attempt == max {
				break
			}
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(attempt) * backoff):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
