package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
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

type fakeConverter struct {
	family formats.Family
	fn     func(ctx context.Context, in converter.Input, workDir string) (*converter.Result, error)
}

func (f *fakeConverter) Family() formats.Family { return f.family }
func (f *fakeConverter) Convert(ctx context.Context, in converter.Input, workDir string) (*converter.Result, error) {
	return f.fn(ctx, in, workDir)
}

// withImage writes one image into the work dir and references it twice.
func withImage(_ context.Context, _ converter.Input, workDir string) (*converter.Result, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	img := filepath.Join(workDir, "pic.png")
	if err := os.WriteFile(img, []byte("PNGDATA"), 0o644); err != nil {
		return nil, err
	}
	return &converter.Result{
		Markdown: "# Title\n\n![a](pic.png)\n\n![b](pic.png)\n",
		Images:   []converter.Image{{Ref: "pic.png", Path: img}},
	}, nil
}

type memTarget struct {
	mu   sync.Mutex
	keys []string
}

func (m *memTarget) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	return "https://cdn.example.com/" + key, nil
}
func (m *memTarget) Bucket() string   { return "docs" }
func (m *memTarget) Endpoint() string { return "s3.example.com" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	store  tasks.Store
	paths  storage.Paths
	worker *Worker
}

func newFixture(t *testing.T, conv converter.Converter, target relocate.Target) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := tasks.NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			CallbackRetries: 2,
			CallbackBackoff: 10 * time.Millisecond,
			StorageDir:      dir,
		},
		Converter: config.ConverterConfig{Timeout: 5 * time.Second},
	}
	paths := storage.NewPaths(dir)
	rel := &relocate.Relocator{Log: discardLogger(), Target: target, Prefix: "markdown-images"}
	regs := converter.NewRegistry()
	if conv != nil {
		regs.Add(conv)
	}
	return &fixture{store: store, paths: paths, worker: New(discardLogger(), cfg, store, regs, rel, paths)}
}

func (f *fixture) create(t *testing.T, id, format, callback string) {
	t.Helper()
	input := filepath.Join(f.paths.Upload(id), "input."+format)
	if err := os.MkdirAll(filepath.Dir(input), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(input, []byte("input"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	fam := formats.Markup
	if ft, ok := formats.Lookup(format); ok {
		fam = ft.Family
	}
	err := f.store.CreateTask(&tasks.Task{
		ID:               id,
		Status:           tasks.StatusPending,
		SourceFormat:     format,
		Family:           string(fam),
		OriginalFilename: "My Report." + format,
		InputPath:        input,
		CallbackURL:      callback,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func callbackCollector(t *testing.T) (*httptest.Server, func() []map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), bodies...)
	}
}

func TestWorker_Process_SuccessWithCallback(t *testing.T) {
	cb, bodies := callbackCollector(t)
	f := newFixture(t, &fakeConverter{family: formats.Markup, fn: withImage}, nil)
	f.create(t, "task-1", "docx", cb.URL)

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-1"}); err != nil {
		t.Fatalf("Process error: %v", err)
	}

	got, err := f.store.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != tasks.StatusCompleted || got.Result == nil {
		t.Fatalf("task not completed: %+v", got)
	}
	if got.Result.ImageCount != 1 || got.Result.ImageLocation != tasks.ImagesLocal {
		t.Fatalf("result mismatch: %+v", got.Result)
	}
	want := filepath.Join(f.paths.Task("task-1"), packager.ArchiveName("My Report.docx", "docx"))
	if got.Result.ArchivePath != want {
		t.Fatalf("archive path = %s, want %s", got.Result.ArchivePath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if _, err := os.Stat(f.paths.Work("task-1")); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed")
	}
	md, err := os.ReadFile(filepath.Join(f.paths.Out("task-1"), "images", "pic.png"))
	if err != nil || string(md) != "PNGDATA" {
		t.Fatalf("relocated image missing: %v", err)
	}

	got2 := bodies()
	if len(got2) != 1 {
		t.Fatalf("expected one callback, got %d", len(got2))
	}
	if got2[0]["status"] != common.StatusCompleted || got2[0]["task_id"] != "task-1" {
		t.Fatalf("callback mismatch: %v", got2[0])
	}
}

func TestWorker_Process_RemoteUploadsArchive(t *testing.T) {
	target := &memTarget{}
	f := newFixture(t, &fakeConverter{family: formats.Markup, fn: withImage}, target)
	f.worker.Cfg.Storage.UploadArchive = true
	f.create(t, "task-r", "odt", "")

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-r"}); err != nil {
		t.Fatalf("Process error: %v", err)
	}
	got, _ := f.store.GetTask("task-r")
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	r := got.Result
	if r.ImageLocation != tasks.ImagesRemote || r.Bucket != "docs" || r.Endpoint != "s3.example.com" || r.Prefix != "markdown-images" {
		t.Fatalf("remote result mismatch: %+v", r)
	}
	wantURL := "https://cdn.example.com/markdown-images/task-r/My_Report_odt_result.zip"
	if r.ArchiveURL != wantURL {
		t.Fatalf("archive url = %q", r.ArchiveURL)
	}
	if len(target.keys) != 2 || target.keys[0] != "markdown-images/task-r/pic.png" {
		t.Fatalf("uploaded keys = %v", target.keys)
	}
}

func TestWorker_Process_RemoteFailsOnMissingImage(t *testing.T) {
	conv := &fakeConverter{family: formats.Markup, fn: func(ctx context.Context, in converter.Input, wd string) (*converter.Result, error) {
		res, err := withImage(ctx, in, wd)
		if err != nil {
			return nil, err
		}
		res.Markdown += "![gone](media/missing.png)\n"
		res.Dangling = []string{"media/missing.png"}
		return res, nil
	}}
	target := &memTarget{}
	f := newFixture(t, conv, target)
	f.create(t, "task-d", "docx", "")

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-d"}); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.store.GetTask("task-d")
	if got.Status != tasks.StatusFailed || got.Error == nil || got.Error.Kind != tasks.KindStorageFault {
		t.Fatalf("task = %+v", got)
	}
	if len(target.keys) != 0 {
		t.Fatalf("nothing should be uploaded, got %v", target.keys)
	}
}

func TestWorker_Process_ConverterFaultSetsFailed(t *testing.T) {
	cb, bodies := callbackCollector(t)
	conv := &fakeConverter{family: formats.Layout, fn: func(context.Context, converter.Input, string) (*converter.Result, error) {
		return nil, fmt.Errorf("%w: marker exited with status 1", converter.ErrConverterFault)
	}}
	f := newFixture(t, conv, nil)
	f.create(t, "task-2", "pdf", cb.URL)

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-2"}); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.store.GetTask("task-2")
	if got.Status != tasks.StatusFailed || got.Error == nil || got.Error.Kind != tasks.KindConverterFault {
		t.Fatalf("task not failed as converter fault: %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("failed task must not carry a result")
	}
	b := bodies()
	if len(b) != 1 || b[0]["status"] != common.StatusFailed {
		t.Fatalf("callback mismatch: %v", b)
	}
}

func TestWorker_Process_PanicIsInternalFault(t *testing.T) {
	conv := &fakeConverter{family: formats.Markup, fn: func(context.Context, converter.Input, string) (*converter.Result, error) {
		panic("boom")
	}}
	f := newFixture(t, conv, nil)
	f.create(t, "task-3", "html", "")

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-3"}); err == nil {
		t.Fatalf("expected error from panic")
	}
	got, _ := f.store.GetTask("task-3")
	if got.Status != tasks.StatusFailed || got.Error.Kind != tasks.KindInternalFault {
		t.Fatalf("task = %+v", got)
	}
}

func TestWorker_Process_NoConverterForFamily(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.create(t, "task-4", "pdf", "")

	_ = f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-4"})
	got, _ := f.store.GetTask("task-4")
	if got.Status != tasks.StatusFailed || got.Error.Kind != tasks.KindUnsupportedFormat {
		t.Fatalf("task = %+v", got)
	}
}

func TestWorker_Process_SkipsTaskNotPending(t *testing.T) {
	calls := 0
	conv := &fakeConverter{family: formats.Markup, fn: func(ctx context.Context, in converter.Input, wd string) (*converter.Result, error) {
		calls++
		return withImage(ctx, in, wd)
	}}
	f := newFixture(t, conv, nil)
	f.create(t, "task-5", "docx", "")
	if _, err := f.store.Claim("task-5"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "task-5"}); err != nil {
		t.Fatalf("Process should skip quietly, got %v", err)
	}
	if err := f.worker.Process(context.Background(), tasks.WorkItem{TaskID: "missing"}); err != nil {
		t.Fatalf("Process of unknown id should skip quietly, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("converter ran %d times for a task owned elsewhere", calls)
	}
}

func TestWorker_CallbackRetriesThenGivesUp(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, nil, nil)
	err := f.worker.sendCallbackWithRetry(context.Background(), srv.URL, callbackPayload{TaskID: "x", Status: common.StatusCompleted})
	if err == nil {
		t.Fatalf("expected error")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want tasks.ErrorKind
	}{
		{fmt.Errorf("x: %w", converter.ErrConverterTimeout), tasks.KindConverterTimeout},
		{fmt.Errorf("x: %w", converter.ErrConverterFault), tasks.KindConverterFault},
		{fmt.Errorf("x: %w", relocate.ErrStorageFault), tasks.KindStorageFault},
		{fmt.Errorf("x: %w", packager.ErrPackagingFault), tasks.KindPackagingFault},
		{fmt.Errorf("x: %w", formats.ErrUnsupportedFormat), tasks.KindUnsupportedFormat},
		{context.Canceled, tasks.KindInternalFault},
		{errors.New("other"), tasks.KindInternalFault},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestCallbackPayloadShape(t *testing.T) {
	var buf bytes.Buffer
	p := callbackPayload{TaskID: "t", Status: common.StatusFailed, Error: &tasks.TaskError{Kind: tasks.KindConverterTimeout, Message: "slow"}}
	if err := json.NewEncoder(&buf).Encode(p); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(buf.Bytes(), &m)
	if _, ok := m["result"]; ok {
		t.Fatalf("failed payload must omit result: %s", buf.String())
	}
	errObj, _ := m["error"].(map[string]any)
	if errObj["kind"] != "CONVERTER_TIMEOUT" {
		t.Fatalf("error kind = %v", errObj["kind"])
	}
}
