package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type noopProcessor struct {
	count int32
	fail  bool
}

func (p *noopProcessor) Process(ctx context.Context, item WorkItem) error {
	atomic.AddInt32(&p.count, 1)
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(quietLogger(), 2, 1)
	p := &noopProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	var cleaned int32
	item := WorkItem{TaskID: "id1", Cleanup: func() error {
		atomic.AddInt32(&cleaned, 1)
		return nil
	}}
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&cleaned) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&p.count) != 1 || atomic.LoadInt32(&cleaned) != 1 {
		t.Fatalf("expected one process and one cleanup, got %d/%d", p.count, cleaned)
	}

	q.Shutdown(2 * time.Second)
	if err := q.Enqueue(item); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(quietLogger(), 1, 1)
	if err := q.Enqueue(WorkItem{TaskID: "x"}); !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("enqueue before start = %v", err)
	}
}

type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (p *blockingProcessor) Process(ctx context.Context, item WorkItem) error {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		p.ctxErr.Store(ctx.Err())
		return ctx.Err()
	}
}

func TestQueue_FullQueueRejects(t *testing.T) {
	q := NewQueue(quietLogger(), 1, 1)
	p := &blockingProcessor{started: make(chan struct{}, 4), release: make(chan struct{})}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		close(p.release)
		q.Shutdown(time.Second)
	}()

	if err := q.Enqueue(WorkItem{TaskID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	<-p.started // worker holds "a"
	if err := q.Enqueue(WorkItem{TaskID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue(WorkItem{TaskID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue c = %v, want ErrQueueFull", err)
	}
	if q.Len() != 1 || q.Capacity() != 1 {
		t.Fatalf("len/cap = %d/%d", q.Len(), q.Capacity())
	}
}

func TestQueue_ShutdownCancelsAfterDeadline(t *testing.T) {
	q := NewQueue(quietLogger(), 1, 1)
	p := &blockingProcessor{started: make(chan struct{}, 1), release: make(chan struct{})}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Enqueue(WorkItem{TaskID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-p.started

	start := time.Now()
	q.Shutdown(50 * time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("shutdown took too long")
	}
	if err, _ := p.ctxErr.Load().(error); !errors.Is(err, context.Canceled) {
		t.Fatalf("running task should see cancellation, got %v", err)
	}
}
