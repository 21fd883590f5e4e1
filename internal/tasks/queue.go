package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/docmark/internal/common"
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueClosed     = errors.New("queue is shut down")
)

// WorkItem names a task to process. Cleanup, if set, runs after processing whatever the outcome.
type WorkItem struct {
	TaskID  string
	Cleanup func() error
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is an in-memory bounded queue for WorkItems with a worker pool.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	quit       chan struct{}
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-q.quit:
			log.Debug("queue shut down, worker exiting")
			return
		default:
		}
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case <-q.quit:
			log.Debug("queue shut down, worker exiting")
			return
		case item := <-q.ch:
			taskLog := log.With("task_id", item.TaskID)
			taskLog.Info("processing task")
			start := time.Now()
			if err := p.Process(ctx, item); err != nil {
				taskLog.Error("task processing failed", "err", err, "duration", time.Since(start))
			} else {
				taskLog.Info("task processed", "duration", time.Since(start))
			}
			if item.Cleanup != nil {
				if err := item.Cleanup(); err != nil {
					taskLog.Warn("cleanup failed", "err", err)
				}
			}
		}
	}
}

// Enqueue adds a WorkItem without blocking. A full queue returns ErrQueueFull.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.started {
		return ErrQueueNotStarted
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports items waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Capacity reports the queue bound.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Shutdown stops accepting work and lets workers finish their current item
// up to the deadline, after which their context is cancelled.
// Items still buffered are dropped; their tasks stay PENDING and are re-enqueued on the next start.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.quit)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
		} else {
			timer := time.NewTimer(deadline)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				q.log.Warn("queue shutdown deadline reached; cancelling running tasks")
			}
		}
		if q.cancel != nil {
			q.cancel()
		}
		<-done
	})
}
