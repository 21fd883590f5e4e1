// Package sweeper expires old tasks and reaps abandoned ones.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/tasks"
)

// Sweeper runs retention passes against a store and its files.
type Sweeper struct {
	Log   *slog.Logger
	Store tasks.Store
	Paths storage.Paths
	Cfg   config.RetentionConfig
	// Now is the clock; tests override it.
	Now func() time.Time
}

// Report counts what one pass did.
type Report struct {
	Expired int // terminal tasks removed
	Failed  int // tasks whose removal failed and were left for the next pass
	Stale   int // PROCESSING tasks failed as abandoned
	Purged  int // tombstones dropped
}

func New(log *slog.Logger, store tasks.Store, paths storage.Paths, cfg config.RetentionConfig) *Sweeper {
	return &Sweeper{Log: log, Store: store, Paths: paths, Cfg: cfg, Now: func() time.Time { return time.Now().UTC() }}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	s.logReport(s.SweepOnce(ctx))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logReport(s.SweepOnce(ctx))
		}
	}
}

// SweepOnce performs a single pass. Errors are logged, never returned, so
// one bad task cannot stall retention for the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	var rep Report
	now := s.Now()

	if s.Cfg.Window > 0 {
		old, err := s.Store.ListTerminalBefore(now.Add(-s.Cfg.Window))
		if err != nil {
			s.Log.Error("list expired tasks", "err", err)
		}
		for _, t := range old {
			if ctx.Err() != nil {
				return rep
			}
			if err := s.Paths.RemoveTask(t.ID); err != nil {
				s.Log.Error("remove task files, will retry next sweep", "task_id", t.ID, "err", err)
				rep.Failed++
				continue
			}
			if err := s.Store.Expire(t.ID); err != nil {
				s.Log.Error("expire task", "task_id", t.ID, "err", err)
				rep.Failed++
				continue
			}
			rep.Expired++
		}
	}

	if s.Cfg.StaleAfter > 0 {
		stale, err := s.Store.ListStaleProcessing(now.Add(-s.Cfg.StaleAfter))
		if err != nil {
			s.Log.Error("list stale tasks", "err", err)
		}
		for _, t := range stale {
			err := s.Store.Fail(t.ID, tasks.TaskError{
				Kind:    tasks.KindInternalFault,
				Message: "processing abandoned: no progress within " + s.Cfg.StaleAfter.String(),
			})
			switch {
			case err == nil:
				rep.Stale++
			case errors.Is(err, tasks.ErrInvalidTransition):
				// finished in the meantime
			default:
				s.Log.Error("fail stale task", "task_id", t.ID, "err", err)
			}
		}
	}

	if s.Cfg.TombstoneTTL > 0 {
		n, err := s.Store.PurgeTombstones(now.Add(-s.Cfg.TombstoneTTL))
		if err != nil {
			s.Log.Error("purge tombstones", "err", err)
		}
		rep.Purged = n
	}
	return rep
}

func (s *Sweeper) logReport(r Report) {
	if r == (Report{}) {
		s.Log.Debug("sweep finished, nothing to do")
		return
	}
	s.Log.Info("sweep finished", "expired", r.Expired, "failed", r.Failed, "stale", r.Stale, "purged", r.Purged)
}
