package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/rollup"
	"github.com/nicktill/tagstream/pkg/scheduler"
	"github.com/nicktill/tagstream/pkg/storage/badger"
)

const (
	badgerGCTask = "badger-gc"

	// Reclaim a value log file once half of it is garbage
	badgerGCDiscardRatio = 0.5
)

// registerTasks adds the rollup jobs, plus value log GC when storage is
// badger, and feeds every tick outcome to the job monitor and metrics.
func (s *Server) registerTasks() error {
	agg := rollup.New(s.store, s.logger.With("component", "rollup"))

	tasks := agg.Jobs()
	if store, ok := s.store.(*badger.Storage); ok {
		tasks = append(tasks, badgerGC(store, s.logger.With("component", "badger")))
	} else {
		s.logger.Debug("storage is not badger, skipping value log GC")
	}

	for _, t := range tasks {
		if err := s.scheduler.Add(t); err != nil {
			return err
		}
		s.jobs.Track(t.Name, t.Interval)
	}

	s.scheduler.OnTick(s.jobs.ObserveTick)
	s.scheduler.OnTick(s.metrics.ObserveTick)
	s.scheduler.OnTick(func(o scheduler.Outcome) {
		if o.Err != nil {
			if st, ok := s.jobs.Status()[o.Task]; ok && st.ConsecutiveErrors > config.JobMaxConsecutiveErrors {
				s.logger.Error("job keeps failing", "task", o.Task, "consecutive_errors", st.ConsecutiveErrors)
			}
		}
	})
	return nil
}

// badgerGC runs one value log GC pass per tick. BadgerDB's LSM tree keeps
// overwritten values in the value log until GC rewrites the file.
func badgerGC(store *badger.Storage, logger *slog.Logger) scheduler.Task {
	return scheduler.Task{
		Name:     badgerGCTask,
		Interval: config.BadgerGCInterval,
		Run: func(ctx context.Context) error {
			start := time.Now()
			err := store.RunGC(badgerGCDiscardRatio)
			switch {
			case errors.Is(err, badgerdb.ErrNoRewrite):
				logger.Debug("value log GC found nothing to rewrite", "took", time.Since(start).Round(time.Millisecond))
				return nil
			case err != nil:
				return err
			}
			logger.Info("value log GC reclaimed space", "took", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
