package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/scheduler"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Store is the part of storage a rollup tick touches
type Store interface {
	storage.HistoryStore
	storage.RollupStore
}

// TickResult summarizes one tick
type TickResult struct {
	Resolution string `json:"resolution"`
	Window     Window `json:"window"`
	Samples    int    `json:"samples"`
	Buckets    int    `json:"buckets"`
}

// Aggregator recomputes rollup buckets from raw history.
type Aggregator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock overrides time.Now for scheduled ticks
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tick recomputes every bucket of res in the lookback window ending at the
// start of now's bucket.
func (a *Aggregator) Tick(ctx context.Context, res storage.Resolution, now time.Time) (TickResult, error) {
	w := WindowAt(res, now.UnixMilli())
	result := TickResult{Resolution: res.Name, Window: w}

	samples, err := a.store.QueryHistory(ctx, storage.HistoryQuery{Start: w.Start, End: w.End})
	if err != nil {
		return result, fmt.Errorf("rollup %s: query raw history: %w", res.Name, err)
	}
	result.Samples = len(samples)

	buckets := Aggregate(samples, res)
	if len(buckets) > 0 {
		if err := a.store.UpsertBuckets(ctx, res, buckets); err != nil {
			return result, fmt.Errorf("rollup %s: upsert buckets: %w", res.Name, err)
		}
	}
	result.Buckets = len(buckets)

	a.logger.Debug("rollup tick",
		"resolution", res.Name,
		"start", w.Start,
		"end", w.End,
		"samples", result.Samples,
		"buckets", result.Buckets)
	return result, nil
}

// TaskName is the scheduler task name for res
func TaskName(res storage.Resolution) string {
	return "rollup-" + res.Name
}

// Jobs returns one scheduler task per resolution, each ticking once per
// bucket width.
func (a *Aggregator) Jobs() []scheduler.Task {
	resolutions := storage.Resolutions()
	tasks := make([]scheduler.Task, 0, len(resolutions))
	for _, res := range resolutions {
		tasks = append(tasks, scheduler.Task{
			Name:     TaskName(res),
			Interval: res.Width,
			Timeout:  config.RollupTickTimeout,
			Run: func(ctx context.Context) error {
				_, err := a.Tick(ctx, res, a.now())
				return err
			},
		})
	}
	return tasks
}
