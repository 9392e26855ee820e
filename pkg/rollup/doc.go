/*
Package rollup keeps the four bucket tables (1min, 5min, 10min, 1hour) in
step with raw history.

# How a Tick Works

Each resolution R with bucket width W has its own periodic job. On every tick
it:

 1. Computes the window [floor(now, W) - 2W, floor(now, W)).
 2. Reads every raw sample in that window.
 3. Groups samples by (sensor, floor(ts, W)) and computes avg, min, max and count.
 4. Upserts each bucket, overwriting whatever row was there.

The still-open bucket (the one containing now) is never written, so under
normal operation a bucket's values are final the first time they appear.

Example, 1min buckets, sensor S:

	t=0s   value=10
	t=20s  value=10
	t=45s  value=12
	t=70s  value=12

	bucket[0s]  = {avg: 10.67, min: 10, max: 12, count: 3}
	bucket[60s] = {avg: 12,    min: 12, max: 12, count: 1}

# Self-Healing

The window spans two buckets. If one tick is missed (process paused, storage
down), the next tick still covers the bucket the missed tick would have
written. Upserts make every tick idempotent, so recomputing a bucket any
number of times gives the same row.

Gaps longer than the lookback are not backfilled.

# Usage Example

	agg := rollup.New(store, logger)
	sched := scheduler.New(logger)
	for _, task := range agg.Jobs() {
	    sched.Add(task)
	}
	sched.Start(ctx)
	defer sched.Stop()

Several service instances against the same storage produce the same final
rows; they only repeat each other's work.
*/
package rollup
