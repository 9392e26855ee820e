package rollup

import (
	"sort"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Window is a half-open [Start, End) range of unix millis.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// WindowAt returns the range a tick at nowMillis recomputes: the last
// config.RollupLookbackBuckets fully elapsed buckets of res.
func WindowAt(res storage.Resolution, nowMillis int64) Window {
	end := res.Floor(nowMillis)
	return Window{
		Start: end - config.RollupLookbackBuckets*res.WidthMillis(),
		End:   end,
	}
}

type bucketKey struct {
	sensorID int64
	start    int64
}

type accumulator struct {
	sum, min, max float64
	count         int64
}

// Aggregate groups samples into res buckets. The result depends only on the
// samples, never on their order, and is sorted by sensor then bucket start.
func Aggregate(samples []storage.RawSample, res storage.Resolution) []storage.Bucket {
	if len(samples) == 0 {
		return nil
	}

	accs := make(map[bucketKey]*accumulator)
	for _, s := range samples {
		key := bucketKey{sensorID: s.SensorID, start: res.Floor(s.Timestamp)}

		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{min: s.Value, max: s.Value}
			accs[key] = acc
		}
		acc.sum += s.Value
		acc.count++
		if s.Value < acc.min {
			acc.min = s.Value
		}
		if s.Value > acc.max {
			acc.max = s.Value
		}
	}

	buckets := make([]storage.Bucket, 0, len(accs))
	for key, acc := range accs {
		buckets = append(buckets, storage.Bucket{
			SensorID:    key.sensorID,
			BucketStart: key.start,
			Avg:         acc.sum / float64(acc.count),
			Min:         acc.min,
			Max:         acc.max,
			Count:       acc.count,
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].SensorID != buckets[j].SensorID {
			return buckets[i].SensorID < buckets[j].SensorID
		}
		return buckets[i].BucketStart < buckets[j].BucketStart
	})
	return buckets
}
