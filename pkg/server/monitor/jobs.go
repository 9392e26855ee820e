package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/scheduler"
)

// JobMonitor tracks the health of scheduled jobs.
type JobMonitor struct {
	mu   sync.RWMutex
	now  func() time.Time
	jobs map[string]*jobState
}

type jobState struct {
	interval          time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
}

// JobStatus is the health of one job, as reported by /v1/health.
type JobStatus struct {
	Healthy           bool   `json:"healthy"`
	Interval          string `json:"interval"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

func NewJobMonitor() *JobMonitor {
	return &JobMonitor{now: time.Now, jobs: make(map[string]*jobState)}
}

// Track registers a job so it shows up (unhealthy) before its first tick.
func (m *JobMonitor) Track(name string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(name).interval = interval
}

// RecordSuccess records a successful run.
func (m *JobMonitor) RecordSuccess(name string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	j := m.state(name)
	j.lastSuccess = now
	j.lastAttempt = now
	j.lastDuration = took
	j.consecutiveErrors = 0
	j.lastError = ""
}

// RecordFailure records a failed run.
func (m *JobMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.state(name)
	j.lastAttempt = m.now()
	j.consecutiveErrors++
	if err != nil {
		j.lastError = err.Error()
	}
}

// ObserveTick is a scheduler.Listener.
func (m *JobMonitor) ObserveTick(o scheduler.Outcome) {
	if o.Err != nil {
		m.RecordFailure(o.Task, o.Err)
		return
	}
	m.RecordSuccess(o.Task, o.Duration)
}

// IsHealthy reports whether every tracked job is healthy.
// A job is unhealthy when it:
//   - never succeeded
//   - has not succeeded for config.JobStaleIntervals intervals
//   - failed more than config.JobMaxConsecutiveErrors times in a row
func (m *JobMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, j := range m.jobs {
		if !j.healthy(now) {
			return false
		}
	}
	return true
}

// Status returns the per-job status keyed by job name.
func (m *JobMonitor) Status() map[string]JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make(map[string]JobStatus, len(m.jobs))
	for name, j := range m.jobs {
		status := JobStatus{
			Healthy:  j.healthy(now),
			Interval: j.interval.String(),
		}
		if !j.lastSuccess.IsZero() {
			status.LastSuccess = j.lastSuccess.Format(time.RFC3339)
			status.TimeSinceSuccess = now.Sub(j.lastSuccess).Round(time.Second).String()
			status.LastDuration = j.lastDuration.Round(time.Millisecond).String()
		}
		if !j.lastAttempt.IsZero() {
			status.LastAttempt = j.lastAttempt.Format(time.RFC3339)
		}
		if j.consecutiveErrors > 0 {
			status.ConsecutiveErrors = j.consecutiveErrors
			status.LastError = j.lastError
		}
		out[name] = status
	}
	return out
}

// Jobs returns the tracked job names, sorted.
func (m *JobMonitor) Jobs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// state must be called with mu held.
func (m *JobMonitor) state(name string) *jobState {
	j, ok := m.jobs[name]
	if !ok {
		j = &jobState{}
		m.jobs[name] = j
	}
	return j
}

func (j *jobState) healthy(now time.Time) bool {
	if j.lastSuccess.IsZero() {
		return false
	}
	if j.interval > 0 && now.Sub(j.lastSuccess) > config.JobStaleIntervals*j.interval {
		return false
	}
	return j.consecutiveErrors <= config.JobMaxConsecutiveErrors
}
