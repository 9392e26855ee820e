package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/scheduler"
)

func TestJobMonitorRecordSuccess(t *testing.T) {
	m := NewJobMonitor()
	m.Track("rollup-1min", time.Minute)
	require.False(t, m.IsHealthy())

	m.RecordSuccess("rollup-1min", 20*time.Millisecond)

	status := m.Status()["rollup-1min"]
	require.True(t, status.Healthy)
	require.Equal(t, "1m0s", status.Interval)
	require.Equal(t, "20ms", status.LastDuration)
	require.Zero(t, status.ConsecutiveErrors)
	require.True(t, m.IsHealthy())
}

func TestJobMonitorRecordFailure(t *testing.T) {
	m := NewJobMonitor()
	m.RecordFailure("rollup-5min", errors.New("disk full"))

	status := m.Status()["rollup-5min"]
	require.False(t, status.Healthy)
	require.Equal(t, 1, status.ConsecutiveErrors)
	require.Equal(t, "disk full", status.LastError)
}

func TestJobMonitorIsHealthy(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*JobMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(m *JobMonitor) { m.Track("job", time.Minute) },
			expected: false,
		},
		{
			name:     "recent success",
			setup:    func(m *JobMonitor) { m.RecordSuccess("job", 0) },
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *JobMonitor) {
				m.Track("job", time.Minute)
				m.RecordSuccess("job", 0)
				m.now = func() time.Time { return now.Add(4 * time.Minute) }
			},
			expected: false,
		},
		{
			name: "slow job still fresh",
			setup: func(m *JobMonitor) {
				m.Track("job", time.Hour)
				m.RecordSuccess("job", 0)
				m.now = func() time.Time { return now.Add(2 * time.Hour) }
			},
			expected: true,
		},
		{
			name: "few failures",
			setup: func(m *JobMonitor) {
				m.RecordSuccess("job", 0)
				for i := 0; i < 3; i++ {
					m.RecordFailure("job", errors.New("error"))
				}
			},
			expected: true,
		},
		{
			name: "too many failures",
			setup: func(m *JobMonitor) {
				m.RecordSuccess("job", 0)
				for i := 0; i < 4; i++ {
					m.RecordFailure("job", errors.New("error"))
				}
			},
			expected: false,
		},
		{
			name: "one unhealthy job",
			setup: func(m *JobMonitor) {
				m.RecordSuccess("good", 0)
				m.RecordFailure("bad", errors.New("error"))
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewJobMonitor()
			m.now = func() time.Time { return now }
			tt.setup(m)
			require.Equal(t, tt.expected, m.IsHealthy())
		})
	}
}

func TestJobMonitorObserveTick(t *testing.T) {
	m := NewJobMonitor()

	m.ObserveTick(scheduler.Outcome{Task: "a", Err: errors.New("boom")})
	m.ObserveTick(scheduler.Outcome{Task: "b", Duration: time.Second})

	status := m.Status()
	require.Equal(t, "boom", status["a"].LastError)
	require.True(t, status["b"].Healthy)
	require.Equal(t, []string{"a", "b"}, m.Jobs())

	m.ObserveTick(scheduler.Outcome{Task: "a"})
	require.True(t, m.IsHealthy())
}
