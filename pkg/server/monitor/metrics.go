package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tagstream/pkg/scheduler"
)

// Rejection reasons for MessageRejected
const (
	ReasonParse       = "parse"
	ReasonValidation  = "validation"
	ReasonStorageFull = "storage_full"
)

// Metrics holds the service's prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can run without it in tests.
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesRejected  *prometheus.CounterVec
	samplesWritten    prometheus.Counter
	samplesSuppressed prometheus.Counter
	samplesSkipped    prometheus.Counter
	writeErrors       prometheus.Counter
	observerErrors    prometheus.Counter
	transportDropped  prometheus.Counter
	commandsSent      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobFailures       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagstream_messages_received_total",
			Help: "Envelopes received, by source (mqtt, http).",
		}, []string{"source"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagstream_messages_rejected_total",
			Help: "Envelopes dropped before any sample was processed, by reason.",
		}, []string{"reason"}),
		samplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_samples_written_total",
			Help: "Raw samples persisted after change filtering.",
		}),
		samplesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_samples_suppressed_total",
			Help: "Samples not persisted because the value did not change.",
		}),
		samplesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_samples_skipped_total",
			Help: "Tag values that were neither numeric nor boolean.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_sample_write_errors_total",
			Help: "Identity resolution or sample writes that failed in storage.",
		}),
		observerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_observer_errors_total",
			Help: "Fan-out observers that returned an error or panicked.",
		}),
		transportDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagstream_transport_dropped_total",
			Help: "Inbound messages dropped because the work queue was full.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagstream_commands_sent_total",
			Help: "Outbound device commands, by result (ok, error).",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagstream_job_duration_seconds",
			Help:    "Duration of scheduled job ticks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagstream_job_failures_total",
			Help: "Scheduled job ticks that failed.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.messagesRejected,
		m.samplesWritten,
		m.samplesSuppressed,
		m.samplesSkipped,
		m.writeErrors,
		m.observerErrors,
		m.transportDropped,
		m.commandsSent,
		m.jobDuration,
		m.jobFailures,
	)
	return m
}

func (m *Metrics) MessageReceived(source string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SampleWritten() {
	if m == nil {
		return
	}
	m.samplesWritten.Inc()
}

func (m *Metrics) SampleSuppressed() {
	if m == nil {
		return
	}
	m.samplesSuppressed.Inc()
}

func (m *Metrics) SamplesSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.samplesSkipped.Add(float64(n))
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

// ObserverError matches the notifier's onError hook.
func (m *Metrics) ObserverError(error) {
	if m == nil {
		return
	}
	m.observerErrors.Inc()
}

func (m *Metrics) TransportDropped() {
	if m == nil {
		return
	}
	m.transportDropped.Inc()
}

func (m *Metrics) CommandSent(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandsSent.WithLabelValues(result).Inc()
}

// ObserveTick is a scheduler.Listener.
func (m *Metrics) ObserveTick(o scheduler.Outcome) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(o.Task).Observe(o.Duration.Seconds())
	if o.Err != nil {
		m.jobFailures.WithLabelValues(o.Task).Inc()
	}
}
