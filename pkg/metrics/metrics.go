// Package metrics holds the forwarder's Prometheus collectors.
//
// Collectors are registered on the registerer passed to New so tests and
// embedders can keep their own registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
)

const namespace = "s3logfwd"

var objectBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900}

// Metrics groups the collectors.
type Metrics struct {
	events           *prometheus.CounterVec
	sent             *prometheus.CounterVec
	objects          *prometheus.CounterVec
	objectDuration   prometheus.Histogram
	bulkFailures     *prometheus.CounterVec
	bulkRetries      prometheus.Counter
	continuations    prometheus.Counter
	notificationsBad prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "candidate events by outcome",
		}, []string{"outcome"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_sent_total",
			Help:      "documents accepted by an output",
		}, []string{"output"}),
		objects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_total",
			Help:      "objects read by result",
		}, []string{"result"}),
		objectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "object_seconds",
			Help:      "the time spent reading one object",
			Buckets:   objectBuckets,
		}),
		bulkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_failures_total",
			Help:      "bulk items rejected by the backend",
		}, []string{"reason"}),
		bulkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_retries_total",
			Help:      "the total number of times a bulk request was retried",
		}),
		continuations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuations_total",
			Help:      "continuation messages sent near the deadline",
		}),
		notificationsBad: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "notifications reported as batch item failures",
		}),
	}
}

// ObserveObject records the outcome of reading one object.
func (m *Metrics) ObserveObject(stats pipeline.Stats, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues("emitted").Add(float64(stats.Emitted))
	m.events.WithLabelValues("skipped").Add(float64(stats.Skipped))
	m.events.WithLabelValues("filtered").Add(float64(stats.Filtered))
	m.events.WithLabelValues("empty").Add(float64(stats.Empty))
	m.objectDuration.Observe(elapsed.Seconds())
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.objects.WithLabelValues(result).Inc()
}

// Sent counts documents accepted by output.
func (m *Metrics) Sent(output string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sent.WithLabelValues(output).Add(float64(n))
}

// BulkFailure counts rejected bulk items by reason.
func (m *Metrics) BulkFailure(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bulkFailures.WithLabelValues(reason).Add(float64(n))
}

// BulkRetry counts one retried bulk request.
func (m *Metrics) BulkRetry() {
	if m == nil {
		return
	}
	m.bulkRetries.Inc()
}

// Continuation counts continuation messages.
func (m *Metrics) Continuation(n int) {
	if m == nil {
		return
	}
	m.continuations.Add(float64(n))
}

// NotificationFailed counts one failed notification.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationsBad.Inc()
}
