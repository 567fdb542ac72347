package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_trace/internal/health"
)

var (
	AttachmentsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbortrace_attachments_dispatched_total",
			Help: "Total number of attachments fanned out to transmitters.",
		},
	)

	EnqueueFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_enqueue_failures_total",
			Help: "Total number of transmitter Enqueue failures by transmitter.",
		},
		[]string{"transmitter"},
	)

	BufferDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_buffer_drops_total",
			Help: "Total number of attachments dropped because a buffer was full.",
		},
		[]string{"buffer"},
	)

	BufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbortrace_buffer_depth",
			Help: "Number of attachments waiting in a buffer.",
		},
		[]string{"buffer"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_uploads_total",
			Help: "Total number of record uploads by sender and status.",
		},
		[]string{"sender", "status"}, // status: ok, failed
	)

	UploadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbortrace_upload_latency_seconds",
			Help:    "Upload latency by sender.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sender"},
	)

	StoreFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_store_failures_total",
			Help: "Total number of store adapter failures by store and reason.",
		},
		[]string{"store", "reason"}, // e.g. http_5xx, timeout, network, other
	)

	SuppressedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_suppressed_errors_total",
			Help: "Total number of upload errors not logged because of rate limiting.",
		},
		[]string{"sender"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_dead_letters_total",
			Help: "Total number of failed records handed to a dead-letter sink.",
		},
		[]string{"sender"},
	)

	JobIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_job_iterations_total",
			Help: "Total number of recurring job iterations by kind.",
		},
		[]string{"kind"},
	)

	JobFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbortrace_job_failures_total",
			Help: "Total number of recurring jobs stopped by an action error, by kind.",
		},
		[]string{"kind"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		AttachmentsDispatchedTotal,
		EnqueueFailuresTotal,
		BufferDropsTotal,
		BufferDepth,
		UploadsTotal,
		UploadLatency,
		StoreFailuresTotal,
		SuppressedErrorsTotal,
		DeadLettersTotal,
		JobIterationsTotal,
		JobFailuresTotal,
	)
}

// MustRegisterHealth exposes the registry's last-alive timestamps.
func MustRegisterHealth(reg *prometheus.Registry, hr *health.Registry) {
	reg.MustRegister(NewHealthCollector(hr))
}

func RecordDispatched() {
	AttachmentsDispatchedTotal.Inc()
}

func RecordEnqueueFailure(transmitter string) {
	EnqueueFailuresTotal.WithLabelValues(transmitter).Inc()
}

func RecordBufferDrop(buffer string) {
	BufferDropsTotal.WithLabelValues(buffer).Inc()
}

func SetBufferDepth(buffer string, depth int) {
	BufferDepth.WithLabelValues(buffer).Set(float64(depth))
}

func RecordUpload(sender string, ok bool, latency time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	UploadsTotal.WithLabelValues(sender, status).Inc()
	UploadLatency.WithLabelValues(sender).Observe(latency.Seconds())
}

func RecordStoreFailure(store, reason string) {
	StoreFailuresTotal.WithLabelValues(store, reason).Inc()
}

func RecordSuppressedError(sender string) {
	SuppressedErrorsTotal.WithLabelValues(sender).Inc()
}

func RecordDeadLetter(sender string) {
	DeadLettersTotal.WithLabelValues(sender).Inc()
}

func RecordJobIteration(kind string) {
	JobIterationsTotal.WithLabelValues(kind).Inc()
}

func RecordJobFailure(kind string) {
	JobFailuresTotal.WithLabelValues(kind).Inc()
}
