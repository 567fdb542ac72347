package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_trace/internal/health"
)

var jobLastAliveDesc = prometheus.NewDesc(
	"harbortrace_job_last_alive_timestamp_seconds",
	"Unix time a recurring job of this kind last reported alive.",
	[]string{"kind"}, nil,
)

// HealthCollector reads a health registry on every scrape. Kinds that never
// reported are not exported.
type HealthCollector struct {
	registry *health.Registry
}

func NewHealthCollector(hr *health.Registry) *HealthCollector {
	return &HealthCollector{registry: hr}
}

func (c *HealthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobLastAliveDesc
}

func (c *HealthCollector) Collect(ch chan<- prometheus.Metric) {
	report := c.registry.Report()
	for _, k := range report.Reported() {
		ts := report.LastAlive(k)
		ch <- prometheus.MustNewConstMetric(
			jobLastAliveDesc,
			prometheus.GaugeValue,
			float64(ts.UnixNano())/1e9,
			k.String(),
		)
	}
}
