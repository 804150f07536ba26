package monitor

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes monitor snapshots as Prometheus metrics
type Collector struct {
	monitor *Monitor

	jobs        *prometheus.Desc
	retried     *prometheus.Desc
	avgDuration *prometheus.Desc
	successRate *prometheus.Desc
}

func NewCollector(m *Monitor, namespace string) *Collector {
	return &Collector{
		monitor: m,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "jobs", "processed_total"),
			"Job attempts processed, by outcome.",
			[]string{"outcome"}, nil,
		),
		retried: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "jobs", "retried_total"),
			"Job redeliveries scheduled after a retryable failure.",
			nil, nil,
		),
		avgDuration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "jobs", "average_duration_ms"),
			"Mean job attempt duration in milliseconds.",
			nil, nil,
		),
		successRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "jobs", "success_rate_percent"),
			"Successful job attempts as a percentage of all attempts.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.retried
	ch <- c.avgDuration
	ch <- c.successRate
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.monitor.Stats()

	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(stats.SuccessfulJobs), "success")
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.CounterValue, float64(stats.FailedJobs), "failure")
	ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(stats.RetriedJobs))
	ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, stats.AverageDurationMs)
	ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, stats.SuccessRate())
}
