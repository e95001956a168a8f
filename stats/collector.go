package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector exports a Tracker as Prometheus metrics. Values are read from a
// snapshot at scrape time.
type Collector struct {
	tracker *Tracker

	counters map[string]*prometheus.Desc
	gauges   map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector for t. Metric names are prefixed with
// namespace ("jobqueue" when empty).
func NewCollector(t *Tracker, namespace string) *Collector {
	if namespace == "" {
		namespace = "jobqueue"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		tracker: t,
		counters: map[string]*prometheus.Desc{
			"enqueued":    desc("jobs_enqueued_total", "Jobs admitted to the queue."),
			"processed":   desc("jobs_processed_total", "Jobs that completed successfully."),
			"failed":      desc("jobs_failed_total", "Job executions that failed."),
			"retried":     desc("jobs_retried_total", "Failed jobs returned to the queue for retry."),
			"rescheduled": desc("jobs_rescheduled_total", "Recurring jobs rescheduled for their next run."),
			"replayed":    desc("jobs_replayed_total", "Dead-lettered jobs replayed."),
			"expired":     desc("jobs_expired_total", "Recurring jobs whose schedule ran out."),
			"reaped":      desc("jobs_reaped_total", "Claimed jobs requeued after their worker stopped heartbeating."),
		},
		gauges: map[string]*prometheus.Desc{
			"pending":     desc("jobs_pending", "Jobs waiting in the eligible pool."),
			"running":     desc("jobs_running", "Jobs currently claimed by workers."),
			"dead_letter": desc("jobs_dead_letter", "Jobs in the dead-letter pool."),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.gauges {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.tracker.Snapshot()

	counters := map[string]uint64{
		"enqueued":    s.TotalEnqueued,
		"processed":   s.TotalProcessed,
		"failed":      s.TotalFailed,
		"retried":     s.TotalRetried,
		"rescheduled": s.TotalRescheduled,
		"replayed":    s.TotalReplayed,
		"expired":     s.TotalExpired,
		"reaped":      s.TotalReaped,
	}
	for k, v := range counters {
		ch <- prometheus.MustNewConstMetric(c.counters[k], prometheus.CounterValue, float64(v))
	}

	gauges := map[string]uint64{
		"pending":     s.PendingCount,
		"running":     s.RunningCount,
		"dead_letter": s.DeadLetterCount,
	}
	for k, v := range gauges {
		ch <- prometheus.MustNewConstMetric(c.gauges[k], prometheus.GaugeValue, float64(v))
	}
}
