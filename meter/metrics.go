package meter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics holds one run's counters for a node-exporter textfile
// collector. The registry is private so repeated runs in one process (and
// tests) never collide with globally registered collectors.
type RunMetrics struct {
	registry *prometheus.Registry

	LogfilesProcessed prometheus.Counter
	LogfilesErrored   prometheus.Counter
	RecordsFound      prometheus.Counter
	RecordsSubmitted  prometheus.Counter
	RecordsAlternate  prometheus.Counter
	RecordsIgnored    prometheus.Counter
	RecordsStale      prometheus.Counter
	SendFailures      prometheus.Counter
	RunDuration       prometheus.Gauge
}

func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{registry: prometheus.NewRegistry()}
	m.LogfilesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_logfiles_processed_total",
		Help: "History sources scanned to completion.",
	})
	m.LogfilesErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_logfiles_errored_total",
		Help: "History sources that failed or were quarantined.",
	})
	m.RecordsFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_records_found_total",
		Help: "Record blocks found across all sources.",
	})
	m.RecordsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_records_submitted_total",
		Help: "Records the collector accepted (duplicates included).",
	})
	m.RecordsAlternate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_records_alternate_total",
		Help: "Records rerouted to an alternate destination.",
	})
	m.RecordsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_records_ignored_total",
		Help: "Records intentionally filtered, such as workflow monitor jobs.",
	})
	m.RecordsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_records_stale_dropped_total",
		Help: "Records dropped for being older than the retention horizon.",
	})
	m.SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "condor_meter_send_failures_total",
		Help: "Submissions the collector failed or refused.",
	})
	m.RunDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "condor_meter_run_duration_seconds",
		Help: "Wall-clock duration of the last run.",
	})
	m.registry.MustRegister(
		m.LogfilesProcessed, m.LogfilesErrored,
		m.RecordsFound, m.RecordsSubmitted, m.RecordsAlternate,
		m.RecordsIgnored, m.RecordsStale, m.SendFailures,
		m.RunDuration,
	)
	return m
}

// WriteTextfile writes the registry in exposition format. The library
// writes to a temp file and renames, so a scrape never sees a torn file.
func (m *RunMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
