// Package metrics exposes the loader's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProducerMetrics defines metrics operations needed by the rank that fills
// the queue.
type ProducerMetrics interface {
	IncItemsPushed()
}

// WorkerMetrics defines metrics operations needed by every rank that pulls
// and processes files.
type WorkerMetrics interface {
	IncFilesFailed()
	ObserveEvents(n int)
	TrackFile(f func() error) error
}

// LoaderMetrics is everything the loader records.
type LoaderMetrics interface {
	ProducerMetrics
	WorkerMetrics
}

// Metrics implements LoaderMetrics.
type Metrics struct {
	ItemsPushed     prometheus.Counter
	FilesProcessed  prometheus.Counter
	FilesFailed     prometheus.Counter
	EventsWritten   prometheus.Counter
	ActiveFiles     prometheus.Gauge
	FileProcessTime prometheus.Histogram
}

var _ LoaderMetrics = (*Metrics)(nil)

func (m *Metrics) IncItemsPushed()     { m.ItemsPushed.Inc() }
func (m *Metrics) IncFilesFailed()     { m.FilesFailed.Inc() }
func (m *Metrics) ObserveEvents(n int) { m.EventsWritten.Add(float64(n)) }

// TrackFile tracks the duration of a function and updates the metrics.
// Only successful calls count as processed.
func (m *Metrics) TrackFile(f func() error) error {
	m.ActiveFiles.Inc()
	defer m.ActiveFiles.Dec()

	start := time.Now()
	err := f()
	m.FileProcessTime.Observe(time.Since(start).Seconds())
	if err == nil {
		m.FilesProcessed.Inc()
	}
	return err
}

// New creates a new Metrics instance registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsPushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_pushed_total",
			Help:      "Total number of file names pushed into the work queue",
		}),
		FilesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Total number of files loaded successfully",
		}),
		FilesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_failed_total",
			Help:      "Total number of files that could not be loaded",
		}),
		EventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_written_total",
			Help:      "Total number of events written to the datastore",
		}),
		ActiveFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_files",
			Help:      "Number of files currently being processed",
		}),
		FileProcessTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_process_duration_seconds",
			Help:      "Time taken to load each file",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
