package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes a Collector as Prometheus metrics.
// Values are read from a Snapshot on every scrape, so the Collector stays
// the single source of truth.
type Exporter struct {
	collector *Collector

	loads         *prometheus.Desc
	frames        *prometheus.Desc
	bytesReceived *prometheus.Desc
	jobs          *prometheus.Desc
	jobsByType    *prometheus.Desc
	httpRequests  *prometheus.Desc
	decodes       *prometheus.Desc
	events        *prometheus.Desc
	archiveWrites *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter for c under namespace.
func NewExporter(namespace string, c *Collector) *Exporter {
	labels := prometheus.Labels{"storage_backend": c.storageBackend}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}
	return &Exporter{
		collector:     c,
		loads:         desc("loads_total", "Image loads by outcome", "outcome"),
		frames:        desc("frames_emitted_total", "Frames emitted by status", "status"),
		bytesReceived: desc("bytes_received_total", "Response bytes read from the network"),
		jobs:          desc("pool_jobs_total", "Pool jobs by transition", "transition"),
		jobsByType:    desc("pool_jobs_submitted_total", "Pool jobs submitted by request type", "request_type"),
		httpRequests:  desc("http_requests_total", "HTTP requests by kind", "kind"),
		decodes:       desc("decodes_total", "Post-emission decodes by result", "result"),
		events:        desc("events_total", "Bus events by result", "result"),
		archiveWrites: desc("archive_writes_total", "Archive writes by result", "result"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.loads, e.frames, e.bytesReceived, e.jobs, e.jobsByType,
		e.httpRequests, e.decodes, e.events, e.archiveWrites,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(e.loads, s.LoadsStarted, "started")
	counter(e.loads, s.LoadsCompleted, "completed")
	counter(e.loads, s.LoadsFailed, "failed")
	counter(e.loads, s.LoadsCancelled, "cancelled")
	counter(e.loads, s.LoadsDeduplicated, "deduplicated")

	for status, v := range s.FramesByStatus {
		counter(e.frames, v, status)
	}
	counter(e.bytesReceived, s.BytesReceived)

	counter(e.jobs, s.JobsSubmitted, "submitted")
	counter(e.jobs, s.JobsStarted, "started")
	counter(e.jobs, s.JobsCancelledPending, "cancelled_pending")
	counter(e.jobs, s.JobsAbortedRunning, "aborted_running")
	for rt, v := range s.JobsByRequestType {
		counter(e.jobsByType, v, rt)
	}

	counter(e.httpRequests, s.HTTPRequests, "all")
	counter(e.httpRequests, s.RangeRequests, "range")
	counter(e.httpRequests, s.HTTPFailures, "failed")

	counter(e.decodes, s.DecodeSuccess, "success")
	counter(e.decodes, s.DecodeFailure, "failure")

	counter(e.events, s.EventsPublished, "published")
	counter(e.events, s.EventsDropped, "dropped")

	counter(e.archiveWrites, s.ArchiveWriteSuccess, "success")
	counter(e.archiveWrites, s.ArchiveWriteFailure, "failure")
}

// Handler returns an HTTP handler serving the collector on a private
// registry, so exporters never collide with the global default registry.
func Handler(namespace string, c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewExporter(namespace, c)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
