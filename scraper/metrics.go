package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	PagesScrapedTotal   prometheus.Counter
	ImagesFoundTotal    prometheus.Counter
	ImagesFilteredTotal *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total feed page requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for feed page requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pagesScraped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_pages_scraped_total",
			Help: "Total feed pages fetched successfully.",
		},
	)
	imagesFound := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_images_found_total",
			Help: "Total candidate images sent to the pipeline.",
		},
	)
	imagesFiltered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_images_filtered_total",
			Help: "Total candidate images dropped before download by reason.",
		},
		[]string{"reason"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(requests, requestDuration, pagesScraped, imagesFound, imagesFiltered, retries, errorsTotal)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		PagesScrapedTotal:   pagesScraped,
		ImagesFoundTotal:    imagesFound,
		ImagesFilteredTotal: imagesFiltered,
		RetriesTotal:        retries,
		ErrorsTotal:         errorsTotal,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncPages increments the pages scraped counter.
func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesScrapedTotal.Inc()
}

// IncImagesFound increments the candidate images counter.
func (m *Metrics) IncImagesFound() {
	if m == nil {
		return
	}
	m.ImagesFoundTotal.Inc()
}

// IncFiltered increments the filtered candidates counter for a reason label.
func (m *Metrics) IncFiltered(reason string) {
	if m == nil {
		return
	}
	m.ImagesFilteredTotal.WithLabelValues(reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
