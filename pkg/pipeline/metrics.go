package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
)

// Gallery results reported by the galleries counter
const (
	GalleryCompleted       = "completed"
	GalleryEmpty           = "empty"
	GalleryCapped          = "capped"
	GalleryDiscoveryFailed = "discovery_failed"
	GalleryInterrupted     = "interrupted"
)

// Metrics holds run metrics on a private registry so tests and repeated runs never collide
type Metrics struct {
	registry   *prometheus.Registry
	candidates *prometheus.CounterVec
	galleries  *prometheus.CounterVec
	archive    *prometheus.GaugeVec
	downloads  prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_archiver_candidates_total",
			Help: "Image candidates processed, by outcome.",
		}, []string{"outcome"}),
		galleries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gallery_archiver_galleries_total",
			Help: "Galleries visited, by result.",
		}, []string{"result"}),
		archive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gallery_archiver_archive_images",
			Help: "Images in the archive, by category (local) or theme (remote).",
		}, []string{"category"}),
		downloads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gallery_archiver_download_seconds",
			Help:    "Duration of successful image downloads.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	m.registry.MustRegister(m.candidates, m.galleries, m.archive, m.downloads)
	// Pre-create outcome series so a run with no candidates still exports zeros
	for _, o := range models.AllOutcomes {
		m.candidates.WithLabelValues(o.String())
	}
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeCandidate(o models.Outcome) {
	m.candidates.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeGallery(result string) {
	m.galleries.WithLabelValues(result).Inc()
}

func (m *Metrics) observeDownload(d time.Duration) {
	m.downloads.Observe(d.Seconds())
}

func (m *Metrics) setArchiveCounts(counts map[string]int) {
	for bucket, n := range counts {
		m.archive.WithLabelValues(bucket).Set(float64(n))
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
