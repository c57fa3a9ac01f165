package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scenecast"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total side-channel HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Side-channel HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_dropped_total",
			Help:      "Buffers discarded by drop-oldest queues.",
		},
		[]string{"queue"},
	)
	nodeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processed_bytes_total",
			Help:      "Bytes moved by pipeline nodes.",
		},
		[]string{"node"},
	)
	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "entries",
			Help:      "Resident resources per cache.",
		},
		[]string{"cache"},
	)
	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "evictions_total",
			Help:      "Resources evicted after their idle lifetime.",
		},
		[]string{"cache"},
	)
	geometryChunks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "geometry",
			Name:      "chunk_bytes",
			Help:      "Geometry chunk sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"direction"},
	)
	geometryResources = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geometry",
			Name:      "resources_total",
			Help:      "Geometry resources encoded or decoded.",
		},
		[]string{"direction", "type"},
	)
	geometryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geometry",
			Name:      "decode_errors_total",
			Help:      "Geometry records rejected by the decoder.",
		},
		[]string{"type"},
	)
	sessionClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "clients",
			Help:      "Connected client sessions.",
		},
	)
	resourceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "resource_requests_total",
			Help:      "Resource ids requested by clients.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			queueDrops, nodeBytes,
			cacheEntries, cacheEvictions,
			geometryChunks, geometryResources, geometryErrors,
			sessionClients, resourceRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordQueueDrop(queue string) {
	RegisterMetrics()
	queueDrops.WithLabelValues(queue).Inc()
}

func RecordNodeBytes(node string, n int) {
	RegisterMetrics()
	nodeBytes.WithLabelValues(node).Add(float64(n))
}

func SetCacheEntries(cache string, n int) {
	RegisterMetrics()
	cacheEntries.WithLabelValues(cache).Set(float64(n))
}

func RecordCacheEviction(cache string) {
	RegisterMetrics()
	cacheEvictions.WithLabelValues(cache).Inc()
}

// RecordGeometryChunk observes one chunk; direction is "out" or "in".
func RecordGeometryChunk(direction string, size int) {
	RegisterMetrics()
	geometryChunks.WithLabelValues(direction).Observe(float64(size))
}

func RecordGeometryResource(direction, kind string) {
	RegisterMetrics()
	geometryResources.WithLabelValues(direction, kind).Inc()
}

func RecordGeometryError(kind string) {
	RegisterMetrics()
	geometryErrors.WithLabelValues(kind).Inc()
}

func SetSessionClients(n int) {
	RegisterMetrics()
	sessionClients.Set(float64(n))
}

// RecordResourceRequests counts requested ids; kind is "first" or "retry".
func RecordResourceRequests(kind string, n int) {
	RegisterMetrics()
	resourceRequests.WithLabelValues(kind).Add(float64(n))
}
