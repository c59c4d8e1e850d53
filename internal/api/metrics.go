package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weather_forecaster/internal/artifact"
)

const metricsNamespace = "forecaster"

// Collector exposes Prometheus metrics for HTTP traffic, forecasts and the
// predictor cache on its own registry.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	forecastRows    *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// NewCollector registers the metrics. cacheStats, when non-nil, is sampled on
// every scrape.
func NewCollector(cacheStats func() artifact.CacheStats) (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		forecastRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forecast_rows_total",
			Help:      "Forecast rows served, by model.",
		}, []string{"model"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}

	collectors := []prometheus.Collector{c.requestDuration, c.requestTotal, c.forecastRows, c.rateLimited}
	if cacheStats != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "artifact_cache",
				Name:      "hits_total",
				Help:      "Predictor cache hits.",
			}, func() float64 { return float64(cacheStats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "artifact_cache",
				Name:      "misses_total",
				Help:      "Predictor cache misses.",
			}, func() float64 { return float64(cacheStats().Misses) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "artifact_cache",
				Name:      "entries",
				Help:      "Predictors currently cached.",
			}, func() float64 { return float64(cacheStats().Size) }),
		)
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds an extra collector to the registry.
func (c *Collector) Register(col prometheus.Collector) error {
	return c.registry.Register(col)
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveForecast counts the rows served for a model.
func (c *Collector) ObserveForecast(modelName string, rows int) {
	c.forecastRows.WithLabelValues(modelName).Add(float64(rows))
}

// InstrumentHandler wraps next to record HTTP metrics. Requests are labelled
// with the matched route pattern to keep cardinality bounded.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rw.status)
		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection over for WebSocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
