package extension

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/pluginhost/internal/version"
)

// Metrics counts extension requests by outcome. A nil *Metrics is a no-op.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics registers extension metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginhost",
			Subsystem: "extension",
			Name:      "requests_total",
			Help:      "Plugin requests by extension, request name and outcome.",
		}, []string{"extension", "request", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pluginhost",
			Subsystem: "extension",
			Name:      "request_duration_seconds",
			Help:      "Plugin request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"extension", "request"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *Metrics) observe(ext, request string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(ext, request, outcome(err)).Inc()
	m.latency.WithLabelValues(ext, request).Observe(d.Seconds())
}

func outcome(err error) string {
	var (
		notOfType *PluginNotOfExtensionTypeError
		noHandler *NoHandlerRegisteredError
		failed    *PluginRequestFailedError
		notSup    *RequestNotSupportedError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, version.ErrUnsupported):
		return "unsupported_version"
	case errors.As(err, &notOfType):
		return "not_of_type"
	case errors.As(err, &noHandler):
		return "no_handler"
	case errors.As(err, &notSup):
		return "not_supported"
	case errors.As(err, &failed):
		return "plugin_error"
	default:
		return "transport_error"
	}
}
