package msgqueue

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts queue traffic by queue name. A nil *Metrics is a no-op.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	discarded *prometheus.CounterVec
	depth     *prometheus.GaugeVec
}

func newCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Subsystem: "queue",
		Name:      name,
		Help:      help,
	}, []string{"queue"})
}

// NewMetrics registers queue metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued:  newCounter("enqueued_total", "Messages accepted into a plugin queue."),
		dropped:   newCounter("dropped_total", "Messages dropped because a plugin queue was full."),
		delivered: newCounter("delivered_total", "Messages delivered successfully."),
		failed:    newCounter("failed_total", "Messages whose delivery returned an error or panicked."),
		discarded: newCounter("discarded_total", "Buffered messages discarded when a drain timed out."),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pluginhost",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages buffered across all plugin queues of a name.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.enqueued, m.dropped, m.delivered, m.failed, m.discarded, m.depth)
	return m
}

type event int

const (
	evEnqueued event = iota
	evDropped
	evDelivered
	evFailed
	evDiscarded
)

func (m *Metrics) count(ev event, queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	vecs := [...]*prometheus.CounterVec{m.enqueued, m.dropped, m.delivered, m.failed, m.discarded}
	vecs[ev].WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) addDepth(queue string, delta int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue).Add(float64(delta))
}
