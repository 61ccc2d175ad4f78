// Package metric manages Prometheus metrics for the CounterStream
// subsystem: core platform metrics plus per-component registration for the
// stream, export and gateway layers.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Stream metrics
	StreamsOpen      *prometheus.GaugeVec
	StreamState      *prometheus.GaugeVec
	RecordsDelivered *prometheus.CounterVec
	BytesDelivered   *prometheus.CounterVec
	ReadDuration     *prometheus.HistogramVec

	// Ring metrics
	BufferOverflows *prometheus.CounterVec
	ReportsLost     *prometheus.CounterVec
	TailGapEvents   *prometheus.CounterVec

	// Hardware metrics
	HardwareTimeouts *prometheus.CounterVec
	ConfigLoads      *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StreamsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "counterstream",
				Subsystem: "stream",
				Name:      "open",
				Help:      "Number of currently open streams",
			},
			[]string{"group"},
		),

		StreamState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "counterstream",
				Subsystem: "stream",
				Name:      "state",
				Help:      "Stream state (0=closed, 1=opening, 2=disabled, 3=enabled)",
			},
			[]string{"group"},
		),

		RecordsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "stream",
				Name:      "records_delivered_total",
				Help:      "Counter records delivered to consumers",
			},
			[]string{"group"},
		),

		BytesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "stream",
				Name:      "bytes_delivered_total",
				Help:      "Bytes delivered to consumers, including status records",
			},
			[]string{"group"},
		),

		ReadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "counterstream",
				Subsystem: "stream",
				Name:      "read_duration_seconds",
				Help:      "Duration of read calls that delivered data",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"group"},
		),

		BufferOverflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "ring",
				Name:      "overflows_total",
				Help:      "Ring overflows (hardware outran the consumer)",
			},
			[]string{"group"},
		),

		ReportsLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "ring",
				Name:      "reports_lost_total",
				Help:      "Reports dropped by the hardware before reaching the ring",
			},
			[]string{"group"},
		),

		TailGapEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "ring",
				Name:      "tail_gap_events_total",
				Help:      "Tail checks where unlanded data exceeded one record",
			},
			[]string{"group"},
		),

		HardwareTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "hw",
				Name:      "timeouts_total",
				Help:      "Hardware acknowledgment timeouts",
			},
			[]string{"group", "operation"},
		),

		ConfigLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "counterstream",
				Subsystem: "config",
				Name:      "loads_total",
				Help:      "Metric set programs submitted to the hardware",
			},
			[]string{"group", "path"},
		),
	}
}

// collectors returns every core metric for registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StreamsOpen,
		m.StreamState,
		m.RecordsDelivered,
		m.BytesDelivered,
		m.ReadDuration,
		m.BufferOverflows,
		m.ReportsLost,
		m.TailGapEvents,
		m.HardwareTimeouts,
		m.ConfigLoads,
	}
}
