// Package metrics exposes the broker's Prometheus instrumentation. One
// Metrics value is created at startup and handed to the engine and the
// transports; nothing registers against the global default registry so tests
// can build isolated instances.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iggy"

// Metrics holds every instrument the broker records.
type Metrics struct {
	registry *prometheus.Registry
	log      *slog.Logger

	// Engine.
	MessagesAppended prometheus.Counter
	MessagesPolled   prometheus.Counter
	BytesAppended    prometheus.Counter
	BytesPolled      prometheus.Counter
	Flushes          *prometheus.CounterVec // label: fsync
	SegmentsDropped  prometheus.Counter
	Errors           *prometheus.CounterVec // label: code

	// Transports.
	HTTPRequestDuration *prometheus.HistogramVec // labels: method, route, status
	TCPConnections      prometheus.Gauge
	TCPCommands         *prometheus.CounterVec // label: command
}

// New builds a Metrics value with its own registry, including the Go runtime
// and process collectors.
func New(log *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		log:      log,

		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably accepted by the engine.",
		}),
		MessagesPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_polled_total",
			Help:      "Messages returned to pollers.",
		}),
		BytesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_appended_total",
			Help:      "Payload bytes accepted by the engine.",
		}),
		BytesPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_polled_total",
			Help:      "Payload bytes returned to pollers.",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Partition flushes, split by durability.",
		}, []string{"fsync"}),
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Segments removed by retention.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Engine errors by wire code.",
		}, []string{"code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP gateway request latency.",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"}),
		TCPConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections",
			Help:      "Open binary protocol connections.",
		}),
		TCPCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "commands_total",
			Help:      "Binary protocol commands processed.",
		}, []string{"command"}),
	}

	registry.MustRegister(
		m.MessagesAppended,
		m.MessagesPolled,
		m.BytesAppended,
		m.BytesPolled,
		m.Flushes,
		m.SegmentsDropped,
		m.Errors,
		m.HTTPRequestDuration,
		m.TCPConnections,
		m.TCPCommands,
	)
	return m
}

// Handler serves the /metrics endpoint from this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{log: m.log},
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type promLogger struct {
	log *slog.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.log.Error("metrics handler error", "error", v)
}
