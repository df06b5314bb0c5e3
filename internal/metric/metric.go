// Package metric holds the Prometheus instrumentation of the gateway. Every
// method is safe on a nil *Metrics so components can run uninstrumented.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mpower"

type Metrics struct {
	Connects          *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	Connected         *prometheus.GaugeVec
	TransportErrors   *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	ReadingsForwarded *prometheus.CounterVec
	Commands          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "attempts_total",
				Help:      "Connection attempts by result (success, auth_error, error)",
			},
			[]string{"device", "result"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "destroyed_total",
				Help:      "Transports destroyed by the health check, by reason",
			},
			[]string{"device", "reason"},
		),
		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "up",
				Help:      "1 when a live transport exists for the device",
			},
			[]string{"device"},
		),
		TransportErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "transport_errors",
				Help:      "Error counter of the current transport",
			},
			[]string{"device"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "updates",
				Name:      "queue_depth",
				Help:      "Outlet updates waiting for the consumer",
			},
			[]string{"device"},
		),
		ReadingsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "updates",
				Name:      "readings_forwarded_total",
				Help:      "Readings handed to the collaborator",
			},
			[]string{"device", "metric"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "total",
				Help:      "Commands handled by result (success, error)",
			},
			[]string{"device", "result"},
		),
	}
}

func (metrics *Metrics) Register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		metrics.Connects,
		metrics.Reconnects,
		metrics.Connected,
		metrics.TransportErrors,
		metrics.QueueDepth,
		metrics.ReadingsForwarded,
		metrics.Commands,
	} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry builds a registry holding the gateway metrics plus the Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, *Metrics, error) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return nil, nil, err
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, metrics, nil
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (metrics *Metrics) ObserveConnect(device string, result string) {
	if metrics == nil {
		return
	}
	metrics.Connects.WithLabelValues(device, result).Inc()
}

func (metrics *Metrics) ObserveDestroy(device string, reason string) {
	if metrics == nil {
		return
	}
	metrics.Reconnects.WithLabelValues(device, reason).Inc()
}

func (metrics *Metrics) SetConnected(device string, connected bool) {
	if metrics == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	metrics.Connected.WithLabelValues(device).Set(value)
}

func (metrics *Metrics) SetTransportErrors(device string, errors int64) {
	if metrics == nil {
		return
	}
	metrics.TransportErrors.WithLabelValues(device).Set(float64(errors))
}

func (metrics *Metrics) SetQueueDepth(device string, depth int) {
	if metrics == nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(device).Set(float64(depth))
}

func (metrics *Metrics) ObserveReading(device string, kind string) {
	if metrics == nil {
		return
	}
	metrics.ReadingsForwarded.WithLabelValues(device, kind).Inc()
}

func (metrics *Metrics) ObserveCommand(device string, err error) {
	if metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.Commands.WithLabelValues(device, result).Inc()
}

// DeleteDevice drops every series of a device that left the configuration.
func (metrics *Metrics) DeleteDevice(device string) {
	if metrics == nil {
		return
	}
	labels := prometheus.Labels{"device": device}
	metrics.Connects.DeletePartialMatch(labels)
	metrics.Reconnects.DeletePartialMatch(labels)
	metrics.Connected.DeletePartialMatch(labels)
	metrics.TransportErrors.DeletePartialMatch(labels)
	metrics.QueueDepth.DeletePartialMatch(labels)
	metrics.ReadingsForwarded.DeletePartialMatch(labels)
	metrics.Commands.DeletePartialMatch(labels)
}
