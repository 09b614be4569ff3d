// Package metrics provides Prometheus metrics for the fieldbus master.
package metrics

import (
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ecmaster"

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	CycleTime     prometheus.Gauge
	WKCErrors     prometheus.Counter
	FramesLost    prometheus.Counter

	// Ring metrics
	ConnectionState   prometheus.Gauge
	SlavesConfigured  prometheus.Gauge
	SlavesOperational prometheus.Gauge
	SlaveErrors       *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ReactionsFired    *prometheus.CounterVec

	// Acyclic metrics
	SDOOperations *prometheus.CounterVec
	Emergencies   *prometheus.CounterVec

	// Distributed clock metrics
	DCDrift       *prometheus.GaugeVec
	DCCorrections prometheus.Counter

	// Tag export metrics
	TagsPublished     prometheus.Counter
	TagsFailed        prometheus.Counter
	MQTTReconnects    prometheus.Counter
	TagServerCommands *prometheus.CounterVec
	TagServerClients  prometheus.Gauge

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered on
// reg. A nil reg registers on the default registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	r := &Registry{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Total number of cyclic exchanges by outcome",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of one cyclic exchange",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		}),
		CycleTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "current_seconds",
			Help:      "Current adaptive cycle time",
		}),
		WKCErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "wkc_errors_total",
			Help:      "Total number of working counter mismatches",
		}),
		FramesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "frames_lost_total",
			Help:      "Total number of cyclic frames that did not return",
		}),

		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error)",
		}),
		SlavesConfigured: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "slaves_configured",
			Help:      "Number of configured devices",
		}),
		SlavesOperational: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "slaves_operational",
			Help:      "Number of devices in OP",
		}),
		SlaveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "slave_errors_total",
			Help:      "Total device errors by code",
		}, []string{"slave", "code"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts by outcome",
		}, []string{"status"}),
		ReactionsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitoring",
			Name:      "reactions_fired_total",
			Help:      "Total auto-reactions fired by event",
		}, []string{"event"}),

		SDOOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sdo",
			Name:      "operations_total",
			Help:      "Total SDO transfers by direction and outcome",
		}, []string{"direction", "status"}),
		Emergencies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "emergencies_total",
			Help:      "Total emergency messages received",
		}, []string{"slave"}),

		DCDrift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dc",
			Name:      "drift_nanoseconds",
			Help:      "Last measured clock difference to the reference",
		}, []string{"slave"}),
		DCCorrections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dc",
			Name:      "corrections_total",
			Help:      "Total drift corrections applied",
		}),

		TagsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		TagsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnections",
		}),
		TagServerCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tagserver",
			Name:      "commands_total",
			Help:      "Total number of tag server commands by command and status",
		}, []string{"command", "status"}),
		TagServerClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tagserver",
			Name:      "clients",
			Help:      "Number of connected tag server clients",
		}),

		GoroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of running goroutines",
		}),
		MemoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_bytes",
			Help:      "Heap memory in use",
		}),
	}

	return r
}

// RecordCycle records the outcome of one cyclic exchange.
func (r *Registry) RecordCycle(success bool, seconds float64, wkcMismatch, frameLost bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.CyclesTotal.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(seconds)
	if wkcMismatch {
		r.WKCErrors.Inc()
	}
	if frameLost {
		r.FramesLost.Inc()
	}
}

// SetCycleTime updates the adaptive cycle time gauge.
func (r *Registry) SetCycleTime(seconds float64) {
	r.CycleTime.Set(seconds)
}

// SetConnectionState updates the connection state gauge.
func (r *Registry) SetConnectionState(value float64) {
	r.ConnectionState.Set(value)
}

// UpdateSlaveCount updates the device count gauges.
func (r *Registry) UpdateSlaveCount(configured, operational int) {
	r.SlavesConfigured.Set(float64(configured))
	r.SlavesOperational.Set(float64(operational))
}

// RecordSlaveError records a device error by code.
func (r *Registry) RecordSlaveError(slave uint16, code string) {
	r.SlaveErrors.WithLabelValues(strconv.Itoa(int(slave)), code).Inc()
}

// RecordReconnect records one reconnection attempt.
func (r *Registry) RecordReconnect(success bool) {
	if success {
		r.Reconnects.WithLabelValues("success").Inc()
		return
	}
	r.Reconnects.WithLabelValues("error").Inc()
}

// RecordReaction records a fired auto-reaction.
func (r *Registry) RecordReaction(event string) {
	r.ReactionsFired.WithLabelValues(event).Inc()
}

// RecordSDO records one SDO transfer.
func (r *Registry) RecordSDO(write, success bool) {
	direction := "upload"
	if write {
		direction = "download"
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.SDOOperations.WithLabelValues(direction, status).Inc()
}

// RecordEmergency records an emergency message from a device.
func (r *Registry) RecordEmergency(slave uint16) {
	r.Emergencies.WithLabelValues(strconv.Itoa(int(slave))).Inc()
}

// RecordDCCorrection records a drift measurement and its correction.
func (r *Registry) RecordDCCorrection(slave uint16, differenceNs int64) {
	r.DCDrift.WithLabelValues(strconv.Itoa(int(slave))).Set(float64(differenceNs))
	r.DCCorrections.Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.TagsPublished.Inc()
	} else {
		r.TagsFailed.Inc()
	}
}

// RecordTagCommand records one tag server command.
func (r *Registry) RecordTagCommand(command string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.TagServerCommands.WithLabelValues(command, status).Inc()
}

// SetTagClients updates the connected tag server client gauge.
func (r *Registry) SetTagClients(n int) {
	r.TagServerClients.Set(float64(n))
}

// UpdateSystemMetrics samples goroutine count and heap usage.
func (r *Registry) UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	r.MemoryUsage.Set(float64(ms.HeapAlloc))
}
