// Package metrics defines the Prometheus instrumentation surfaced
// alongside the core: device health per PLC, poll duration, command
// queue depth, and alarm transitions.
//
// Grounded on internal/escrow/metrics.go's
// promauto.New*Vec/Metrics-struct shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the core registers.
type Metrics struct {
	DeviceConnected      *prometheus.GaugeVec
	DeviceConsecutiveErr *prometheus.GaugeVec

	PollDuration *prometheus.HistogramVec
	PollErrors   *prometheus.CounterVec

	CommandQueueDepth *prometheus.GaugeVec
	CommandTotal      *prometheus.CounterVec

	AlarmTransitions *prometheus.CounterVec
}

// New constructs and registers every collector.
func New() *Metrics {
	return &Metrics{
		DeviceConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scada_device_connected",
				Help: "Whether the Device Service currently holds a live connection to a PLC (1) or not (0)",
			},
			[]string{"plc"},
		),
		DeviceConsecutiveErr: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scada_device_consecutive_errors",
				Help: "Consecutive connect/request failures for a PLC",
			},
			[]string{"plc"},
		),

		PollDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scada_poll_duration_seconds",
				Help:    "Duration of one poll tick for a PLC",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plc"},
		),
		PollErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_poll_errors_total",
				Help: "Block reads that failed during a poll tick",
			},
			[]string{"plc"},
		),

		CommandQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scada_command_queue_depth",
				Help: "Number of commands queued for a PLC's executor worker",
			},
			[]string{"plc"},
		),
		CommandTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_command_total",
				Help: "Total commands by terminal status",
			},
			[]string{"plc", "status"},
		),

		AlarmTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scada_alarm_transitions_total",
				Help: "Alarm occurrence state transitions",
			},
			[]string{"source", "state"},
		),
	}
}

// RecordDeviceHealth updates the per-PLC device gauges, called by
// cmd/gateway's periodic reporter from the current device.Health
// snapshot.
func (m *Metrics) RecordDeviceHealth(plc string, connected bool, consecutiveFailures int) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.DeviceConnected.WithLabelValues(plc).Set(v)
	m.DeviceConsecutiveErr.WithLabelValues(plc).Set(float64(consecutiveFailures))
}

// RecordPoll records one tick's duration and error count.
func (m *Metrics) RecordPoll(plc string, durationSeconds float64, blockErrors int) {
	m.PollDuration.WithLabelValues(plc).Observe(durationSeconds)
	if blockErrors > 0 {
		m.PollErrors.WithLabelValues(plc).Add(float64(blockErrors))
	}
}

// RecordCommandTerminal records a command reaching a terminal status.
func (m *Metrics) RecordCommandTerminal(plc, status string) {
	m.CommandTotal.WithLabelValues(plc, status).Inc()
}

// RecordAlarmTransition records one alarm occurrence's state change.
func (m *Metrics) RecordAlarmTransition(source, state string) {
	m.AlarmTransitions.WithLabelValues(source, state).Inc()
}
