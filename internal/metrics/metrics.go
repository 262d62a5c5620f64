// Package metrics exposes controller counters and device gauges on a
// private Prometheus registry. All methods are safe on a nil *Metrics so
// components can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"aquarium/internal/device"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aquarium"

// Metrics holds every collector the controller reports.
type Metrics struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	telemetry     *prometheus.CounterVec
	autoTicks     *prometheus.CounterVec
	outboxDropped prometheus.Counter
	outboxErrors  *prometheus.CounterVec
	historyWrites *prometheus.CounterVec

	waterLevel  prometheus.Gauge
	temperature prometheus.Gauge
	rssi        prometheus.Gauge
	control     *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Accepted state transitions by key and source.",
		}, []string{"key", "source"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejections_total",
			Help:      "Writes not applied, by reason.",
		}, []string{"reason"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_messages_total",
			Help:      "Telemetry reports by outcome.",
		}, []string{"result"}),
		autoTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_ticks_total",
			Help:      "Auto-control loop ticks by outcome.",
		}, []string{"result"}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Outbound items discarded because the queue was full.",
		}),
		outboxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_errors_total",
			Help:      "Outbound items that failed to deliver, by kind.",
		}, []string{"kind"}),
		historyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Time-series writes by outcome.",
		}, []string{"result"}),
		waterLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "water_level_mm",
			Help:      "Last stored water level in millimetres.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last stored water temperature.",
		}),
		rssi: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wifi_rssi_dbm",
			Help:      "Controller WiFi signal strength.",
		}),
		control: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_state",
			Help:      "Logical value of each control key (1 = on).",
		}, []string{"key"}),
	}

	m.registry.MustRegister(
		m.commands, m.rejections, m.telemetry, m.autoTicks,
		m.outboxDropped, m.outboxErrors, m.historyWrites,
		m.waterLevel, m.temperature, m.rssi, m.control,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandApplied(key device.Key, source device.Source) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(key), string(source)).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Telemetry(result string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(result).Inc()
}

func (m *Metrics) AutoTick(result string) {
	if m == nil {
		return
	}
	m.autoTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxDropped() {
	if m == nil {
		return
	}
	m.outboxDropped.Inc()
}

func (m *Metrics) OutboxFailed(kind string) {
	if m == nil {
		return
	}
	m.outboxErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) HistoryWrite(result string) {
	if m == nil {
		return
	}
	m.historyWrites.WithLabelValues(result).Inc()
}

// ObserveState copies the device record into the gauges.
func (m *Metrics) ObserveState(s device.State) {
	if m == nil {
		return
	}
	m.waterLevel.Set(s.WaterLevel)
	m.temperature.Set(s.Temperature)
	m.rssi.Set(s.RSSI)
	m.control.WithLabelValues(string(device.KeyAutoMode)).Set(float64(s.AutoMode))
	m.control.WithLabelValues(string(device.KeyPump)).Set(float64(s.Pump))
	m.control.WithLabelValues(string(device.KeyLight)).Set(float64(s.Light))
}
