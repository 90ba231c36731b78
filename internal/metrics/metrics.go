// Package metrics transforma os eventos do barramento em métricas Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sua-org/aibox-bus/internal/events"
)

const namespace = "aibox"

var connStates = []string{"disconnected", "connecting", "connected"}

type Metrics struct {
	registry *prometheus.Registry
	unsub    []func()

	live          *prometheus.GaugeVec
	pollFailures  *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	chunkBytes    prometheus.Counter
	chunkSeconds  prometheus.Histogram
	connState     *prometheus.GaugeVec
	alarms        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	statusChanges prometheus.Counter
	statusEntries prometheus.Gauge
}

// New cria um registry próprio (com collectors de processo e Go) e assina o bus.
func New(bus *events.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		live: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "live_resources",
			Help:      "Resources currently held by each fleet",
		}, []string{"fleet"}),
		pollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "poll_failures_total",
			Help:      "Membership polls that failed and kept the previous set",
		}, []string{"fleet"}),
		spawnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "spawn_failures_total",
			Help:      "Recording attempts that failed and backed off",
		}, []string{"camera_id"}),
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "chunks_total",
			Help:      "Finalized chunks by upload result",
		}, []string{"result"}),
		chunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "chunk_bytes_total",
			Help:      "Bytes of finalized chunks",
		}),
		chunkSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "chunk_duration_seconds",
			Help:      "Recorded duration of finalized chunks",
			Buckets:   []float64{5, 30, 60, 120, 300, 600},
		}),
		connState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alarms",
			Name:      "connection_state",
			Help:      "1 for the current state of each device connection",
		}, []string{"device_id", "state"}),
		alarms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarms",
			Name:      "received_total",
			Help:      "Alarms delivered by type",
		}, []string{"alarm_type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarms",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames skipped because they could not be handled",
		}, []string{"device_id"}),
		statusChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "changes_total",
			Help:      "Status entries that changed between ticks",
		}),
		statusEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "entries",
			Help:      "Entries in the merged status snapshot",
		}),
	}
	m.subscribe(bus)
	return m
}

func (m *Metrics) subscribe(bus *events.Bus) {
	m.unsub = append(m.unsub,
		events.Subscribe(bus, func(e events.ResourceStarted) { m.live.WithLabelValues(e.Fleet).Inc() }),
		events.Subscribe(bus, func(e events.ResourceStopped) {
			m.live.WithLabelValues(e.Fleet).Dec()
			if e.Fleet == events.FleetAlarms {
				for _, s := range connStates {
					m.connState.DeleteLabelValues(e.ID, s)
				}
			}
		}),
		events.Subscribe(bus, func(e events.PollFailed) { m.pollFailures.WithLabelValues(e.Fleet).Inc() }),
		events.Subscribe(bus, func(e events.SpawnFailed) { m.spawnFailures.WithLabelValues(e.CameraID).Inc() }),
		events.Subscribe(bus, func(e events.ChunkFinalized) {
			result := "uploaded"
			if !e.Uploaded {
				result = "failed"
			}
			m.chunks.WithLabelValues(result).Inc()
			m.chunkBytes.Add(float64(e.Size))
			m.chunkSeconds.Observe(e.Duration.Seconds())
		}),
		events.Subscribe(bus, func(e events.ConnectionState) {
			for _, s := range connStates {
				v := 0.0
				if s == e.State {
					v = 1
				}
				m.connState.WithLabelValues(e.DeviceID, s).Set(v)
			}
		}),
		events.Subscribe(bus, func(e events.AlarmReceived) { m.alarms.WithLabelValues(e.AlarmType).Inc() }),
		events.Subscribe(bus, func(e events.MessageDropped) { m.dropped.WithLabelValues(e.DeviceID).Inc() }),
		events.Subscribe(bus, func(e events.StatusChanged) {
			m.statusChanges.Add(float64(e.Changed))
			m.statusEntries.Set(float64(e.Total))
		}),
	)
}

// Handler expõe o registry no formato Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Close cancela as assinaturas do bus.
func (m *Metrics) Close() {
	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil
}
