package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lowhung/buswatch/core/emit"
)

// sendBuckets span a local file write up to a sink hitting its send timeout.
var sendBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

type timer struct {
	obs   prometheus.Observer
	start time.Time
}

func newTimer(obs prometheus.Observer) emit.Timer {
	return &timer{obs: obs, start: time.Now()}
}

func (t *timer) ObserveDuration() { t.obs.Observe(time.Since(t.start).Seconds()) }

// emitterMetrics implements emit.EmitterMetrics using Prometheus.
type emitterMetrics struct {
	ticks            prometheus.Counter
	tickDuration     prometheus.Histogram
	modulesCollected prometheus.Gauge
	sendDuration     *prometheus.HistogramVec
	sendsTotal       *prometheus.CounterVec
	skippedTotal     *prometheus.CounterVec
}

// NewEmitterMetrics creates a new Prometheus implementation of EmitterMetrics.
func NewEmitterMetrics(reg prometheus.Registerer) emit.EmitterMetrics {
	m := &emitterMetrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buswatch_emitter_ticks_total",
			Help: "Total number of emission ticks",
		}),

		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buswatch_emitter_tick_duration_seconds",
			Help:    "Time to collect and dispatch one snapshot in seconds",
			Buckets: sendBuckets,
		}),

		modulesCollected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buswatch_emitter_modules_collected",
			Help: "Number of modules in the last collected snapshot",
		}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buswatch_emitter_sink_send_duration_seconds",
			Help:    "Sink send time in seconds",
			Buckets: sendBuckets,
		}, []string{"sink"}),

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buswatch_emitter_sink_sends_total",
			Help: "Total number of completed sink sends",
		}, []string{"sink", "success"}),

		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buswatch_emitter_sink_skipped_total",
			Help: "Total number of sends skipped because the sink was still busy",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.ticks,
		m.tickDuration,
		m.modulesCollected,
		m.sendDuration,
		m.sendsTotal,
		m.skippedTotal,
	)

	return m
}

func (m *emitterMetrics) Ticks() emit.Counter { return m.ticks }

func (m *emitterMetrics) TickDuration() emit.Timer { return newTimer(m.tickDuration) }

func (m *emitterMetrics) ModulesCollected() emit.Gauge { return m.modulesCollected }

func (m *emitterMetrics) SendDuration(sink string) emit.Timer {
	return newTimer(m.sendDuration.WithLabelValues(sink))
}

func (m *emitterMetrics) SendCompleted(sink string, success bool) {
	m.sendsTotal.WithLabelValues(sink, strconv.FormatBool(success)).Inc()
}

func (m *emitterMetrics) SendSkipped(sink string) {
	m.skippedTotal.WithLabelValues(sink).Inc()
}

var _ emit.EmitterMetrics = (*emitterMetrics)(nil)
