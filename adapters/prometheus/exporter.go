// Package prometheus exposes snapshots in the Prometheus text format and
// implements the emitter self-metrics on top of client_golang.
package prometheus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/lowhung/buswatch/core/analytics"
	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/sf"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultNamespace   = "buswatch"
	DefaultMetricsPath = "/metrics"
)

type ExporterConfig struct {
	// Namespace prefixes every metric name. Defaults to DefaultNamespace.
	Namespace string
	// BareNames drops the namespace prefix entirely.
	BareNames   bool
	MetricsPath string
	// Collector, when set, is asked for a fresh snapshot at scrape time if
	// the cached one is older than MaxAge. Concurrent scrapes share one
	// collection.
	Collector emit.Collector
	MaxAge    time.Duration
	// Registry receives the exporter. A private registry is created if nil.
	Registry *prometheus.Registry
	Log      *slog.Logger
}

// Exporter serves the latest snapshot as Prometheus metrics. It is also an
// emit.Sink, so a Scheduler can keep its cache current; scrapes never wait
// for a tick.
type Exporter struct {
	cfg   ExporterConfig
	reg   *prometheus.Registry
	log   *slog.Logger
	rates *analytics.RateTracker
	sf    *sf.Group[snapshot.Snapshot]

	readCount, writeCount     *prometheus.Desc
	readBacklog               *prometheus.Desc
	readPending, writePending *prometheus.Desc
	readRate, writeRate       *prometheus.Desc
	timestamp                 *prometheus.Desc

	mu      sync.RWMutex
	current *snapshot.Snapshot
	updated time.Time

	srvMu sync.Mutex
	srv   *http.Server
}

func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.BareNames {
		cfg.Namespace = ""
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	labels := []string{"module", "topic"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(cfg.Namespace, "", name), help, labels, nil)
	}
	e := &Exporter{
		cfg:   cfg,
		reg:   cfg.Registry,
		log:   cfg.Log.With(slog.String("component", "prometheus-exporter")),
		rates: analytics.NewRateTracker(),
		sf:    sf.New[snapshot.Snapshot](),

		readCount:    desc("read_count", "Messages read per module and topic", labels),
		writeCount:   desc("write_count", "Messages written per module and topic", labels),
		readBacklog:  desc("read_backlog", "Unread messages per module and topic", labels),
		readPending:  desc("read_pending_seconds", "Time a read has been waiting in seconds", labels),
		writePending: desc("write_pending_seconds", "Time a write has been waiting in seconds", labels),
		readRate:     desc("read_rate_per_second", "Read rate in messages per second", labels),
		writeRate:    desc("write_rate_per_second", "Write rate in messages per second", labels),
		timestamp:    desc("snapshot_timestamp_seconds", "Unix time of the exported snapshot", nil),
	}
	e.reg.MustRegister(e)
	return e
}

func (e *Exporter) Registry() *prometheus.Registry { return e.reg }

// Name implements emit.Sink.
func (e *Exporter) Name() string { return "prometheus" }

// Send implements emit.Sink by replacing the cached snapshot.
func (e *Exporter) Send(_ context.Context, s snapshot.Snapshot) error {
	e.store(s)
	return nil
}

// Update replaces the cached snapshot.
func (e *Exporter) Update(s snapshot.Snapshot) { e.store(s) }

// store caches s unless a newer snapshot is already cached, so a late tick
// cannot move counters backwards after a scrape re-collected.
func (e *Exporter) store(s snapshot.Snapshot) snapshot.Snapshot {
	annotated := e.rates.Annotate(s)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && s.TimestampMs < e.current.TimestampMs {
		return *e.current
	}
	e.current = &annotated
	e.updated = time.Now()
	return annotated
}

func (e *Exporter) snapshot() (snapshot.Snapshot, bool) {
	e.mu.RLock()
	cur, updated := e.current, e.updated
	e.mu.RUnlock()

	fresh := cur != nil && (e.cfg.MaxAge <= 0 || time.Since(updated) <= e.cfg.MaxAge)
	if e.cfg.Collector == nil || fresh {
		if cur == nil {
			return snapshot.Snapshot{}, false
		}
		return *cur, true
	}

	s, _, err := e.sf.Do("collect", func() (snapshot.Snapshot, error) {
		return e.store(e.cfg.Collector.Collect()), nil
	})
	return s, err == nil
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.readCount, e.writeCount, e.readBacklog,
		e.readPending, e.writePending, e.readRate, e.writeRate, e.timestamp,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s, ok := e.snapshot()
	if !ok {
		return
	}
	e.send(ch, e.timestamp, prometheus.GaugeValue, float64(s.TimestampMs)/1000)

	for module, m := range s.Modules {
		for topic, r := range m.Reads {
			e.send(ch, e.readCount, prometheus.CounterValue, float64(r.Count), module, topic)
			if r.Backlog != nil {
				e.send(ch, e.readBacklog, prometheus.GaugeValue, float64(*r.Backlog), module, topic)
			}
			if r.Pending != nil {
				e.send(ch, e.readPending, prometheus.GaugeValue, r.Pending.Duration().Seconds(), module, topic)
			}
			if r.Rate != nil {
				e.send(ch, e.readRate, prometheus.GaugeValue, *r.Rate, module, topic)
			}
		}
		for topic, w := range m.Writes {
			e.send(ch, e.writeCount, prometheus.CounterValue, float64(w.Count), module, topic)
			if w.Pending != nil {
				e.send(ch, e.writePending, prometheus.GaugeValue, w.Pending.Duration().Seconds(), module, topic)
			}
			if w.Rate != nil {
				e.send(ch, e.writeRate, prometheus.GaugeValue, *w.Rate, module, topic)
			}
		}
	}
}

// send emits one sample. Label values are forced to valid UTF-8, and a
// sample that still cannot be built is logged and skipped.
func (e *Exporter) send(ch chan<- prometheus.Metric, desc *prometheus.Desc, vt prometheus.ValueType, v float64, labels ...string) {
	for i, l := range labels {
		if !utf8.ValidString(l) {
			labels[i] = strings.ToValidUTF8(l, "\uFFFD")
		}
	}
	m, err := prometheus.NewConstMetric(desc, vt, v, labels...)
	if err != nil {
		e.log.Debug("sample skipped", slog.Any("error", err))
		return
	}
	ch <- m
}

// Render returns the current exposition in the text format.
func (e *Exporter) Render() (string, error) {
	mfs, err := e.reg.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Handler serves the metrics path plus /health and /healthz.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(e.cfg.MetricsPath, promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(e.log.Handler(), slog.LevelWarn)}))
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	}
	mux.HandleFunc("/health", ok)
	mux.HandleFunc("/healthz", ok)
	return mux
}

// Serve serves Handler on ln until ctx is done or Close is called.
func (e *Exporter) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 5 * time.Second}
	e.srvMu.Lock()
	e.srv = srv
	e.srvMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	e.log.Info("serving metrics", slog.String("addr", ln.Addr().String()), slog.String("path", e.cfg.MetricsPath))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (e *Exporter) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Close stops a running server. It implements io.Closer so a Scheduler
// shuts the endpoint down on Stop.
func (e *Exporter) Close() error {
	e.srvMu.Lock()
	srv := e.srv
	e.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

var (
	_ prometheus.Collector = (*Exporter)(nil)
	_ emit.Sink            = (*Exporter)(nil)
)
