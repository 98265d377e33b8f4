package prometheus

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/snapshot"
)

func sample(ts uint64, reads uint64) snapshot.Snapshot {
	return snapshot.NewBuilder().
		Timestamp(ts).
		Module("worker", func(m *snapshot.ModuleBuilder) {
			m.Read("orders", snapshot.ReadMetrics{Count: reads}.WithBacklog(7).WithPending(1500*time.Millisecond))
			m.Write("invoices", snapshot.WriteMetrics{Count: 3})
		}).
		Build()
}

func value(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !matches(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func matches(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestExporter_ExposesSnapshot(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	reg := e.Registry()

	require.Equal(t, 0, testutil.CollectAndCount(e), "nothing before the first snapshot")

	require.NoError(t, e.Send(t.Context(), sample(1000, 100)))
	orders := map[string]string{"module": "worker", "topic": "orders"}
	invoices := map[string]string{"module": "worker", "topic": "invoices"}

	v, ok := value(t, reg, "buswatch_read_count", orders)
	require.True(t, ok)
	require.Equal(t, 100.0, v)

	v, ok = value(t, reg, "buswatch_read_backlog", orders)
	require.True(t, ok)
	require.Equal(t, 7.0, v)

	v, ok = value(t, reg, "buswatch_read_pending_seconds", orders)
	require.True(t, ok)
	require.InDelta(t, 1.5, v, 1e-9)

	v, ok = value(t, reg, "buswatch_write_count", invoices)
	require.True(t, ok)
	require.Equal(t, 3.0, v)

	_, ok = value(t, reg, "buswatch_write_pending_seconds", invoices)
	require.False(t, ok, "absent pending is not exported")
	_, ok = value(t, reg, "buswatch_read_rate_per_second", orders)
	require.False(t, ok, "no rate before a second snapshot")

	v, ok = value(t, reg, "buswatch_snapshot_timestamp_seconds", nil)
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	e.Update(sample(3000, 140))
	v, ok = value(t, reg, "buswatch_read_rate_per_second", orders)
	require.True(t, ok)
	require.InDelta(t, 20.0, v, 1e-9)
}

func TestExporter_Namespace(t *testing.T) {
	custom := NewExporter(ExporterConfig{Namespace: "myapp"})
	custom.Update(sample(1000, 1))
	out, err := custom.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `myapp_read_count{module="worker",topic="orders"} 1`)

	bare := NewExporter(ExporterConfig{BareNames: true})
	bare.Update(sample(1000, 1))
	out, err = bare.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE read_count counter")
	assert.Contains(t, out, "# TYPE read_backlog gauge")
}

func TestExporter_IgnoresOlderSnapshot(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	reg := e.Registry()
	orders := map[string]string{"module": "worker", "topic": "orders"}

	e.Update(sample(1000, 10))
	e.Update(sample(3000, 30))
	// a late tick delivered after a newer snapshot
	require.NoError(t, e.Send(t.Context(), sample(2000, 20)))

	v, ok := value(t, reg, "buswatch_read_count", orders)
	require.True(t, ok)
	require.Equal(t, 30.0, v)
	v, ok = value(t, reg, "buswatch_read_rate_per_second", orders)
	require.True(t, ok)
	require.InDelta(t, 10.0, v, 1e-9)
	v, ok = value(t, reg, "buswatch_snapshot_timestamp_seconds", nil)
	require.True(t, ok)
	require.Equal(t, 3.0, v)
}

func TestExporter_InvalidUTF8Labels(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	e.Update(snapshot.NewBuilder().
		Timestamp(1000).
		Module("bad\xffname", func(m *snapshot.ModuleBuilder) {
			m.Read("ord\xfeers", snapshot.ReadMetrics{Count: 1})
		}).
		Build())

	var out string
	require.NotPanics(t, func() {
		var err error
		out, err = e.Render()
		require.NoError(t, err)
	})
	assert.Contains(t, out, "buswatch_read_count{module=\"bad\uFFFDname\",topic=\"ord\uFFFDers\"} 1")
}

func TestExporter_Handler(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	e.Update(sample(1000, 5))
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	for _, path := range []string{"/health", "/healthz"} {
		code, body := get(path)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "OK", body)
	}

	code, body := get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `buswatch_read_count{module="worker",topic="orders"} 5`)
	require.Contains(t, body, "buswatch_snapshot_timestamp_seconds 1")
}

type countingCollector struct {
	calls atomic.Int32
}

func (c *countingCollector) Collect() snapshot.Snapshot {
	n := c.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return sample(uint64(n)*1000, uint64(n))
}

func TestExporter_CollectsOnScrape(t *testing.T) {
	c := &countingCollector{}
	e := NewExporter(ExporterConfig{Collector: c, MaxAge: time.Hour})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Render()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Less(t, c.calls.Load(), int32(8), "concurrent scrapes share collections")

	before := c.calls.Load()
	_, err := e.Render()
	require.NoError(t, err)
	require.Equal(t, before, c.calls.Load(), "a fresh snapshot is served from cache")
}

func TestExporter_ServeAndClose(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background(), ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestExporter_ScheduledSink(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	s := emit.New(emit.CollectorFunc(func() snapshot.Snapshot { return sample(2000, 9) }), emit.Options{}, e)

	rep, err := s.EmitNow(t.Context())
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	v, ok := value(t, e.Registry(), "buswatch_read_count", map[string]string{"module": "worker", "topic": "orders"})
	require.True(t, ok)
	require.Equal(t, 9.0, v)
	require.NoError(t, s.Stop(t.Context()))
}

func TestNewEmitterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEmitterMetrics(reg)
	require.NotNil(t, m)

	m.Ticks().Inc()
	m.TickDuration().ObserveDuration()
	m.ModulesCollected().Set(4)
	m.SendDuration("file").ObserveDuration()
	m.SendCompleted("file", true)
	m.SendCompleted("file", false)
	m.SendSkipped("stream")

	require.Equal(t, 1.0, testutil.ToFloat64(m.Ticks().(prometheus.Counter)))
	require.Equal(t, 4.0, testutil.ToFloat64(m.ModulesCollected().(prometheus.Gauge)))

	v, ok := value(t, reg, "buswatch_emitter_sink_sends_total", map[string]string{"sink": "file", "success": "false"})
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["buswatch_emitter_tick_duration_seconds"])
	assert.True(t, names["buswatch_emitter_sink_send_duration_seconds"])
	assert.True(t, names["buswatch_emitter_sink_skipped_total"])
}

func TestEmitterMetrics_DrivenByScheduler(t *testing.T) {
	reg := prometheus.NewRegistry()
	failing := emit.SinkFunc("broken", func(context.Context, snapshot.Snapshot) error {
		return errors.New("unavailable")
	})
	s := emit.New(emit.CollectorFunc(func() snapshot.Snapshot { return sample(1, 1) }),
		emit.Options{Metrics: NewEmitterMetrics(reg)}, failing)

	_, err := s.EmitNow(t.Context())
	require.NoError(t, err)

	v, ok := value(t, reg, "buswatch_emitter_sink_sends_total", map[string]string{"sink": "broken", "success": "false"})
	require.True(t, ok)
	require.Equal(t, 1.0, v)
	require.NoError(t, s.Stop(t.Context()))
}
