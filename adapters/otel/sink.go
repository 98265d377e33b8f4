// Package otel pushes snapshots to an OpenTelemetry collector over OTLP/HTTP.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultServiceName = "buswatch"
	meterName          = "github.com/lowhung/buswatch"
)

type SinkConfig struct {
	// Endpoint is the collector host:port, e.g. "localhost:4318".
	Endpoint string
	// URLPath overrides the default "/v1/metrics".
	URLPath  string
	Insecure bool
	Headers  map[string]string
	// ServiceName becomes the service.name resource attribute.
	ServiceName string
	// Reader replaces the OTLP exporter. Tests pass a ManualReader.
	Reader sdkmetric.Reader
	Log    *slog.Logger
}

// Sink records every snapshot into synchronous gauges and flushes them to
// the collector before Send returns.
type Sink struct {
	provider *sdkmetric.MeterProvider
	log      *slog.Logger

	readCount    metric.Int64Gauge
	readBacklog  metric.Int64Gauge
	readPending  metric.Float64Gauge
	readRate     metric.Float64Gauge
	writeCount   metric.Int64Gauge
	writePending metric.Float64Gauge
	writeRate    metric.Float64Gauge

	mu     sync.Mutex
	closed bool
}

func NewSink(ctx context.Context, cfg SinkConfig) (*Sink, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	reader := cfg.Reader
	if reader == nil {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.URLPath != "" {
			opts = append(opts, otlpmetrichttp.WithURLPath(cfg.URLPath))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		// Send flushes explicitly; the periodic export is only a fallback.
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(time.Minute))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	s := &Sink{
		provider: provider,
		log:      cfg.Log.With(slog.String("component", "otel-sink")),
	}
	if err := s.instruments(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Sink) instruments(meter metric.Meter) (err error) {
	int64Gauge := func(name, desc, unit string) metric.Int64Gauge {
		if err != nil {
			return nil
		}
		var g metric.Int64Gauge
		g, err = meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}
	float64Gauge := func(name, desc, unit string) metric.Float64Gauge {
		if err != nil {
			return nil
		}
		var g metric.Float64Gauge
		g, err = meter.Float64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}

	s.readCount = int64Gauge("buswatch.read.count", "Messages read", "{message}")
	s.readBacklog = int64Gauge("buswatch.read.backlog", "Unread messages", "{message}")
	s.readPending = float64Gauge("buswatch.read.pending", "Time a read has been waiting", "s")
	s.readRate = float64Gauge("buswatch.read.rate", "Read rate", "{message}/s")
	s.writeCount = int64Gauge("buswatch.write.count", "Messages written", "{message}")
	s.writePending = float64Gauge("buswatch.write.pending", "Time a write has been waiting", "s")
	s.writeRate = float64Gauge("buswatch.write.rate", "Write rate", "{message}/s")
	if err != nil {
		return fmt.Errorf("otel instruments: %w", err)
	}
	return nil
}

func (s *Sink) Name() string { return "otel" }

func (s *Sink) Send(ctx context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return emit.ErrSinkClosed
	}

	for module, m := range snap.Modules {
		for topic, r := range m.Reads {
			attrs := metric.WithAttributes(attribute.String("module", module), attribute.String("topic", topic))
			s.readCount.Record(ctx, clampInt64(r.Count), attrs)
			if r.Backlog != nil {
				s.readBacklog.Record(ctx, clampInt64(*r.Backlog), attrs)
			}
			if r.Pending != nil {
				s.readPending.Record(ctx, r.Pending.Duration().Seconds(), attrs)
			}
			if r.Rate != nil {
				s.readRate.Record(ctx, *r.Rate, attrs)
			}
		}
		for topic, w := range m.Writes {
			attrs := metric.WithAttributes(attribute.String("module", module), attribute.String("topic", topic))
			s.writeCount.Record(ctx, clampInt64(w.Count), attrs)
			if w.Pending != nil {
				s.writePending.Record(ctx, w.Pending.Duration().Seconds(), attrs)
			}
			if w.Rate != nil {
				s.writeRate.Record(ctx, *w.Rate, attrs)
			}
		}
	}

	if err := s.provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("otel flush: %w", err)
	}
	return nil
}

// Close flushes and shuts the meter provider down.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.provider.Shutdown(ctx)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

var _ emit.Sink = (*Sink)(nil)
