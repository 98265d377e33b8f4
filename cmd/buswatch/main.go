// Command buswatch consumes snapshots from a file, a stream, a message bus
// or a broker API, analyzes them and periodically writes a health summary.
//
// Configuration comes from buswatch.yaml, BUSWATCH_* environment variables
// and flags, in increasing precedence:
//
//	BUSWATCH_SOURCE_KIND=tcp BUSWATCH_SOURCE_ADDR=localhost:9090 buswatch
//	buswatch --source file --path monitor.json --report-format yaml
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lowhung/buswatch/adapters/prometheus"
	"github.com/lowhung/buswatch/core/analytics"
	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/core/source"
	"github.com/lowhung/buswatch/internal/fsutil"
	"github.com/lowhung/buswatch/internal/logging"
)

func main() {
	fs := newFlags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "buswatch:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, fs, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "buswatch:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, fs *pflag.FlagSet, stdin io.Reader, stdout io.Writer) error {
	cfg, used, err := loadConfig(fs)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	if used != "" {
		log.Info("using config file", slog.String("path", used))
	}

	src, err := buildSource(cfg.Source, stdin, log)
	if err != nil {
		return err
	}
	engine := analytics.NewEngine(analytics.Options{
		Thresholds:  cfg.Thresholds,
		EvictAfter:  cfg.EvictAfter,
		HistorySize: cfg.History,
	})
	feed := source.NewFeed(src, engine, log)

	m := &monitor{
		engine: engine,
		log:    log,
		report: cfg.Report,
		stdout: stdout,
	}
	m.format, _ = analytics.ParseExportFormat(cfg.Report.Format)

	var handler source.Handler = feed
	var exporter *prometheus.Exporter
	if cfg.Metrics.Addr != "" {
		exporter = prometheus.NewExporter(prometheus.ExporterConfig{
			Namespace:   cfg.Metrics.Namespace,
			MetricsPath: cfg.Metrics.Path,
			Log:         log,
		})
		handler = source.Funcs{
			Snapshot: func(s snapshot.Snapshot) {
				feed.HandleSnapshot(s)
				exporter.Update(s)
			},
			Error: feed.HandleError,
		}
	}

	log.Info("buswatch started", slog.String("source", src.Description()))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := src.Run(ctx, handler)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.Description(), err)
		}
		// A finite source such as stdin ends the run after a last report.
		return errSourceDone
	})
	g.Go(func() error { return m.loop(ctx) })
	if exporter != nil {
		g.Go(func() error { return exporter.ListenAndServe(ctx, cfg.Metrics.Addr) })
	}

	err = g.Wait()
	if errors.Is(err, errSourceDone) {
		err = nil
	}
	if werr := m.write(); werr != nil && err == nil {
		err = werr
	}
	log.Info("buswatch stopped",
		slog.Uint64("accepted", feed.Accepted()),
		slog.Uint64("dropped", feed.Dropped()))
	return err
}

var errSourceDone = errors.New("source finished")

type monitor struct {
	engine *analytics.Engine
	log    *slog.Logger
	report ReportConfig
	format analytics.ExportFormat
	stdout io.Writer

	lastTs uint64
}

func (m *monitor) loop(ctx context.Context) error {
	if m.report.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.report.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.write(); err != nil {
				m.log.Warn("failed to write report", slog.Any("error", err))
			}
		}
	}
}

// write emits a summary when a new snapshot arrived since the last one and
// logs every bottleneck.
func (m *monitor) write() error {
	ts, ok := m.engine.LastTimestamp()
	if !ok || ts == m.lastTs {
		return nil
	}
	m.lastTs = ts

	summary := m.engine.Summary()
	for _, b := range m.engine.Bottlenecks() {
		attrs := []any{
			slog.String("status", b.Status.String()),
			slog.String("module", b.Module),
			slog.String("topic", b.Topic),
			slog.String("direction", b.Direction.String()),
		}
		if b.Pending != nil {
			attrs = append(attrs, slog.String("pending", analytics.FormatDuration(*b.Pending)))
		}
		if b.Backlog != nil {
			attrs = append(attrs, slog.Uint64("backlog", *b.Backlog))
		}
		m.log.Warn("bottleneck", attrs...)
	}

	if m.report.Output == "" || m.report.Output == "-" {
		return summary.Write(m.stdout, m.format)
	}
	var buf bytes.Buffer
	if err := summary.Write(&buf, m.format); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(m.report.Output, buf.Bytes())
}
