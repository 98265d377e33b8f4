package emit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

type DialSinkConfig struct {
	Addr        string           // Addr of the monitor to push to, e.g. "monitor:9900"
	Framing     snapshot.Framing // Framing of each snapshot (default: newline-delimited JSON)
	DialTimeout time.Duration    // DialTimeout for (re)connecting (default 2s)
	Log         *slog.Logger     // Log for connection changes (optional)
}

// DialSink pushes snapshots over one outbound TCP connection. The connection
// is opened lazily and, after a failed write, reopened on the next send.
type DialSink struct {
	addr        string
	framing     snapshot.Framing
	dialTimeout time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewDialSink(cfg DialSinkConfig) *DialSink {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &DialSink{
		addr:        cfg.Addr,
		framing:     cfg.Framing,
		dialTimeout: cfg.DialTimeout,
		log:         log.With(slog.String("sink", "dial"), slog.String("addr", cfg.Addr)),
	}
}

func (d *DialSink) Name() string { return "dial:" + d.addr }

func (d *DialSink) Send(ctx context.Context, s snapshot.Snapshot) error {
	frame, err := snapshot.Frame(s, d.framing)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrSinkClosed
	}

	if d.conn == nil {
		dialer := net.Dialer{Timeout: d.dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", d.addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", d.addr, err)
		}
		d.conn = conn
		d.log.Debug("connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = d.conn.SetWriteDeadline(deadline)
	} else {
		_ = d.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := d.conn.Write(frame); err != nil {
		_ = d.conn.Close()
		d.conn = nil
		return fmt.Errorf("write %s: %w", d.addr, err)
	}
	return nil
}

func (d *DialSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

var _ Sink = (*DialSink)(nil)
