package emit

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lowhung/buswatch/core/snapshot"
)

func testSnapshot(ts uint64) snapshot.Snapshot {
	return snapshot.NewBuilder().
		Timestamp(ts).
		Module("orders", func(m *snapshot.ModuleBuilder) {
			m.Read("orders.new", snapshot.ReadMetrics{Count: ts}.WithBacklog(3))
			m.Write("orders.done", snapshot.WriteMetrics{Count: ts})
		}).
		Build()
}

func TestFileSink(t *testing.T) {
	for _, f := range []snapshot.Format{snapshot.FormatJSON, snapshot.FormatCBOR} {
		t.Run(f.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "snapshot.out")
			sink := NewFileSink(path, f)

			require.NoError(t, sink.Send(t.Context(), testSnapshot(1)))
			require.NoError(t, sink.Send(t.Context(), testSnapshot(2)))

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			got, err := snapshot.Decode(b)
			require.NoError(t, err)
			require.Equal(t, testSnapshot(2), got)

			// no temp files left behind
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Len(t, entries, 1)
		})
	}
}

func TestFileSink_MissingDirectory(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "missing", "s.json"), snapshot.FormatJSON)
	require.Error(t, sink.Send(t.Context(), testSnapshot(1)))
}

func TestChannelSink_DropOldest(t *testing.T) {
	c := NewChannelSink("q", 2, DropOldest)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, c.Send(t.Context(), testSnapshot(i)))
	}
	require.EqualValues(t, 2, c.Dropped())
	require.Equal(t, uint64(3), (<-c.C()).TimestampMs)
	require.Equal(t, uint64(4), (<-c.C()).TimestampMs)
}

func TestChannelSink_DropNewest(t *testing.T) {
	c := NewChannelSink("q", 1, DropNewest)
	require.NoError(t, c.Send(t.Context(), testSnapshot(1)))
	require.ErrorIs(t, c.Send(t.Context(), testSnapshot(2)), ErrQueueFull)
	require.EqualValues(t, 1, c.Dropped())
	require.Equal(t, uint64(1), (<-c.C()).TimestampMs)
}

func TestChannelSink_Block(t *testing.T) {
	c := NewChannelSink("q", 1, Block)
	require.NoError(t, c.Send(t.Context(), testSnapshot(1)))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, testSnapshot(2))
	require.ErrorIs(t, err, ErrQueueFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// room frees up once the consumer reads
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-c.C()
	}()
	require.NoError(t, c.Send(t.Context(), testSnapshot(3)))
	require.Equal(t, uint64(3), (<-c.C()).TimestampMs)
}

func TestChannelSink_Close(t *testing.T) {
	c := NewChannelSink("q", 1, Block)
	require.NoError(t, c.Send(t.Context(), testSnapshot(1)))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Send(context.Background(), testSnapshot(2)) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errCh, ErrSinkClosed)
	require.ErrorIs(t, c.Send(t.Context(), testSnapshot(3)), ErrSinkClosed)
	require.NoError(t, c.Close())

	// the queued snapshot is still readable, then the channel reports closed
	_, ok := <-c.C()
	require.True(t, ok)
	_, ok = <-c.C()
	require.False(t, ok)
}

func TestStreamSink(t *testing.T) {
	for _, framing := range []snapshot.Framing{snapshot.FramingLines, snapshot.FramingLengthPrefixed} {
		t.Run(framing.String(), func(t *testing.T) {
			sink, err := NewStreamSink(StreamSinkConfig{Addr: "127.0.0.1:0", Framing: framing})
			require.NoError(t, err)
			defer sink.Close()

			// sending without peers is fine
			require.NoError(t, sink.Send(t.Context(), testSnapshot(1)))

			a, err := net.Dial("tcp", sink.Addr().String())
			require.NoError(t, err)
			defer a.Close()
			b, err := net.Dial("tcp", sink.Addr().String())
			require.NoError(t, err)
			defer b.Close()

			require.Eventually(t, func() bool { return sink.Peers() == 2 }, time.Second, 5*time.Millisecond)

			require.NoError(t, sink.Send(t.Context(), testSnapshot(2)))

			for _, conn := range []net.Conn{a, b} {
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				got, err := snapshot.NewFrameReader(conn, framing).Next()
				require.NoError(t, err)
				require.Equal(t, testSnapshot(2), got)
			}

			// a peer that hangs up is dropped, the other keeps receiving
			require.NoError(t, a.Close())
			require.Eventually(t, func() bool { return sink.Peers() == 1 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestStreamSink_CloseDisconnectsPeers(t *testing.T) {
	sink, err := NewStreamSink(StreamSinkConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", sink.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return sink.Peers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Send(t.Context(), testSnapshot(1)), ErrSinkClosed)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestDialSink_ReconnectsAfterFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	sink := NewDialSink(DialSinkConfig{Addr: ln.Addr().String()})
	defer sink.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Send(ctx, testSnapshot(1)))

	first := <-conns
	got, err := snapshot.NewFrameReader(first, snapshot.FramingLines).Next()
	require.NoError(t, err)
	require.Equal(t, testSnapshot(1), got)

	// the monitor goes away; writes eventually fail and the sink redials
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		_ = sink.Send(ctx, testSnapshot(2))
		return len(conns) > 0
	}, 2*time.Second, 10*time.Millisecond)

	second := <-conns
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err = snapshot.NewFrameReader(second, snapshot.FramingLines).Next()
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.TimestampMs)
}

func TestDialSink_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sink := NewDialSink(DialSinkConfig{Addr: addr, DialTimeout: 100 * time.Millisecond})
	require.Error(t, sink.Send(t.Context(), testSnapshot(1)))
	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Send(t.Context(), testSnapshot(1)), ErrSinkClosed)
}
