package emit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/lowhung/buswatch/core/snapshot"
)

type StreamSinkConfig struct {
	Addr         string           // Addr to listen on, e.g. ":9900". Ignored when Listener is set.
	Listener     net.Listener     // Listener to accept peers on (optional)
	Framing      snapshot.Framing // Framing of each snapshot (default: newline-delimited JSON)
	WriteTimeout time.Duration    // WriteTimeout per frame and peer (default 5s)
	Log          *slog.Logger     // Log for peer lifecycle (optional)
}

// StreamSink serves snapshots to every connected peer. Each peer has its own
// writer goroutine and a one-slot queue that always holds the latest frame,
// so a slow peer skips snapshots instead of delaying others.
type StreamSink struct {
	ln           net.Listener
	framing      snapshot.Framing
	writeTimeout time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	id     string
	conn   net.Conn
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (p *peer) stop() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// offer replaces any queued frame with frame.
func (p *peer) offer(frame []byte) {
	for {
		select {
		case p.frames <- frame:
			return
		case <-p.done:
			return
		default:
		}
		select {
		case <-p.frames:
		default:
		}
	}
}

// NewStreamSink starts listening and accepting peers.
func NewStreamSink(cfg StreamSinkConfig) (*StreamSink, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cfg.Addr); err != nil {
			return nil, fmt.Errorf("stream sink: listen %s: %w", cfg.Addr, err)
		}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSendTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &StreamSink{
		ln:           ln,
		framing:      cfg.Framing,
		writeTimeout: cfg.WriteTimeout,
		log:          log.With(slog.String("sink", "stream"), slog.String("addr", ln.Addr().String())),
		peers:        make(map[string]*peer),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *StreamSink) Name() string { return "stream:" + s.ln.Addr().String() }

// Addr returns the listening address.
func (s *StreamSink) Addr() net.Addr { return s.ln.Addr() }

// Peers returns the number of connected peers.
func (s *StreamSink) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *StreamSink) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		p := &peer{
			id:     gonanoid.Must(),
			conn:   conn,
			frames: make(chan []byte, 1),
			done:   make(chan struct{}),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.peers[p.id] = p
		s.wg.Add(2)
		s.mu.Unlock()

		s.log.Debug("peer connected", slog.String("peer", p.id), slog.String("remote", conn.RemoteAddr().String()))
		go s.writeLoop(p)
		go s.watchPeer(p)
	}
}

func (s *StreamSink) writeLoop(p *peer) {
	defer s.wg.Done()
	defer s.drop(p)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.frames:
			_ = p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := p.conn.Write(frame); err != nil {
				s.log.Debug("peer write failed", slog.String("peer", p.id), slog.Any("error", err))
				return
			}
		}
	}
}

// watchPeer notices peers that hang up while no frame is being written.
func (s *StreamSink) watchPeer(p *peer) {
	defer s.wg.Done()
	_, _ = io.Copy(io.Discard, p.conn)
	s.drop(p)
}

func (s *StreamSink) drop(p *peer) {
	p.stop()
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()
	if ok {
		s.log.Debug("peer disconnected", slog.String("peer", p.id))
	}
}

// Send queues the snapshot for every connected peer. It succeeds with zero peers.
func (s *StreamSink) Send(ctx context.Context, snap snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := snapshot.Frame(snap, s.framing)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	for _, p := range s.peers {
		p.offer(frame)
	}
	return nil
}

// Close stops accepting, disconnects all peers and waits for their goroutines.
func (s *StreamSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, p := range peers {
		p.stop()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

var _ Sink = (*StreamSink)(nil)
