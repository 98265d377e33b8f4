package emit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lowhung/buswatch/core/snapshot"
)

// Policy decides what a ChannelSink does when its queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued snapshot to make room.
	DropOldest Policy = iota
	// DropNewest discards the snapshot being sent and reports ErrQueueFull.
	DropNewest
	// Block waits for room until the send context is done.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ChannelSink hands snapshots to an in-process consumer through a bounded queue.
type ChannelSink struct {
	name    string
	policy  Policy
	ch      chan snapshot.Snapshot
	dropped atomic.Uint64

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewChannelSink creates a sink with a queue of the given capacity (minimum 1).
func NewChannelSink(name string, capacity int, policy Policy) *ChannelSink {
	if capacity < 1 {
		capacity = 1
	}
	if name == "" {
		name = "channel"
	}
	return &ChannelSink{
		name:   name,
		policy: policy,
		ch:     make(chan snapshot.Snapshot, capacity),
		done:   make(chan struct{}),
	}
}

func (c *ChannelSink) Name() string { return c.name }

// C returns the receive side of the queue. It is closed by Close.
func (c *ChannelSink) C() <-chan snapshot.Snapshot { return c.ch }

// Dropped returns how many snapshots were discarded because the queue was full.
func (c *ChannelSink) Dropped() uint64 { return c.dropped.Load() }

func (c *ChannelSink) Send(ctx context.Context, s snapshot.Snapshot) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}

	switch c.policy {
	case DropNewest:
		select {
		case c.ch <- s:
			return nil
		default:
			c.dropped.Add(1)
			return ErrQueueFull
		}
	case Block:
		select {
		case c.ch <- s:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
		case <-c.done:
			return ErrSinkClosed
		}
	default:
		for {
			select {
			case c.ch <- s:
				return nil
			default:
			}
			select {
			case <-c.ch:
				c.dropped.Add(1)
			default:
			}
		}
	}
}

// Close closes the queue. Blocked senders return ErrSinkClosed.
func (c *ChannelSink) Close() error {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}

var _ Sink = (*ChannelSink)(nil)
