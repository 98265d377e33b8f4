package source

import (
	"context"

	"github.com/lowhung/buswatch/core/snapshot"
)

// ChannelSource reads snapshots from an in-process channel, such as the one
// exposed by emit.ChannelSink.
type ChannelSource struct {
	ch   <-chan snapshot.Snapshot
	name string
}

func NewChannelSource(ch <-chan snapshot.Snapshot, name string) *ChannelSource {
	return &ChannelSource{ch: ch, name: name}
}

func (c *ChannelSource) Description() string {
	if c.name == "" {
		return "channel"
	}
	return "channel: " + c.name
}

// Run forwards snapshots until ctx is done or the channel is closed.
func (c *ChannelSource) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-c.ch:
			if !ok {
				return nil
			}
			h.HandleSnapshot(s)
		}
	}
}
