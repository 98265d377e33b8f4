package nats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sourcegraph/conc/pool"

	"github.com/lowhung/buswatch/core/adapter"
	"github.com/lowhung/buswatch/core/snapshot"
)

const defaultMaxStreams = 8

type JetStreamConfig struct {
	Connect Connector
	Log     *slog.Logger
	// Streams limits collection to these stream names. Empty means all.
	Streams []string
	// MaxConcurrency bounds how many streams are inspected at once.
	MaxConcurrency int
	Now            func() time.Time
}

// JetStreamAdapter turns JetStream state into a snapshot. Every stream
// becomes a module writing to a topic named after the stream, and every
// consumer becomes a module "<stream>/<consumer>" reading that topic with
// its pending messages as backlog.
type JetStreamAdapter struct {
	connect Connector
	log     *slog.Logger
	streams []string
	limit   int
	now     func() time.Time
}

func NewJetStreamAdapter(cfg JetStreamConfig) *JetStreamAdapter {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxStreams
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &JetStreamAdapter{
		connect: connectOrDefault(cfg.Connect),
		log:     log.With(slog.String("component", "jetstream-adapter")),
		streams: cfg.Streams,
		limit:   cfg.MaxConcurrency,
		now:     cfg.Now,
	}
}

func (a *JetStreamAdapter) Name() string { return "jetstream" }

type streamState struct {
	name      string
	written   uint64
	consumers []*jetstream.ConsumerInfo
}

func (a *JetStreamAdapter) Collect(ctx context.Context) (snapshot.Snapshot, error) {
	nc, closeNc, err := a.connect()
	if err != nil {
		return snapshot.Snapshot{}, adapter.Wrap(adapter.KindConnection, a.Name(), err)
	}
	defer closeNc()

	js, err := jetstream.New(nc)
	if err != nil {
		return snapshot.Snapshot{}, adapter.Wrap(adapter.KindConnection, a.Name(), err)
	}

	names, err := a.streamNames(ctx, js)
	if err != nil {
		return snapshot.Snapshot{}, a.classify(err)
	}

	p := pool.NewWithResults[streamState]().WithContext(ctx).WithMaxGoroutines(a.limit)
	for _, name := range names {
		p.Go(func(ctx context.Context) (streamState, error) {
			return a.inspect(ctx, js, name)
		})
	}
	states, err := p.Wait()
	if err != nil {
		return snapshot.Snapshot{}, a.classify(err)
	}

	now := a.now()
	b := snapshot.NewBuilder().Timestamp(uint64(now.UnixMilli()))
	for _, st := range states {
		b.Module(st.name, func(m *snapshot.ModuleBuilder) {
			m.Write(st.name, snapshot.WriteMetrics{Count: st.written})
		})
		for _, ci := range st.consumers {
			r := snapshot.ReadMetrics{Count: ci.Delivered.Stream}.WithBacklog(ci.NumPending)
			// Unacknowledged deliveries count as waiting since the last delivery.
			if ci.NumAckPending > 0 && ci.Delivered.Last != nil {
				r = r.WithPending(max(now.Sub(*ci.Delivered.Last), 0))
			}
			b.Module(st.name+"/"+ci.Name, func(m *snapshot.ModuleBuilder) {
				m.Read(st.name, r)
			})
		}
	}
	snap := b.Build()
	a.log.Debug("collected", slog.Int("streams", len(states)), slog.Int("modules", snap.Len()))
	return snap, nil
}

func (a *JetStreamAdapter) streamNames(ctx context.Context, js jetstream.JetStream) ([]string, error) {
	if len(a.streams) > 0 {
		return slices.Clone(a.streams), nil
	}
	lister := js.StreamNames(ctx)
	var names []string
	for name := range lister.Name() {
		names = append(names, name)
	}
	if err := lister.Err(); err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (a *JetStreamAdapter) inspect(ctx context.Context, js jetstream.JetStream, name string) (streamState, error) {
	stream, err := js.Stream(ctx, name)
	if err != nil {
		return streamState{}, fmt.Errorf("stream %s: %w", name, err)
	}
	info := stream.CachedInfo()
	st := streamState{name: name, written: info.State.LastSeq}

	lister := stream.ListConsumers(ctx)
	for ci := range lister.Info() {
		st.consumers = append(st.consumers, ci)
	}
	if err := lister.Err(); err != nil {
		return streamState{}, fmt.Errorf("consumers of %s: %w", name, err)
	}
	slices.SortFunc(st.consumers, func(x, y *jetstream.ConsumerInfo) int { return cmp.Compare(x.Name, y.Name) })
	return st, nil
}

func (a *JetStreamAdapter) classify(err error) error {
	if errors.Is(err, jetstream.ErrJetStreamNotEnabled) || errors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount) {
		return adapter.Wrap(adapter.KindUnsupported, a.Name(), err)
	}
	return adapter.Classify(a.Name(), err)
}

var _ adapter.Adapter = (*JetStreamAdapter)(nil)
