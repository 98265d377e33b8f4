// Package emit delivers snapshots to their destinations.
//
// A [Scheduler] ties a [Collector] to a set of [Sink]s. On every tick it
// collects one snapshot and sends it to all sinks concurrently, each send
// bounded by a timeout. Failures are isolated: a sink that errors, panics or
// hangs is logged and counted, the remaining sinks still receive the
// snapshot, and the failing sink is tried again on the next tick.
//
//	sched := emit.New(registry, emit.Options{Interval: time.Second},
//	    emit.NewFileSink("/tmp/buswatch.json", snapshot.FormatJSON),
//	    stream,
//	)
//	_ = sched.Start(ctx)
//	defer sched.Stop(context.Background())
//
// [Scheduler.EmitNow] performs one synchronous emission without a tick loop.
//
// Built-in sinks:
//
//   - [FileSink] atomically replaces a file with the latest snapshot
//   - [StreamSink] serves connected TCP peers, one writer per peer
//   - [DialSink] pushes to a remote monitor over an outbound connection
//   - [ChannelSink] hands snapshots to an in-process consumer
//
// The OTLP, Prometheus, NATS and Redis sinks live under adapters/.
package emit
