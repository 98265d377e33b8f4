// Package analytics derives monitoring state from a sequence of snapshots.
//
// An Engine accepts snapshots in timestamp order and drops any snapshot that
// is not newer than the last one it accepted. For every (module, topic,
// direction) series it computes a per-second rate against the previous
// sample, keeps a short count history for sparklines, and classifies the
// entry against Thresholds. A count that goes backwards, as happens when a
// module re-registers, restarts the series instead of producing a negative
// rate.
//
// Each accepted snapshot publishes an immutable View with modules ordered by
// health, the bottleneck list and the FlowGraph linking writers to readers.
package analytics
