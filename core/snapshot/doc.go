// Package snapshot defines the versioned wire model exchanged between
// instrumented processes and monitors.
//
// A [Snapshot] is a point-in-time view of every registered module: for each
// topic it carries the read and write counts plus the optional backlog,
// pending and rate values. Snapshots are plain values; once published they
// are treated as immutable and shared freely between goroutines. Use
// [Snapshot.Clone] before deriving a modified copy.
//
// # Encoding
//
// Two encodings carry the same field set:
//
//   - JSON, the textual form used by files and newline-delimited streams
//   - CBOR with integer keys, the compact binary form
//
// [Decode] detects the encoding on its own: it attempts CBOR first and falls
// back to JSON. A payload whose major schema version differs from
// [CurrentVersion] is rejected with an error matching [ErrIncompatibleVersion];
// unknown fields from newer minor versions are ignored.
//
//	s := snapshot.NewBuilder().
//	    Module("orders", func(m *snapshot.ModuleBuilder) {
//	        m.Read("orders.new", snapshot.ReadMetrics{Count: 10}.WithBacklog(2))
//	        m.Write("orders.done", snapshot.WriteMetrics{Count: 8})
//	    }).
//	    Build()
//
//	b, _ := snapshot.EncodeJSON(s)
//	back, err := snapshot.Decode(b)
package snapshot
