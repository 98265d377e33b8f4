// Package instrument records message-bus activity on the producer side and
// turns it into snapshots.
//
// A [Registry] maps module names to counter stores. [Registry.Register]
// returns a [Handle]; all recording goes through handles and never touches
// the registry again:
//
//	reg := instrument.NewRegistry()
//	h := reg.Register("order-processor")
//
//	h.RecordRead("orders.new", 1)
//	h.RecordWrite("orders.done", 1)
//	h.SetBacklog("orders.new", 42)
//
//	func handle(h instrument.Handle) {
//	    defer h.StartRead("orders.new").Release()
//	    // wait for the next message ...
//	}
//
// # Hot path
//
// Once a topic entry exists, recording costs one atomic pointer load, one
// map lookup and one atomic update. No locks are taken and nothing is
// allocated. The first touch of a topic takes a per-module mutex and swaps in
// a copied topic map.
//
// # Consistency
//
// [Registry.Collect] reads every counter field on its own. A snapshot is
// therefore NOT an atomic cut across counters: two counters of the same
// module may reflect slightly different instants. Modules are resolved one by
// one from a name list captured up front; a module unregistered in between
// is left out entirely, never half-populated.
//
// # Lifecycle
//
// A handle keeps its store alive. After [Registry.Unregister] the handle still
// works, but its writes are no longer observable. Registering the same name
// again creates a fresh store with zero counters.
//
// # Pending durations
//
// [Handle.StartRead] and [Handle.StartWrite] mark a counter as pending and
// return a [PendingGuard]. Releasing the guard stores the elapsed time as the
// counter's last observed pending duration and clears the marker. Starting
// twice before a release keeps the earlier start; releasing twice is a no-op.
// Snapshots report the in-flight duration while a guard is outstanding and
// the last observed duration otherwise.
package instrument
