// Package sf wraps golang.org/x/sync/singleflight with a typed result.
//
// The Prometheus exporter uses it so that scrapes arriving together trigger
// a single snapshot collection:
//
//	s, _, err := group.Do("collect", func() (snapshot.Snapshot, error) {
//	    return registry.Collect(), nil
//	})
package sf
