// Package nats moves snapshots over NATS: a publishing sink, a subscribing
// source, a JetStream key-value store for the latest snapshot, and an
// adapter that turns JetStream stream and consumer state into snapshots.
package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

const ClientName = "buswatch"

type closeFunc = func()

// Connector opens a connection and returns a function that releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between every caller of the
// returned Connector. The connection closes when the last lease is released
// and is reopened by the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leases   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if leases == 0 {
			return
		}
		leases--
		if leases == 0 {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			conn, c, err := connect()
			if err != nil {
				return nil, nil, err
			}
			nc, closeCon = conn, c
		}
		leases++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

// ConnectURL dials natsURL. Extra options are applied after the defaults.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, append([]natsgo.Option{
			natsgo.Name(ClientName),
			natsgo.MaxReconnects(-1),
		}, opts...)...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault uses NATS_URL, falling back to the library default URL.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

func connectOrDefault(c Connector) Connector {
	if c == nil {
		return ConnectDefault()
	}
	return c
}
