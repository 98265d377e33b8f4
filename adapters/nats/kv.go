package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultBucket = "buswatch"
	DefaultKey    = "latest"
)

var ErrKeyNotFound = errors.New("key not found")

type KvConfig struct {
	Connect Connector
	Log     *slog.Logger
	Bucket  string
	// Key is where Send stores the snapshot. Default DefaultKey.
	Key    string
	Format snapshot.Format
	// History keeps that many revisions per key. Default 1.
	History uint8
}

// KvStore keeps the most recent snapshot of each producer in a JetStream
// key-value bucket. As a Sink it writes to the configured key, so a watcher
// that starts late can read the last known state with Latest.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
	key     string
	format  snapshot.Format
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connectOrDefault(cfg.Connect)()
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "latest buswatch snapshots",
		History:     cfg.History,
		Storage:     jetstream.FileStorage,
		MaxBytes:    16 * 1024 * 1024,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("nats: kv bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{
		kv:      kv,
		closeNc: closeNc,
		log:     log.With(slog.String("component", "nats-kv"), slog.String("bucket", cfg.Bucket)),
		key:     cfg.Key,
		format:  cfg.Format,
	}, nil
}

func (k *KvStore) Name() string { return "nats-kv: " + k.kv.Bucket() + "/" + k.key }

func (k *KvStore) Send(ctx context.Context, s snapshot.Snapshot) error {
	return k.Put(ctx, k.key, s)
}

func (k *KvStore) Put(ctx context.Context, key string, s snapshot.Snapshot) error {
	data, err := snapshot.Encode(s, k.format)
	if err != nil {
		return err
	}
	rev, err := k.kv.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("nats: kv put %s: %w", key, err)
	}
	k.log.Debug("stored snapshot", slog.String("key", key), slog.Uint64("revision", rev))
	return nil
}

// Latest returns the snapshot stored under key and when it was written.
func (k *KvStore) Latest(ctx context.Context, key string) (snapshot.Snapshot, time.Time, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return snapshot.Snapshot{}, time.Time{}, ErrKeyNotFound
		}
		return snapshot.Snapshot{}, time.Time{}, fmt.Errorf("nats: kv get %s: %w", key, err)
	}
	s, err := snapshot.Decode(v.Value())
	if err != nil {
		return snapshot.Snapshot{}, time.Time{}, err
	}
	return s, v.Created(), nil
}

// Keys lists every producer key in the bucket.
func (k *KvStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := k.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}

func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

var _ emit.Sink = (*KvStore)(nil)
