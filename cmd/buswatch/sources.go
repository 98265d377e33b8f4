package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/lowhung/buswatch/adapters/nats"
	"github.com/lowhung/buswatch/adapters/rabbitmq"
	"github.com/lowhung/buswatch/adapters/redis"
	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/core/source"
)

func buildSource(cfg SourceConfig, stdin io.Reader, log *slog.Logger) (source.Source, error) {
	framing, err := snapshot.ParseFraming(cfg.Framing)
	if err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case "file":
		return source.NewFileSource(source.FileSourceConfig{
			Path:         cfg.Path,
			PollInterval: cfg.Interval,
			Log:          log,
		}), nil
	case "tcp":
		return source.NewStreamSource(source.StreamSourceConfig{
			Addr:    cfg.Addr,
			Framing: framing,
			Log:     log,
		}), nil
	case "stdin":
		return source.NewStreamSource(source.StreamSourceConfig{
			Reader:  stdin,
			Name:    "stdin",
			Framing: framing,
			Log:     log,
		}), nil
	case "nats":
		return nats.NewSource(nats.SourceConfig{
			Connect: natsConnector(cfg.URL),
			Subject: cfg.Subject,
			Queue:   cfg.Queue,
			Log:     log,
		}), nil
	case "redis":
		return redis.NewSource(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Subject,
			Log:     log,
		}), nil
	case "rabbitmq":
		rc := cfg.RabbitMQ
		rc.Log = log
		return source.NewPollSource(source.PollSourceConfig{
			Adapter:  rabbitmq.New(rc),
			Interval: cfg.Interval,
			Log:      log,
		}), nil
	case "jetstream":
		return source.NewPollSource(source.PollSourceConfig{
			Adapter: nats.NewJetStreamAdapter(nats.JetStreamConfig{
				Connect: natsConnector(cfg.URL),
				Streams: cfg.Streams,
				Log:     log,
			}),
			Interval: cfg.Interval,
			Log:      log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func natsConnector(url string) nats.Connector {
	if url == "" {
		return nats.ConnectDefault()
	}
	return nats.ConnectURL(url)
}
