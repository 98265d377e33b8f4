package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowhung/buswatch/adapters/rabbitmq"
	"github.com/lowhung/buswatch/core/analytics"
	"github.com/lowhung/buswatch/internal/logging"
)

const envPrefix = "BUSWATCH"

type Config struct {
	Log        logging.Options      `mapstructure:"log"`
	Source     SourceConfig         `mapstructure:"source"`
	Thresholds analytics.Thresholds `mapstructure:"thresholds"`
	History    int                  `mapstructure:"history"`
	EvictAfter int                  `mapstructure:"evict_after"`
	Report     ReportConfig         `mapstructure:"report"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
}

type SourceConfig struct {
	// Kind is one of file, tcp, stdin, nats, redis, rabbitmq or jetstream.
	Kind    string `mapstructure:"kind"`
	Path    string `mapstructure:"path"`
	Addr    string `mapstructure:"addr"`
	Framing string `mapstructure:"framing"`
	URL     string `mapstructure:"url"`
	// Subject is the NATS subject or the Redis channel.
	Subject  string          `mapstructure:"subject"`
	Queue    string          `mapstructure:"queue"`
	Streams  []string        `mapstructure:"streams"`
	Interval time.Duration   `mapstructure:"interval"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

type ReportConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Format   string        `mapstructure:"format"`
	// Output is a file path, or "-" for stdout.
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus endpoint when set.
	Addr      string `mapstructure:"addr"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	th := analytics.DefaultThresholds()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logging.FormatAuto))

	v.SetDefault("source.kind", "file")
	v.SetDefault("source.path", "monitor.json")
	v.SetDefault("source.addr", "")
	v.SetDefault("source.framing", "lines")
	v.SetDefault("source.url", "")
	v.SetDefault("source.subject", "")
	v.SetDefault("source.queue", "")
	v.SetDefault("source.streams", []string{})
	v.SetDefault("source.interval", "1s")
	v.SetDefault("source.rabbitmq.endpoint", rabbitmq.DefaultEndpoint)
	v.SetDefault("source.rabbitmq.username", rabbitmq.DefaultUsername)
	v.SetDefault("source.rabbitmq.password", rabbitmq.DefaultPassword)
	v.SetDefault("source.rabbitmq.vhost", rabbitmq.DefaultVHost)
	v.SetDefault("source.rabbitmq.timeout", rabbitmq.DefaultTimeout.String())

	v.SetDefault("thresholds.pending_warn", th.PendingWarn.String())
	v.SetDefault("thresholds.pending_crit", th.PendingCrit.String())
	v.SetDefault("thresholds.unread_warn", th.UnreadWarn)
	v.SetDefault("thresholds.unread_crit", th.UnreadCrit)
	v.SetDefault("history", analytics.DefaultHistorySize)
	v.SetDefault("evict_after", analytics.DefaultEvictAfter)

	v.SetDefault("report.interval", "10s")
	v.SetDefault("report.format", string(analytics.ExportJSON))
	v.SetDefault("report.output", "-")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "buswatch")
}

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("buswatch", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "config file (default buswatch.yaml in ., ./config or $HOME/.buswatch)")
	fs.StringP("source", "s", "", "source kind: file, tcp, stdin, nats, redis, rabbitmq or jetstream")
	fs.String("path", "", "snapshot file for the file source")
	fs.String("addr", "", "address for the tcp source")
	fs.String("url", "", "NATS or Redis URL")
	fs.String("report-format", "", "summary format: json or yaml")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

var flagKeys = map[string]string{
	"source":        "source.kind",
	"path":          "source.path",
	"addr":          "source.addr",
	"url":           "source.url",
	"report-format": "report.format",
	"metrics-addr":  "metrics.addr",
	"log-level":     "log.level",
}

// loadConfig reads buswatch.yaml from the usual places, or the --config
// file, then applies BUSWATCH_* environment variables and flags on top.
func loadConfig(fs *pflag.FlagSet) (Config, string, error) {
	v := viper.New()
	setDefaults(v)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return Config{}, "", err
		}
	}

	file, err := fs.GetString("config")
	if err != nil {
		return Config{}, "", err
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("buswatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.buswatch")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

func (c Config) validate() error {
	var errs []error
	if c.Thresholds.PendingWarn > c.Thresholds.PendingCrit {
		errs = append(errs, errors.New("thresholds.pending_warn exceeds thresholds.pending_crit"))
	}
	if c.Thresholds.UnreadWarn > c.Thresholds.UnreadCrit {
		errs = append(errs, errors.New("thresholds.unread_warn exceeds thresholds.unread_crit"))
	}
	if c.History <= 0 {
		errs = append(errs, errors.New("history must be positive"))
	}
	if c.EvictAfter <= 0 {
		errs = append(errs, errors.New("evict_after must be positive"))
	}
	if _, err := analytics.ParseExportFormat(c.Report.Format); err != nil {
		errs = append(errs, err)
	}
	switch c.Source.Kind {
	case "file":
		if c.Source.Path == "" {
			errs = append(errs, errors.New("source.path is required for a file source"))
		}
	case "tcp":
		if c.Source.Addr == "" {
			errs = append(errs, errors.New("source.addr is required for a tcp source"))
		}
	case "stdin", "nats", "redis", "rabbitmq", "jetstream":
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}
	return errors.Join(errs...)
}
