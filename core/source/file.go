package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lowhung/buswatch/core/snapshot"
)

const DefaultPollInterval = time.Second

type FileSourceConfig struct {
	Path string
	// PollInterval is the modification time check interval. It backs up
	// file notifications, which some filesystems do not deliver.
	PollInterval time.Duration
	Log          *slog.Logger
}

// FileSource re-reads a snapshot file whenever it changes. The parent
// directory is watched so files replaced by rename are picked up.
type FileSource struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	lastMod  time.Time
	lastSize int64
}

func NewFileSource(cfg FileSourceConfig) *FileSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &FileSource{
		path:     cfg.Path,
		interval: cfg.PollInterval,
		log:      cfg.Log.With(slog.String("component", "file-source"), slog.String("path", cfg.Path)),
	}
}

func (f *FileSource) Description() string { return "file: " + f.path }

func (f *FileSource) Path() string { return f.path }

func (f *FileSource) Run(ctx context.Context, h Handler) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err = w.Add(filepath.Dir(f.path)); err != nil {
			_ = w.Close()
		}
	}
	if err != nil {
		f.log.Warn("file notifications unavailable, polling only", slog.Any("error", err))
	} else {
		defer w.Close()
		events, watchErrs = w.Events, w.Errors
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll(h, false)
	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				f.poll(h, true)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			f.log.Warn("file watcher error", slog.Any("error", err))
		case <-ticker.C:
			f.poll(h, false)
		}
	}
}

// poll reads the file if its modification time or size changed since the
// last successful read, or unconditionally when force is set.
func (f *FileSource) poll(h Handler, force bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		if !f.lastMod.IsZero() && os.IsNotExist(err) {
			// the file vanished after a good read; keep the last state
			return
		}
		h.HandleError(fmt.Errorf("read %s: %w", f.path, err))
		return
	}
	if !force && info.ModTime().Equal(f.lastMod) && info.Size() == f.lastSize {
		return
	}

	b, err := os.ReadFile(f.path)
	if err != nil {
		h.HandleError(fmt.Errorf("read %s: %w", f.path, err))
		return
	}
	s, err := snapshot.Decode(b)
	if err != nil {
		h.HandleError(fmt.Errorf("parse %s: %w", f.path, err))
		return
	}
	f.lastMod, f.lastSize = info.ModTime(), info.Size()
	h.HandleSnapshot(s)
}
