package hostcap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/pauleveritt/punie-sub003/wire"
)

// WatchSink receives workspace change events for fan-out to clients.
type WatchSink interface {
	PublishWatch(ev wire.WatchEvent)
}

// Watcher observes the workspace tree and pushes change events to a sink.
// Newly created directories are added to the watch set on the fly.
type Watcher struct {
	root string
	sink WatchSink
	log  *slog.Logger
}

// NewWatcher constructs a watcher over fs's root.
func NewWatcher(fs *FSOps, sink WatchSink, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{root: fs.Root(), sink: sink, log: log}
}

// Run watches until ctx is canceled. An unavailable fsnotify backend is
// logged and tolerated; watching is best-effort by design.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Debug("fsnotify unavailable", slog.String("err", err.Error()))
		return err
	}
	defer fw.Close()

	addDirs := func(root string) {
		_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if err := fw.Add(p); err != nil {
					w.log.Debug("watch add failed", slog.String("dir", p), slog.String("err", err.Error()))
				}
			}
			return nil
		})
	}
	addDirs(w.root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addDirs(ev.Name)
				}
			}
			w.sink.PublishWatch(wire.WatchEvent{Path: rel, Op: opString(ev.Op)})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Debug("watch error", slog.String("err", err.Error()))
		}
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return "remove"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	default:
		return "unknown"
	}
}
