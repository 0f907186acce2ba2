package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback is called with the new, validated config on every
// successful reload. It runs synchronously on the watcher goroutine.
type WatcherCallback func(newCfg *Config)

// Watcher watches a set of files and calls onChange after any of them
// changes. fsnotify gives fast reaction on ordinary filesystems; a content
// hash poll catches Kubernetes ConfigMap and Secret volumes, whose
// "..data" symlink swaps often produce no inotify event.
type Watcher struct {
	paths        []string
	onChange     func()
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for paths. Nothing is watched until Start.
func NewWatcher(onChange func(), logger *slog.Logger, paths ...string) *Watcher {
	return &Watcher{
		paths:        paths,
		onChange:     onChange,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// NewConfigWatcher returns a watcher that reloads the config file at path
// and hands every valid result to callback. Invalid files are logged and
// the previous config stays in effect.
func NewConfigWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return NewWatcher(func() {
		newCfg, err := LoadFromPath(path)
		if err != nil {
			logger.Error("config reload failed, keeping old config", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		callback(newCfg)
	}, logger, path)
}

// fingerprint captures the state polled for each watched path.
type fingerprint struct {
	hash   string
	target string // "..data" symlink target of the parent directory
}

func (w *Watcher) fingerprints() []fingerprint {
	fps := make([]fingerprint, len(w.paths))
	for i, p := range w.paths {
		fps[i] = fingerprint{
			hash:   hashFile(p),
			target: readlink(filepath.Join(filepath.Dir(p), "..data")),
		}
	}
	return fps
}

func changed(prev, cur []fingerprint) bool {
	for i := range cur {
		if cur[i] != prev[i] {
			return true
		}
	}
	return false
}

// Start watches until the context is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
		_ = fsw.Add(p)
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			return err
		}
	}

	w.logger.Info("file watcher started", "paths", w.paths)

	last := w.fingerprints()
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("file watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic save-and-rename drops the old inode from the watch.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				for _, p := range w.paths {
					_ = fsw.Add(p)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			fire = debounce.C

		case <-fire:
			fire = nil
			cur := w.fingerprints()
			if changed(last, cur) {
				last = cur
				w.onChange()
			}

		case <-poll.C:
			cur := w.fingerprints()
			if changed(last, cur) {
				last = cur
				w.logger.Debug("file change detected via polling", "paths", w.paths)
				w.onChange()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", werr)
		}
	}
}

// Stop terminates the watcher goroutine. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. Symlinks are followed.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
