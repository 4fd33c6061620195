package registry

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flarebyte/conduit/internal/errors"
)

// watchDebounce collapses bursts of filesystem events into one notification.
const watchDebounce = 250 * time.Millisecond

// Watch calls onChange after plugin sources or manifests under the root
// change, until ctx is done. onChange runs on the watcher goroutine; it
// should only flag that a refresh is due, not refresh itself.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	if r.opts.Root == "" {
		return errors.New("no plugin root to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create plugin watcher")
	}
	defer w.Close()

	if err := addTree(w, r.opts.Root); err != nil {
		return err
	}

	exts := map[string]bool{ManifestFile: true}
	for _, l := range r.opts.Loaders {
		for _, e := range l.Extensions() {
			exts[e] = true
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if isDir, err := statDir(ev.Name); err == nil && isDir {
					_ = addTree(w, ev.Name)
				}
			}
			if !exts[filepath.Ext(ev.Name)] && !exts[filepath.Base(ev.Name)] && !ev.Has(fsnotify.Remove) {
				continue
			}
			r.log.Debugw("Plugin change detected", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warnw("Plugin watcher error", "error", err)
		}
	}
}

// addTree watches dir and all its non-private subdirectories.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && isPrivate(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return errors.Wrapf(err, "watch %s", p)
		}
		return nil
	})
}

func statDir(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
