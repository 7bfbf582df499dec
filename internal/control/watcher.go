// Package control turns files dropped into a control directory into
// manual overrides, and reloads credentials when token files change.
package control

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Trigger file names inside the control directory.
const (
	RestartFile = "restart-pipe"
	NewPartFile = "new-part"
)

// Overrides receives the single-shot requests.
type Overrides interface {
	RequestRestart()
	RequestNewPart()
}

type Watcher struct {
	// Dir is the control directory. It is created if missing. Empty
	// disables trigger files.
	Dir       string
	Overrides Overrides

	// TokenFiles are watched for changes; Reload runs once per burst of
	// changes.
	TokenFiles []string
	Reload     func() error
	Debounce   time.Duration

	Logger *slog.Logger
}

func (w *Watcher) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run watches until ctx is done. Trigger files already present when Run
// starts are consumed immediately.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	log := w.log()
	added := false
	if w.Dir != "" && w.Overrides != nil {
		if err := os.MkdirAll(w.Dir, 0o755); err != nil {
			return err
		}
		if err := fw.Add(w.Dir); err != nil {
			return err
		}
		added = true
		w.Scan()
	}
	tokens := make(map[string]bool)
	if w.Reload != nil {
		for _, p := range w.TokenFiles {
			if p == "" {
				continue
			}
			if err := fw.Add(p); err != nil {
				log.Error("control: watch add", "path", p, "err", err)
				continue
			}
			tokens[filepath.Clean(p)] = true
			added = true
		}
	}
	if !added {
		<-ctx.Done()
		return nil
	}

	wait := w.Debounce
	if wait <= 0 {
		wait = 250 * time.Millisecond
	}
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if tokens[name] {
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// Editors replace files; follow the new inode.
					if err := fw.Add(name); err != nil {
						log.Error("control: watch re-add", "path", name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(wait)
				}
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Dir(name) == filepath.Clean(w.Dir) {
				w.consume(filepath.Base(name))
			}
		case <-debounce.C:
			if err := w.Reload(); err != nil {
				log.Error("control: credential reload failed", "err", err)
			} else {
				log.Info("control: credentials reloaded")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("control: watch error", "err", err)
		}
	}
}

// Scan consumes any trigger files currently in Dir.
func (w *Watcher) Scan() {
	for _, name := range []string{RestartFile, NewPartFile} {
		w.consume(name)
	}
}

// consume removes a trigger file and raises its override. A file that
// is already gone has been consumed by an earlier event.
func (w *Watcher) consume(name string) {
	var raise func()
	switch name {
	case RestartFile:
		raise = w.Overrides.RequestRestart
	case NewPartFile:
		raise = w.Overrides.RequestNewPart
	default:
		return
	}
	err := os.Remove(filepath.Join(w.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		w.log().Error("control: remove trigger", "file", name, "err", err)
		return
	}
	w.log().Info("control: override requested", "file", name)
	raise()
}
