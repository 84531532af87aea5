// Package sockwatch warns when the UNIX socket a server listens on disappears
// from the filesystem or is replaced while the server keeps running. Clients
// dialing the path would otherwise fail (or reach someone else) without any
// trace in the server log.
package sockwatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

// Change describes what happened to the watched path.
type Change string

const (
	// Removed means the socket path was unlinked or renamed away.
	Removed Change = "removed"
	// Replaced means a new file appeared at the socket path.
	Replaced Change = "replaced"
)

// Watcher observes one socket path.
type Watcher struct {
	path     string
	logger   pslog.Logger
	watcher  *fsnotify.Watcher
	onChange func(Change)
	wg       sync.WaitGroup
	once     sync.Once
}

// Start watches path's directory and reports changes to path itself. onChange
// may be nil.
func Start(path string, logger pslog.Logger, onChange func(Change)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("sockwatch: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sockwatch: resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sockwatch: new watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("sockwatch: watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		logger:   svcfields.WithSubsystem(logger, svcfields.Sockwatch),
		watcher:  fw,
		onChange: onChange,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
	})
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.logger.Warn("socket path removed; new clients cannot connect", "path", w.path, "op", ev.Op.String())
				w.notify(Removed)
			case ev.Has(fsnotify.Create):
				w.logger.Warn("socket path replaced", "path", w.path)
				w.notify(Replaced)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) notify(c Change) {
	if w.onChange != nil {
		w.onChange(c)
	}
}
