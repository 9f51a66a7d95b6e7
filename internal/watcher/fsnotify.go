package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend adapts fsnotify, which watches single directories, into a
// recursive Backend by registering every directory below each root and
// following directory creation.
type fsnotifyBackend struct {
	w      *fsnotify.Watcher
	logger *slog.Logger

	// dirs is the set of directories registered with w. It is the source of
	// WatchCount and of IsDir for events on paths that no longer exist.
	mu   sync.Mutex
	dirs map[string]struct{}

	events chan Event
	// errors is buffered; report drops when it is full.
	errors chan error
	// done is closed by Close before w is closed, so run can tell a
	// requested shutdown from a failure.
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newFsnotifyBackend(opts Options) (Backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: fsnotify: %v", ErrFatal, err)
	}

	b := &fsnotifyBackend{
		w:      w,
		logger: opts.Logger,
		dirs:   make(map[string]struct{}),
		events: make(chan Event, opts.BufferSize),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b, nil
}

// Add walks root and registers every directory found. Subdirectories that
// cannot be read are logged and skipped; failure to register root itself is
// returned.
func (b *fsnotifyBackend) Add(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("fsnotify: resolve %q: %w", root, err)
	}
	if err := b.w.Add(abs); err != nil {
		return fmt.Errorf("fsnotify: watch %q: %w", abs, err)
	}
	b.track(abs)
	b.addTree(abs)
	return nil
}

// addTree registers the directories beneath dir, excluding dir itself when it
// is already tracked.
func (b *fsnotifyBackend) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.logger.Debug("fsnotify: cannot read directory; skipping",
				slog.String("path", path),
				slog.Any("error", err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || b.tracked(path) {
			return nil
		}
		if err := b.w.Add(path); err != nil {
			b.logger.Warn("fsnotify: cannot watch directory",
				slog.String("path", path),
				slog.Any("error", err))
			return filepath.SkipDir
		}
		b.track(path)
		return nil
	})
}

// track records dir as watched.
func (b *fsnotifyBackend) track(dir string) {
	b.mu.Lock()
	b.dirs[dir] = struct{}{}
	b.mu.Unlock()
}

// untrack forgets dir and every tracked directory beneath it and returns
// the forgotten paths.
func (b *fsnotifyBackend) untrack(dir string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var gone []string
	prefix := dir + string(filepath.Separator)
	for d := range b.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(b.dirs, d)
			gone = append(gone, d)
		}
	}
	return gone
}

func (b *fsnotifyBackend) tracked(dir string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dirs[dir]
	return ok
}

func (b *fsnotifyBackend) Events() <-chan Event { return b.events }

func (b *fsnotifyBackend) Errors() <-chan error { return b.errors }

func (b *fsnotifyBackend) WatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirs)
}

func (b *fsnotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.w.Close()
		b.wg.Wait()
		close(b.events)
		close(b.errors)
	})
	return err
}

func (b *fsnotifyBackend) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.w.Events:
			if !ok {
				b.closedUnexpectedly("event")
				return
			}
			b.dispatch(ev)
		case err, ok := <-b.w.Errors:
			if !ok {
				b.closedUnexpectedly("error")
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.logger.Warn("fsnotify: kernel event queue overflowed; some events may be lost")
			}
			b.report(err)
		}
	}
}

// closedUnexpectedly reports ErrFatal unless the stream closed because Close
// was called.
func (b *fsnotifyBackend) closedUnexpectedly(stream string) {
	select {
	case <-b.done:
	default:
		b.report(fmt.Errorf("%w: fsnotify %s stream closed", ErrFatal, stream))
	}
}

// dispatch translates one fsnotify event. When several operations are
// combined the most significant one wins.
func (b *fsnotifyBackend) dispatch(ev fsnotify.Event) {
	var kind Kind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove):
		kind = Deleted
	case ev.Has(fsnotify.Rename):
		kind = Moved
	case ev.Has(fsnotify.Chmod):
		kind = Modified
	default:
		return
	}

	isDir := false
	switch kind {
	case Created:
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			isDir = true
			b.addTree(ev.Name)
		}
	case Deleted:
		// The kernel drops the watches of a removed tree; only the
		// bookkeeping remains.
		isDir = len(b.untrack(ev.Name)) > 0
	case Moved:
		// A renamed tree keeps its kernel watches under the old names. The
		// new name, if still under a root, arrives as a Create and is
		// registered afresh.
		gone := b.untrack(ev.Name)
		isDir = len(gone) > 0
		for _, d := range gone {
			_ = b.w.Remove(d)
		}
	default:
		isDir = b.tracked(ev.Name)
	}

	b.send(Event{Path: ev.Name, Kind: kind, IsDir: isDir, Time: time.Now()})
}

// send blocks until the consumer accepts the event or the backend closes.
func (b *fsnotifyBackend) send(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// report delivers err without blocking; a full error channel drops it.
func (b *fsnotifyBackend) report(err error) {
	select {
	case b.errors <- err:
	default:
		b.logger.Warn("fsnotify: error channel full, dropping error", slog.Any("error", err))
	}
}
