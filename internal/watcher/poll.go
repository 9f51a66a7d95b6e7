package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultPollInterval is how often the poll backend rescans its roots when
// Options.PollInterval is unset.
const DefaultPollInterval = time.Second

func init() {
	factories["poll"] = newPollBackend
}

// fileState holds the stat fields compared between two scans.
type fileState struct {
	mode    os.FileMode
	size    int64
	modTime time.Time
}

func (s fileState) isDir() bool { return s.mode.IsDir() }

// pollBackend detects changes by comparing periodic snapshots of every path
// under its roots. It holds no kernel watch handles, so it works on network
// and FUSE filesystems that deliver no notifications. Opened and Closed are
// never reported.
type pollBackend struct {
	logger   *slog.Logger
	interval time.Duration

	events chan Event
	errs   chan error
	done   chan struct{}

	// mu guards roots and snapshot. poll holds it for a whole rescan, so Add
	// never interleaves with a diff.
	mu    sync.Mutex
	roots []string
	// snapshot maps every path seen by the last scan to its stat fields.
	snapshot map[string]fileState

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPollBackend(opts Options) (Backend, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	b := &pollBackend{
		logger:   opts.Logger,
		interval: interval,
		events:   make(chan Event, opts.BufferSize),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

// Add takes the initial snapshot of root. Paths already present are not
// reported.
func (b *pollBackend) Add(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("watcher: resolve %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watcher: add %q: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: add %q: not a directory", abs)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.roots = append(b.roots, abs)
	b.scanRoot(abs, b.snapshot)
	return nil
}

func (b *pollBackend) Events() <-chan Event { return b.events }
func (b *pollBackend) Errors() <-chan error { return b.errs }

// WatchCount returns the number of directories in the current snapshot.
func (b *pollBackend) WatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.snapshot {
		if st.isDir() {
			n++
		}
	}
	return n
}

func (b *pollBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		close(b.events)
		close(b.errs)
	})
	return nil
}

func (b *pollBackend) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			for _, ev := range b.poll() {
				if !b.send(ev) {
					return
				}
			}
		}
	}
}

// poll rescans every root and returns the differences from the previous
// snapshot, parents before children.
func (b *pollBackend) poll() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]fileState, len(b.snapshot))
	for _, root := range b.roots {
		b.scanRoot(root, current)
	}
	evs := diff(b.snapshot, current, time.Now())
	b.snapshot = current
	return evs
}

// scanRoot records every path under root into into. Unreadable
// subdirectories are skipped; a vanished root yields nothing, so its former
// contents are reported as deleted.
func (b *pollBackend) scanRoot(root string, into map[string]fileState) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				b.logger.Debug("watcher: skipping unreadable directory", slog.String("path", path), slog.Any("error", err))
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		into[path] = fileState{mode: info.Mode(), size: info.Size(), modTime: info.ModTime()}
		return nil
	})
}

// diff reports created, modified, and deleted paths between two snapshots.
// Directory mtime changes are not reported as modifications.
func diff(old, current map[string]fileState, now time.Time) []Event {
	var evs []Event
	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			evs = append(evs, Event{Path: path, Kind: Created, IsDir: cur.isDir(), Time: now})
		case cur.isDir():
		case cur.modTime != prev.modTime || cur.size != prev.size || cur.mode != prev.mode:
			evs = append(evs, Event{Path: path, Kind: Modified, Time: now})
		}
	}
	for path, prev := range old {
		if _, ok := current[path]; !ok {
			evs = append(evs, Event{Path: path, Kind: Deleted, IsDir: prev.isDir(), Time: now})
		}
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].Path < evs[j].Path })
	return evs
}

// send blocks until the consumer takes ev or the backend closes.
func (b *pollBackend) send(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}
