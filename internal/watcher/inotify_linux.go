//go:build linux

package watcher

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	factories["inotify"] = newInotifyBackend
}

// inotifyMask is the event set requested on every watched directory.
//
//   - IN_OPEN:        a file was opened (reported as Opened)
//   - IN_CLOSE_WRITE: a writable file was closed
//   - IN_MODIFY, IN_ATTRIB: content or metadata changed
//   - IN_CREATE, IN_DELETE, IN_MOVED_FROM, IN_MOVED_TO: directory entries changed
const inotifyMask uint32 = unix.IN_OPEN |
	unix.IN_CLOSE_WRITE |
	unix.IN_MODIFY |
	unix.IN_ATTRIB |
	unix.IN_CREATE |
	unix.IN_DELETE |
	unix.IN_MOVED_FROM |
	unix.IN_MOVED_TO

// inotifyBackend watches directory trees with the Linux inotify API directly.
// Unlike fsnotify it also reports open and close-after-write events.
type inotifyBackend struct {
	logger *slog.Logger

	// fd is the non-blocking inotify instance. It is closed only after run
	// has returned.
	fd int

	// pipeR/pipeW form a self-pipe: Close writes a byte to pipeW, which
	// unblocks the poll(2) call in run.
	pipeR int
	pipeW int

	// wds maps each watch descriptor to the directory it watches. Entries
	// are removed on IN_IGNORED and when a directory is moved away.
	mu  sync.Mutex
	wds map[int]string

	events    chan Event
	errors    chan error
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newInotifyBackend(opts Options) (Backend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: inotify: init: %v", ErrFatal, err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: inotify: pipe2: %v", ErrFatal, err)
	}

	b := &inotifyBackend{
		logger: opts.Logger,
		fd:     fd,
		pipeR:  p[0],
		pipeW:  p[1],
		wds:    make(map[int]string),
		events: make(chan Event, opts.BufferSize),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *inotifyBackend) Add(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("inotify: resolve %q: %w", root, err)
	}
	if err := b.addWatch(abs); err != nil {
		return err
	}
	b.addTree(abs)
	return nil
}

// addWatch registers a single directory.
func (b *inotifyBackend) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(b.fd, dir, inotifyMask|unix.IN_ONLYDIR)
	if err != nil {
		return fmt.Errorf("inotify: watch %q: %w", dir, err)
	}
	b.mu.Lock()
	b.wds[wd] = dir
	b.mu.Unlock()
	return nil
}

// addTree registers every directory beneath dir, not dir itself.
// Unreadable subtrees are skipped.
func (b *inotifyBackend) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.logger.Debug("inotify: cannot read directory; skipping",
				slog.String("path", path),
				slog.Any("error", err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if err := b.addWatch(path); err != nil {
			b.logger.Warn("inotify: cannot watch directory", slog.Any("error", err))
			return filepath.SkipDir
		}
		return nil
	})
}

func (b *inotifyBackend) Events() <-chan Event { return b.events }

func (b *inotifyBackend) Errors() <-chan error { return b.errors }

func (b *inotifyBackend) WatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.wds)
}

func (b *inotifyBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		unix.Write(b.pipeW, []byte{0}) //nolint:errcheck
		b.wg.Wait()
		// Close the inotify fd only after run exits so Poll/Read never see
		// a recycled descriptor.
		unix.Close(b.pipeW)
		unix.Close(b.pipeR)
		unix.Close(b.fd)
		close(b.events)
		close(b.errors)
	})
	return nil
}

func (b *inotifyBackend) run() {
	defer b.wg.Done()

	// Room for many events: header plus up to NAME_MAX+1 bytes of name each.
	buf := make([]byte, 4096*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	pollFds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.report(fmt.Errorf("%w: inotify: poll: %v", ErrFatal, err))
			return
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			b.report(fmt.Errorf("%w: inotify: read: %v", ErrFatal, err))
			return
		}

		b.parse(buf[:n])
	}
}

// parse walks a buffer of consecutive inotify_event records:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;     // length of name incl. NUL padding
//	    char     name[];
//	}
func (b *inotifyBackend) parse(buf []byte) {
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += unix.SizeofInotifyEvent

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			name = string(bytes.TrimRight(buf[offset:end], "\x00"))
			offset = end
		}

		b.dispatch(int(raw.Wd), raw.Mask, name)
	}
}

// dispatch translates one raw event, keeps the watch table in step with
// directory creation, moves and removal, and delivers the Event.
func (b *inotifyBackend) dispatch(wd int, mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		b.logger.Warn("inotify: kernel event queue overflowed; some events may be lost")
		b.report(fmt.Errorf("inotify: event queue overflow"))
		return
	}

	b.mu.Lock()
	dir, ok := b.wds[wd]
	if ok && mask&unix.IN_IGNORED != 0 {
		delete(b.wds, wd)
	}
	b.mu.Unlock()
	if !ok || name == "" {
		// Events about the watched directory itself are reported by its
		// parent's watch.
		return
	}

	path := filepath.Join(dir, name)
	isDir := mask&unix.IN_ISDIR != 0

	var kind Kind
	switch {
	case mask&unix.IN_CREATE != 0:
		kind = Created
	case mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0:
		kind = Moved
	case mask&unix.IN_DELETE != 0:
		kind = Deleted
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0:
		kind = Modified
	case mask&unix.IN_CLOSE_WRITE != 0:
		kind = Closed
	case mask&unix.IN_OPEN != 0:
		kind = Opened
	default:
		return
	}

	if isDir && mask&unix.IN_MOVED_FROM != 0 {
		b.removeTree(path)
	}
	if isDir && (mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0) {
		if err := b.addWatch(path); err != nil {
			b.logger.Warn("inotify: cannot watch new directory", slog.Any("error", err))
		} else {
			b.addTree(path)
		}
	}

	select {
	case b.events <- Event{Path: path, Kind: kind, IsDir: isDir, Time: time.Now()}:
	case <-b.done:
	}
}

// removeTree drops the watches on dir and every directory beneath it. A
// directory moved out of the roots would otherwise keep reporting events
// under its old path; one moved within the roots is re-added by its
// IN_MOVED_TO.
func (b *inotifyBackend) removeTree(dir string) {
	prefix := dir + string(filepath.Separator)
	b.mu.Lock()
	defer b.mu.Unlock()
	for wd, p := range b.wds {
		if p != dir && !strings.HasPrefix(p, prefix) {
			continue
		}
		if _, err := unix.InotifyRmWatch(b.fd, uint32(wd)); err != nil {
			b.logger.Debug("inotify: remove watch", slog.String("path", p), slog.Any("error", err))
		}
		delete(b.wds, wd)
	}
}

// report delivers err without blocking; a full error channel drops it.
func (b *inotifyBackend) report(err error) {
	select {
	case b.errors <- err:
	default:
		b.logger.Warn("inotify: error channel full, dropping error", slog.Any("error", err))
	}
}
