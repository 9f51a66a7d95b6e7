// Package watcher provides recursive filesystem change notification for
// filemon. Backends register themselves by name. The portable fsnotify and
// poll backends are always available; a native inotify backend is compiled
// in on Linux.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Kind classifies the kind of filesystem change observed.
type Kind uint8

const (
	// Created indicates a file or directory was created.
	Created Kind = iota + 1
	// Modified indicates file content or metadata changed.
	Modified
	// Deleted indicates a file or directory was removed.
	Deleted
	// Moved indicates a file or directory was renamed or moved.
	Moved
	// Opened indicates a file was opened. It carries no content change.
	Opened
	// Closed indicates a file opened for writing was closed.
	Closed
)

// kindNames holds the event_type values written to the log.
var kindNames = map[Kind]string{
	Created:  "created",
	Modified: "modified",
	Deleted:  "deleted",
	Moved:    "moved",
	Opened:   "opened",
	Closed:   "closed",
}

// String returns the lowercase name logged as event_type.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event carries a single raw change notification from a backend.
type Event struct {
	// Path is the absolute path of the affected filesystem object.
	Path string
	// Kind classifies the change.
	Kind Kind
	// IsDir reports whether the affected object is a directory.
	IsDir bool
	// Time is when the backend observed the change.
	Time time.Time
}

// Backend is a recursive change-notification source. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Add registers root and every directory beneath it. Directories created
	// later under a registered root are added automatically.
	Add(root string) error
	// Events returns the bounded channel on which change notifications are
	// delivered. It is closed once Close returns.
	Events() <-chan Event
	// Errors returns the channel of asynchronous backend errors. Errors
	// wrapping ErrFatal mean the backend has stopped delivering events.
	Errors() <-chan error
	// WatchCount returns the number of directories currently watched.
	WatchCount() int
	// Close stops the backend and blocks until its goroutines have exited.
	// It is idempotent.
	Close() error
}

// DefaultBufferSize is the capacity of the Events channel when Options does
// not specify one.
const DefaultBufferSize = 64

// DefaultBackend is the backend used when no name is given.
const DefaultBackend = "fsnotify"

var (
	// ErrUnsupported is returned by NewBackend for a backend that is not
	// available on this platform.
	ErrUnsupported = errors.New("watcher: backend not supported on this platform")

	// ErrFatal marks an error after which a backend delivers no more events.
	ErrFatal = errors.New("watcher: backend failed")
)

// Options configures a backend.
type Options struct {
	// BufferSize is the capacity of the Events channel. Values <= 0 use
	// DefaultBufferSize.
	BufferSize int
	// Logger receives backend diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
	// PollInterval is the rescan period of the poll backend. Values <= 0 use
	// DefaultPollInterval.
	PollInterval time.Duration
}

// factories holds the registered backend constructors. Platform files add
// their entries in init().
var factories = map[string]func(Options) (Backend, error){
	"fsnotify": newFsnotifyBackend,
}

// Backends returns the names of the backends available on this platform.
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend constructs the backend registered under name. An empty name
// selects DefaultBackend.
func NewBackend(name string, opts Options) (Backend, error) {
	if name == "" {
		name = DefaultBackend
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return factory(opts)
}
