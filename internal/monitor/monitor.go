// Package monitor contains the filemon controller. It owns the watch roots,
// registers them with a change-notification backend, and runs each accepted
// event through metadata extraction, process attribution, and the event
// logger, one event at a time.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/filemon/internal/config"
	"github.com/tripwire/filemon/internal/eventlog"
	"github.com/tripwire/filemon/internal/filter"
	"github.com/tripwire/filemon/internal/metadata"
	"github.com/tripwire/filemon/internal/procattr"
	"github.com/tripwire/filemon/internal/watcher"
)

// State is the controller lifecycle state. The only transitions are
// Stopped -> Starting -> Running -> Stopping -> Stopped, plus
// Starting -> Stopped when Start fails.
type State int32

const (
	// Stopped is the initial state and the state after Stop returns. No
	// backend exists and no goroutines are running.
	Stopped State = iota
	// Starting means Start is creating the backend and registering roots.
	// A concurrent Stop waits for Start to leave this state.
	Starting
	// Running means events are being consumed and logged.
	Running
	// Stopping means Stop is closing the backend and draining the in-flight
	// event.
	Stopping
)

// String returns the lowercase state name used in logs and Stats.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrAlreadyRunning is returned by Start when the controller is not Stopped.
var ErrAlreadyRunning = errors.New("monitor: already running")

// Extractor reads file metadata for an event path.
type Extractor interface {
	Extract(path string) metadata.Snapshot
}

// EventLogger writes one record per accepted event.
type EventLogger interface {
	Log(kind watcher.Kind, path string, ts time.Time, snap metadata.Snapshot, res procattr.Result)
}

// Tee returns an EventLogger that hands every event to each of loggers in
// order.
func Tee(loggers ...EventLogger) EventLogger {
	return tee(loggers)
}

// tee is the EventLogger returned by Tee.
type tee []EventLogger

func (t tee) Log(kind watcher.Kind, path string, ts time.Time, snap metadata.Snapshot, res procattr.Result) {
	for _, l := range t {
		l.Log(kind, path, ts, snap, res)
	}
}

// BackendFactory constructs the change-notification backend on Start.
type BackendFactory func() (watcher.Backend, error)

// Monitor is the filemon controller. It is safe for concurrent use.
type Monitor struct {
	// cfg is read-only after New.
	cfg    *config.Config
	logger *slog.Logger

	// Pipeline stages, applied to every notification in this order.
	filter     *filter.Filter
	extractor  Extractor
	finder     procattr.Finder
	events     EventLogger
	newBackend BackendFactory

	// mu guards the lifecycle fields below. It is never held while an event
	// is processed.
	mu    sync.Mutex
	state State
	// ready is closed when Start leaves Starting, successfully or not.
	ready   chan struct{}
	backend watcher.Backend
	// stop is closed by Stop; cancel ends any in-flight attribution scan.
	stop   chan struct{}
	cancel context.CancelFunc
	// failed is closed at most once per run, by fail, after failErr is set.
	failed    chan struct{}
	failErr   error
	failOnce  *sync.Once
	startTime time.Time
	// roots holds the configured paths that were registered successfully.
	roots []string
	// wg tracks the event and error goroutines of the current run.
	wg sync.WaitGroup

	// Counters survive restarts; lastAt is the UnixNano of the most recent
	// logged event.
	received atomic.Uint64
	accepted atomic.Uint64
	logged   atomic.Uint64
	lastAt   atomic.Int64
}

// Option is a functional option for Monitor construction.
type Option func(*Monitor)

// WithBackend overrides how the backend is constructed.
func WithBackend(f BackendFactory) Option {
	return func(m *Monitor) { m.newBackend = f }
}

// WithExtractor overrides the metadata extractor.
func WithExtractor(e Extractor) Option {
	return func(m *Monitor) { m.extractor = e }
}

// WithFinder overrides process attribution.
func WithFinder(f procattr.Finder) Option {
	return func(m *Monitor) { m.finder = f }
}

// WithEventLogger overrides the event record writer.
func WithEventLogger(l EventLogger) Option {
	return func(m *Monitor) { m.events = l }
}

// New creates a Monitor for cfg. Components not supplied via options default
// to the real implementations: the configured watcher backend, a metadata
// Extractor, a process Scanner (or procattr.Nop when attribution is disabled),
// and an eventlog.Logger writing through logger.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		filter: filter.New(cfg.ExcludeDirs, cfg.FileFilters),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.newBackend == nil {
		m.newBackend = func() (watcher.Backend, error) {
			return watcher.NewBackend(cfg.Backend, watcher.Options{
				BufferSize:   cfg.BufferSize,
				Logger:       logger,
				PollInterval: cfg.PollInterval,
			})
		}
	}
	if m.extractor == nil {
		m.extractor = metadata.NewExtractor(logger)
	}
	if m.finder == nil {
		if cfg.Attribution.Enabled {
			m.finder = procattr.NewScanner(logger, cfg.Attribution.ScanTimeout)
		} else {
			m.finder = procattr.Nop{}
		}
	}
	if m.events == nil {
		m.events = eventlog.New(logger)
	}
	return m
}

// Start registers a recursive watch for every configured root that exists
// and begins processing events. Missing roots and per-root registration
// failures are logged and skipped. Start returns an error only when the
// backend cannot be created or ctx is cancelled before every root was
// attempted; the monitor is then left Stopped.
//
// ctx bounds startup only. Once Running, the monitor runs until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Stopped {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = Starting
	ready := make(chan struct{})
	m.ready = ready
	m.mu.Unlock()
	defer close(ready)

	if err := ctx.Err(); err != nil {
		m.setState(Stopped)
		return fmt.Errorf("monitor: start: %w", err)
	}

	backend, err := m.newBackend()
	if err != nil {
		m.setState(Stopped)
		return fmt.Errorf("monitor: create backend: %w", err)
	}

	var roots []string
	for _, root := range m.cfg.Paths {
		if err := ctx.Err(); err != nil {
			if cerr := backend.Close(); cerr != nil {
				m.logger.Warn("error closing watcher backend", slog.Any("error", cerr))
			}
			m.setState(Stopped)
			return fmt.Errorf("monitor: start: %w", err)
		}
		if _, err := os.Stat(root); err != nil {
			m.logger.Warn("Path does not exist", slog.String("path", root), slog.Any("error", err))
			continue
		}
		if err := backend.Add(root); err != nil {
			m.logger.Warn("cannot watch path", slog.String("path", root), slog.Any("error", err))
			continue
		}
		roots = append(roots, root)
	}
	if len(roots) == 0 {
		m.logger.Warn("no watch roots registered; no events will be reported")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.backend = backend
	m.roots = roots
	m.stop = make(chan struct{})
	m.cancel = cancel
	m.failed = make(chan struct{})
	m.failErr = nil
	m.failOnce = new(sync.Once)
	m.startTime = time.Now()
	m.state = Running
	stop, failed, once := m.stop, m.failed, m.failOnce
	m.mu.Unlock()

	m.wg.Add(2)
	go m.processEvents(runCtx, backend, stop, failed, once)
	go m.watchErrors(backend, failed, once)

	m.logger.Info("File monitoring started.",
		slog.Int("roots", len(roots)),
		slog.Int("watches", backend.WatchCount()),
		slog.String("backend", m.cfg.Backend),
	)
	return nil
}

// Stop halts the backend and waits for the in-flight event to finish. It is
// idempotent and safe to call before Start. A Stop that arrives while Start
// is still registering roots waits for Start to finish and then stops the
// monitor it started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for m.state == Starting {
		ready := m.ready
		m.mu.Unlock()
		<-ready
		m.mu.Lock()
	}
	if m.state != Running {
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	backend, stop, cancel := m.backend, m.stop, m.cancel
	m.mu.Unlock()

	close(stop)
	cancel()
	if err := backend.Close(); err != nil {
		m.logger.Warn("error closing watcher backend", slog.Any("error", err))
	}
	m.wg.Wait()

	m.mu.Lock()
	m.backend = nil
	m.cancel = nil
	m.roots = nil
	m.state = Stopped
	m.mu.Unlock()

	m.logger.Info("File monitoring stopped.")
}

// Done returns a channel closed when the backend fails fatally after Start.
// It returns nil when the monitor has never been started.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Err returns the fatal backend error once Done is closed.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState sets the state without any transition check.
func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// fail records err as the run's fatal error and closes failed. Only the
// first call per run has any effect.
func (m *Monitor) fail(failed chan struct{}, once *sync.Once, err error) {
	once.Do(func() {
		m.mu.Lock()
		m.failErr = err
		m.mu.Unlock()
		m.logger.Error("watcher backend failed", slog.Any("error", err))
		close(failed)
	})
}

// processEvents consumes the backend's events until Stop or until the stream
// ends on its own, which is a fatal condition.
func (m *Monitor) processEvents(ctx context.Context, b watcher.Backend, stop <-chan struct{}, failed chan struct{}, once *sync.Once) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-b.Events():
			if !ok {
				select {
				case <-stop:
				default:
					m.fail(failed, once, fmt.Errorf("%w: event stream closed", watcher.ErrFatal))
				}
				return
			}
			m.handle(ctx, ev)
		}
	}
}

// watchErrors logs non-fatal backend errors and turns ErrFatal into a run
// failure. It returns when the backend closes its error channel.
func (m *Monitor) watchErrors(b watcher.Backend, failed chan struct{}, once *sync.Once) {
	defer m.wg.Done()

	for err := range b.Errors() {
		if errors.Is(err, watcher.ErrFatal) {
			m.fail(failed, once, err)
			continue
		}
		m.logger.Warn("watcher error", slog.Any("error", err))
	}
}

// handle runs one notification through the filter, the extractor,
// attribution and the logger, in that order. ctx is cancelled by Stop.
func (m *Monitor) handle(ctx context.Context, ev watcher.Event) {
	m.received.Add(1)

	if !m.filter.Accept(ev.Path, ev.IsDir, ev.Kind) {
		m.logger.Debug("event filtered",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Bool("is_dir", ev.IsDir))
		return
	}
	m.accepted.Add(1)

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	snap := m.extractor.Extract(ev.Path)
	res := m.finder.FindHolder(ctx, ev.Path)
	m.events.Log(ev.Kind, ev.Path, ts, snap, res)

	m.logged.Add(1)
	m.lastAt.Store(ts.UnixNano())
}

// Stats is a point-in-time summary of controller activity.
type Stats struct {
	State   string   `json:"state"`
	Backend string   `json:"backend"`
	Roots   []string `json:"roots"`
	// ActiveWatches is the number of directories the backend watches. It is
	// zero unless the monitor is Running.
	ActiveWatches int `json:"active_watches"`
	// EventsReceived counts every notification taken from the backend,
	// EventsAccepted those that passed the filter, and EventsLogged those
	// handed to the event logger. The counters are cumulative across
	// restarts.
	EventsReceived uint64 `json:"events_received"`
	EventsAccepted uint64 `json:"events_accepted"`
	EventsLogged   uint64 `json:"events_logged"`
	// StartedAt and UptimeS describe the current run.
	StartedAt time.Time `json:"started_at,omitempty"`
	UptimeS   float64   `json:"uptime_s"`
	// LastEventAt is the RFC 3339 UTC timestamp of the last logged event.
	LastEventAt string `json:"last_event_at,omitempty"`
}

// Stats returns a snapshot of the controller's counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:   m.state.String(),
		Backend: m.cfg.Backend,
		Roots:   append([]string(nil), m.roots...),
	}
	if m.state == Running {
		s.StartedAt = m.startTime
		s.UptimeS = time.Since(m.startTime).Seconds()
		s.ActiveWatches = m.backend.WatchCount()
	}
	m.mu.Unlock()

	s.EventsReceived = m.received.Load()
	s.EventsAccepted = m.accepted.Load()
	s.EventsLogged = m.logged.Load()
	if ns := m.lastAt.Load(); ns != 0 {
		s.LastEventAt = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return s
}
