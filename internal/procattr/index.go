package procattr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrIndexNotReady is reported by Index.FindHolder before the first
// successful refresh.
var ErrIndexNotReady = errors.New("procattr: index not yet built")

// DefaultRefreshTimeout bounds one full rebuild of an Index. It is
// independent of the refresh interval: a host whose process table takes
// longer to walk than the interval still gets an index.
const DefaultRefreshTimeout = 30 * time.Second

// Index is a Finder that answers from a path -> holder map rebuilt on a timer,
// trading freshness for constant-time lookups under high event volume. A file
// opened and closed between refreshes is never attributed.
type Index struct {
	scanner  *Scanner
	interval time.Duration
	// timeout bounds a single Refresh.
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	holders map[string]Process
	// refreshed is the time holders was last replaced; zero until the first
	// build, complete or partial.
	refreshed time.Time
	// complete is false while holders comes from a build that ran out of
	// time. A partial index is replaced by any later build.
	complete bool

	// done is closed by Stop; wg tracks the refresh loop.
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewIndex returns an Index refreshed every interval using scanner's process
// enumeration. Each rebuild may take up to DefaultRefreshTimeout, or twice
// the interval when that is longer.
func NewIndex(scanner *Scanner, interval time.Duration, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := DefaultRefreshTimeout
	if 2*interval > timeout {
		timeout = 2 * interval
	}
	return &Index{
		scanner:  scanner,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start builds the index once and then refreshes it in the background until
// Stop is called or ctx is cancelled.
func (ix *Index) Start(ctx context.Context) {
	ix.startOnce.Do(func() {
		if err := ix.Refresh(ctx); err != nil {
			ix.logger.Warn("procattr: initial index build failed", slog.Any("error", err))
		}
		ix.wg.Add(1)
		go ix.loop(ctx)
	})
}

// Stop halts background refreshes and waits for an in-flight refresh to
// finish. It is idempotent and safe before Start.
func (ix *Index) Stop() {
	ix.stopOnce.Do(func() {
		close(ix.done)
		ix.wg.Wait()
	})
}

// loop refreshes the index every interval until Stop or ctx ends. A tick
// that fires during a slow refresh is skipped, not queued.
func (ix *Index) loop(ctx context.Context) {
	defer ix.wg.Done()

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ix.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Refresh(ctx); err != nil {
				ix.logger.Warn("procattr: index refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh rebuilds the index. On failure the previous complete index is
// kept. A rebuild that runs out of time before any complete index exists
// publishes what it collected, so lookups work while the scan is slow; the
// timeout is still returned.
func (ix *Index) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	holders := make(map[string]Process)
	err := ix.scanner.each(ctx, func(h handle, files []string) bool {
		var (
			p         Process
			described bool
		)
		for _, f := range files {
			if _, taken := holders[f]; taken {
				continue
			}
			if !described {
				p, described = h.Describe(ctx), true
			}
			holders[f] = p
		}
		return false
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && len(holders) > 0 && ix.publishPartial(holders) {
			ix.logger.Warn("procattr: index build timed out; serving partial index",
				slog.Int("paths", len(holders)),
				slog.Duration("timeout", ix.timeout))
		}
		return err
	}

	ix.mu.Lock()
	ix.holders = holders
	ix.refreshed = time.Now()
	ix.complete = true
	ix.mu.Unlock()

	ix.logger.Debug("procattr: index refreshed", slog.Int("paths", len(holders)))
	return nil
}

// publishPartial installs holders unless a complete index is already
// present. It reports whether holders was installed.
func (ix *Index) publishPartial(holders map[string]Process) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.complete {
		return false
	}
	ix.holders = holders
	ix.refreshed = time.Now()
	return true
}

// FindHolder answers from the last refresh.
func (ix *Index) FindHolder(_ context.Context, path string) Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.refreshed.IsZero() {
		return failed(ErrIndexNotReady)
	}
	if p, ok := ix.holders[path]; ok {
		return found(p)
	}
	return Result{Status: NotFound}
}
