package procattr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultScanTimeout bounds a single FindHolder scan.
const DefaultScanTimeout = 2 * time.Second

// handle is the per-process view the scanner needs. The gopsutil-backed
// implementation lives in gopsutil.go.
type handle interface {
	PID() int32
	OpenFiles(ctx context.Context) ([]string, error)
	Describe(ctx context.Context) Process
	Zombie(ctx context.Context) bool
}

// Scanner walks the live process table on every lookup. The cost is
// O(processes x open handles) per call.
type Scanner struct {
	logger *slog.Logger
	// timeout bounds one FindHolder call, on top of the caller's ctx.
	timeout time.Duration
	// list enumerates the process table. Tests replace it with a fixed
	// slice of fake handles.
	list func(ctx context.Context) ([]handle, error)
}

// NewScanner returns a Scanner over the host process table. timeout <= 0
// uses DefaultScanTimeout.
func NewScanner(logger *slog.Logger, timeout time.Duration) *Scanner {
	return newScanner(logger, timeout, listProcesses)
}

// newScanner is NewScanner with an injectable process lister.
func newScanner(logger *slog.Logger, timeout time.Duration, list func(context.Context) ([]handle, error)) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &Scanner{logger: logger, timeout: timeout, list: list}
}

// FindHolder returns the first process whose open files include path
// exactly. Process order is whatever the OS reports.
func (s *Scanner) FindHolder(ctx context.Context, path string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		holder Process
		ok     bool
	)
	err := s.each(ctx, func(h handle, files []string) bool {
		for _, f := range files {
			if f == path {
				holder, ok = h.Describe(ctx), true
				return true
			}
		}
		return false
	})

	switch {
	case ok:
		return found(holder)
	case err != nil:
		s.logger.Warn("procattr: scan incomplete",
			slog.String("path", path),
			slog.Any("error", err))
		return failed(err)
	default:
		return Result{Status: NotFound}
	}
}

// each lists processes and calls visit with each one's open files until
// visit returns true. Processes that vanish, deny access, or are zombies are
// logged and skipped.
func (s *Scanner) each(ctx context.Context, visit func(h handle, files []string) bool) error {
	procs, err := s.list(ctx)
	if err != nil {
		return fmt.Errorf("procattr: list processes: %w", err)
	}

	for _, h := range procs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("procattr: scan interrupted: %w", err)
		}
		files, err := h.OpenFiles(ctx)
		if err != nil {
			s.logger.Debug("procattr: skipping process",
				slog.Int("pid", int(h.PID())),
				slog.String("reason", s.reason(ctx, h, err)),
				slog.Any("error", err))
			continue
		}
		if visit(h, files) {
			return nil
		}
	}
	return nil
}

// reason classifies why a process's open files could not be read, for the
// debug log only.
func (s *Scanner) reason(ctx context.Context, h handle, err error) string {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, fs.ErrNotExist):
		return "vanished"
	case errors.Is(err, fs.ErrPermission):
		return "access denied"
	case h.Zombie(ctx):
		return "zombie"
	default:
		return "unreadable"
	}
}
