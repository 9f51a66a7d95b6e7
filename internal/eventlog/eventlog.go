// Package eventlog turns an accepted change event into one structured log
// record and writes it to the configured slog sink.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tripwire/filemon/internal/metadata"
	"github.com/tripwire/filemon/internal/procattr"
	"github.com/tripwire/filemon/internal/watcher"
)

const (
	// TimestampLayout formats event_timestamp.
	TimestampLayout = "2006-01-02 15:04:05"

	// NotAvailable is logged in place of process fields when no holder was
	// attributed.
	NotAvailable = "Process info not available"

	// Message is the log message of every event record.
	Message = "Event"
)

// Record is the unit written per accepted event.
type Record struct {
	EventType      string
	FilePath       string
	EventTimestamp string
	Metadata       metadata.Snapshot
	// Process is nil when attribution found nothing or failed.
	Process *procattr.Process
}

// NewRecord merges an event with its metadata snapshot and attribution.
func NewRecord(kind watcher.Kind, path string, ts time.Time, snap metadata.Snapshot, res procattr.Result) Record {
	r := Record{
		EventType:      kind.String(),
		FilePath:       path,
		EventTimestamp: ts.Format(TimestampLayout),
		Metadata:       snap,
	}
	if p, ok := res.Holder(); ok {
		r.Process = &p
	}
	return r
}

// Attrs returns the record as slog attributes. Metadata fields are omitted
// when the snapshot is empty.
func (r Record) Attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event_type", r.EventType),
		slog.String("file_path", r.FilePath),
		slog.String("event_timestamp", r.EventTimestamp),
	}

	if m := r.Metadata; !m.Empty() {
		attrs = append(attrs,
			slog.Int64("file_size", m.Size),
			slog.String("file_size_human", humanize.IBytes(uint64(m.Size))),
			slog.String("file_permissions", m.Permissions),
			slog.String("file_owner", m.Owner),
			slog.String("file_group", m.Group),
			slog.String("file_mtime", m.ModTime.Format(time.ANSIC)),
			slog.String("file_extension", m.Extension),
		)
	}

	if p := r.Process; p != nil {
		attrs = append(attrs, slog.Group("process_info",
			slog.Int("process_id", int(p.PID)),
			slog.String("process_name", p.Name),
			slog.String("process_user", p.User),
			slog.String("process_cmdline", p.Cmdline),
			slog.String("process_cwd", p.Cwd),
		))
	} else {
		attrs = append(attrs, slog.String("process_info", NotAvailable))
	}
	return attrs
}

// Logger writes event records. It never panics or returns an error: sink
// failures are reported through the same handler when possible and dropped
// otherwise.
type Logger struct {
	// handler receives records built by Write directly.
	handler slog.Handler
}

// New returns a Logger writing through logger's handler. Nil uses
// slog.Default().
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{handler: logger.Handler()}
}

// Log writes one record for an accepted event.
func (l *Logger) Log(kind watcher.Kind, path string, ts time.Time, snap metadata.Snapshot, res procattr.Result) {
	l.Write(NewRecord(kind, path, ts, snap, res))
}

// Write emits r. It reports whether the sink accepted the record.
func (l *Logger) Write(r Record) (ok bool) {
	ctx := context.Background()
	defer func() {
		if v := recover(); v != nil {
			l.reportFailure(ctx, r, fmt.Errorf("eventlog: handler panic: %v", v))
			ok = false
		}
	}()

	if !l.handler.Enabled(ctx, slog.LevelInfo) {
		return true
	}
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, Message, callerPC())
	rec.AddAttrs(r.Attrs()...)
	if err := l.handler.Handle(ctx, rec); err != nil {
		l.reportFailure(ctx, r, err)
		return false
	}
	return true
}

// reportFailure makes one attempt to log the sink failure itself. If that
// fails too the record is dropped.
func (l *Logger) reportFailure(ctx context.Context, r Record, cause error) {
	defer func() { _ = recover() }()

	if !l.handler.Enabled(ctx, slog.LevelError) {
		return
	}
	rec := slog.NewRecord(time.Now(), slog.LevelError, "eventlog: failed to write event", 0)
	rec.AddAttrs(
		slog.String("file_path", r.FilePath),
		slog.String("event_type", r.EventType),
		slog.Any("error", cause),
	)
	_ = l.handler.Handle(ctx, rec)
}

// callerPC returns the program counter of Write's caller.
func callerPC() uintptr {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	return pcs[0]
}
