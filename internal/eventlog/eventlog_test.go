package eventlog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tripwire/filemon/internal/eventlog"
	"github.com/tripwire/filemon/internal/metadata"
	"github.com/tripwire/filemon/internal/procattr"
	"github.com/tripwire/filemon/internal/watcher"
)

var (
	eventTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	snapshot  = metadata.Snapshot{
		Size:        2048,
		Permissions: "-rw-r--r--",
		Owner:       "root",
		Group:       "wheel",
		ModTime:     time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC),
		Extension:   ".conf",
	}
)

// jsonLogger returns a Logger whose output is decoded line by line.
func jsonLogger(buf *bytes.Buffer) *eventlog.Logger {
	return eventlog.New(slog.New(slog.NewJSONHandler(buf, nil)))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return m
}

func TestLog_WithMetadataAndProcess(t *testing.T) {
	var buf bytes.Buffer
	res := procattr.Result{Status: procattr.Found, Process: procattr.Process{
		PID: 42, Name: "vim", User: "alice", Cmdline: "vim /tmp/app.conf", Cwd: "/home/alice",
	}}

	jsonLogger(&buf).Log(watcher.Modified, "/tmp/app.conf", eventTime, snapshot, res)
	m := decode(t, &buf)

	want := map[string]any{
		"msg":              "Event",
		"event_type":       "modified",
		"file_path":        "/tmp/app.conf",
		"event_timestamp":  "2024-05-06 07:08:09",
		"file_size":        float64(2048),
		"file_size_human":  "2.0 KiB",
		"file_permissions": "-rw-r--r--",
		"file_owner":       "root",
		"file_group":       "wheel",
		"file_mtime":       "Mon May  6 07:00:00 2024",
		"file_extension":   ".conf",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}

	pi, ok := m["process_info"].(map[string]any)
	if !ok {
		t.Fatalf("process_info = %v, want object", m["process_info"])
	}
	if pi["process_id"] != float64(42) || pi["process_name"] != "vim" || pi["process_cwd"] != "/home/alice" {
		t.Errorf("process_info = %v", pi)
	}
}

func TestLog_EmptyMetadataAndNoProcess(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf).Log(watcher.Deleted, "/tmp/app.conf", eventTime, metadata.Snapshot{}, procattr.Result{Status: procattr.NotFound})
	m := decode(t, &buf)

	if m["event_type"] != "deleted" || m["file_path"] != "/tmp/app.conf" {
		t.Errorf("record = %v", m)
	}
	for _, k := range []string{"file_size", "file_permissions", "file_owner", "file_mtime"} {
		if _, present := m[k]; present {
			t.Errorf("%s present for empty snapshot", k)
		}
	}
	if m["process_info"] != eventlog.NotAvailable {
		t.Errorf("process_info = %v, want %q", m["process_info"], eventlog.NotAvailable)
	}
}

func TestLog_FailedAttributionUsesMarker(t *testing.T) {
	r := eventlog.NewRecord(watcher.Created, "/x.log", eventTime, snapshot,
		procattr.Result{Status: procattr.Failed, Err: errors.New("timeout")})
	if r.Process != nil {
		t.Errorf("Process = %+v, want nil for failed attribution", r.Process)
	}
}

// failingHandler fails every Handle call and records what it was asked to
// write.
type failingHandler struct {
	calls  []string
	panics bool
}

func (h *failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *failingHandler) Handle(_ context.Context, r slog.Record) error {
	h.calls = append(h.calls, r.Message)
	if h.panics && r.Message == eventlog.Message {
		panic("sink exploded")
	}
	return errors.New("disk full")
}
func (h *failingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *failingHandler) WithGroup(string) slog.Handler      { return h }

func TestWrite_SinkErrorIsReportedNotPropagated(t *testing.T) {
	h := &failingHandler{}
	l := eventlog.New(slog.New(h))

	if ok := l.Write(eventlog.NewRecord(watcher.Modified, "/a.conf", eventTime, snapshot, procattr.Result{})); ok {
		t.Error("Write reported success on a failing sink")
	}
	if len(h.calls) != 2 || h.calls[1] != "eventlog: failed to write event" {
		t.Errorf("handler calls = %v, want event then failure report", h.calls)
	}
}

func TestWrite_SinkPanicIsRecovered(t *testing.T) {
	h := &failingHandler{panics: true}
	l := eventlog.New(slog.New(h))

	ok := l.Write(eventlog.NewRecord(watcher.Modified, "/a.conf", eventTime, snapshot, procattr.Result{}))
	if ok {
		t.Error("Write reported success after a panicking sink")
	}
}

func TestWrite_DisabledLevelIsNoop(t *testing.T) {
	var buf bytes.Buffer
	l := eventlog.New(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if !l.Write(eventlog.NewRecord(watcher.Modified, "/a.conf", eventTime, snapshot, procattr.Result{})) {
		t.Error("Write returned false for a disabled level")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}
