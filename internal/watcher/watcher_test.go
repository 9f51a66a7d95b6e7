package watcher_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/filemon/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// newBackend constructs the named backend and registers Close as cleanup.
// The poll backend rescans every 20ms so the shared timeouts hold.
func newBackend(t *testing.T, name string) watcher.Backend {
	t.Helper()
	b, err := watcher.NewBackend(name, watcher.Options{
		Logger:       quietLogger(),
		PollInterval: 20 * time.Millisecond,
	})
	if errors.Is(err, watcher.ErrUnsupported) {
		t.Skipf("backend %q not supported on this platform", name)
	}
	if err != nil {
		t.Fatalf("NewBackend(%q): %v", name, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitFor reads events until match returns true or timeout elapses.
func waitFor(t *testing.T, ch <-chan watcher.Event, timeout time.Duration, match func(watcher.Event) bool) (watcher.Event, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return watcher.Event{}, false
			}
			if match(ev) {
				return ev, true
			}
		case <-deadline:
			return watcher.Event{}, false
		}
	}
}

func pathIs(path string, kind watcher.Kind) func(watcher.Event) bool {
	return func(ev watcher.Event) bool { return ev.Path == path && ev.Kind == kind }
}

// waitWatchCount polls b.WatchCount until it equals want or timeout elapses.
func waitWatchCount(t *testing.T, b watcher.Backend, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := b.WatchCount()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("WatchCount = %d, want %d", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind watcher.Kind
		want string
	}{
		{watcher.Created, "created"},
		{watcher.Modified, "modified"},
		{watcher.Deleted, "deleted"},
		{watcher.Moved, "moved"},
		{watcher.Opened, "opened"},
		{watcher.Closed, "closed"},
		{watcher.Kind(99), "kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := watcher.NewBackend("kqueue-classic", watcher.Options{})
	if !errors.Is(err, watcher.ErrUnsupported) {
		t.Fatalf("NewBackend(unknown) error = %v, want ErrUnsupported", err)
	}
}

func TestBackends_IncludesFsnotify(t *testing.T) {
	for _, name := range watcher.Backends() {
		if name == "fsnotify" {
			return
		}
	}
	t.Fatalf("Backends() = %v, missing fsnotify", watcher.Backends())
}

func TestBackend_CloseIsIdempotent(t *testing.T) {
	for _, name := range watcher.Backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, name)
			if err := b.Add(t.TempDir()); err != nil {
				t.Fatalf("Add: %v", err)
			}

			done := make(chan struct{})
			go func() {
				_ = b.Close()
				_ = b.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("Close did not return within 3 seconds")
			}

			if _, ok := <-b.Events(); ok {
				t.Error("expected Events channel to be closed after Close")
			}
		})
	}
}

func TestBackend_AddMissingRoot(t *testing.T) {
	for _, name := range watcher.Backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, name)
			if err := b.Add(filepath.Join(t.TempDir(), "absent")); err == nil {
				t.Fatal("Add(missing) returned nil error")
			}
		})
	}
}

func TestBackend_CreateModifyDelete(t *testing.T) {
	for _, name := range watcher.Backends() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			b := newBackend(t, name)
			if err := b.Add(dir); err != nil {
				t.Fatalf("Add: %v", err)
			}

			target := filepath.Join(dir, "app.conf")
			if err := os.WriteFile(target, []byte("a=1\n"), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			ev, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(target, watcher.Created))
			if !ok {
				t.Fatal("no created event")
			}
			if ev.IsDir {
				t.Error("created event for file reported IsDir")
			}

			f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			_, _ = f.WriteString("b=2\n")
			f.Close()
			if _, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(target, watcher.Modified)); !ok {
				t.Fatal("no modified event")
			}

			if err := os.Remove(target); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(target, watcher.Deleted)); !ok {
				t.Fatal("no deleted event")
			}
		})
	}
}

func TestBackend_RecursiveExistingAndNewDirectories(t *testing.T) {
	for _, name := range watcher.Backends() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			existing := filepath.Join(dir, "a", "b")
			if err := os.MkdirAll(existing, 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}

			b := newBackend(t, name)
			if err := b.Add(dir); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if got := b.WatchCount(); got != 3 {
				t.Errorf("WatchCount = %d, want 3", got)
			}

			deep := filepath.Join(existing, "deep.yml")
			if err := os.WriteFile(deep, nil, 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(deep, watcher.Created)); !ok {
				t.Fatal("no event from pre-existing nested directory")
			}

			fresh := filepath.Join(dir, "fresh")
			if err := os.Mkdir(fresh, 0o755); err != nil {
				t.Fatalf("Mkdir: %v", err)
			}
			ev, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(fresh, watcher.Created))
			if !ok {
				t.Fatal("no created event for new directory")
			}
			if !ev.IsDir {
				t.Error("created event for directory did not report IsDir")
			}

			inner := filepath.Join(fresh, "inner.ini")
			if err := os.WriteFile(inner, nil, 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, ok := waitFor(t, b.Events(), 2*time.Second, pathIs(inner, watcher.Created)); !ok {
				t.Fatal("no event from directory created after Add")
			}
		})
	}
}

func TestBackend_DirectoryMovedOutIsForgotten(t *testing.T) {
	for _, name := range watcher.Backends() {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			outside := t.TempDir()
			tree := filepath.Join(root, "a")
			if err := os.MkdirAll(filepath.Join(tree, "b", "c"), 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}

			b := newBackend(t, name)
			if err := b.Add(root); err != nil {
				t.Fatalf("Add: %v", err)
			}
			if got := b.WatchCount(); got != 4 {
				t.Fatalf("WatchCount = %d, want 4", got)
			}

			moved := filepath.Join(outside, "a")
			if err := os.Rename(tree, moved); err != nil {
				t.Fatalf("Rename: %v", err)
			}
			gone := func(ev watcher.Event) bool {
				return ev.Path == tree && (ev.Kind == watcher.Moved || ev.Kind == watcher.Deleted)
			}
			if _, ok := waitFor(t, b.Events(), 2*time.Second, gone); !ok {
				t.Fatal("no moved or deleted event for the directory")
			}
			waitWatchCount(t, b, 1, 2*time.Second)

			// Changes inside the moved tree are no longer reported.
			if err := os.WriteFile(filepath.Join(moved, "b", "c", "late.conf"), nil, 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			stale := func(ev watcher.Event) bool {
				return strings.HasSuffix(ev.Path, "late.conf")
			}
			if ev, ok := waitFor(t, b.Events(), 300*time.Millisecond, stale); ok {
				t.Errorf("event reported for a directory outside the roots: %+v", ev)
			}
		})
	}
}
