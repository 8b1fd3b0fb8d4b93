package watch_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eryjus/pi-bootloader/internal/watch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestWatcher constructs a Watcher over paths using whichever
// implementation watch.New selects for the current platform (inotify on
// Linux, polling elsewhere) — both satisfy the same create/write/delete
// contract.
func newTestWatcher(t *testing.T, paths []string) watch.Watcher {
	t.Helper()
	w, err := watch.New(paths, discardLogger())
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}
	return w
}

func waitForEvent(t *testing.T, w watch.Watcher, timeout time.Duration) watch.Event {
	t.Helper()
	select {
	case evt, ok := <-w.Events():
		if !ok {
			t.Fatal("Events channel closed before an event arrived")
		}
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watch event")
		return watch.Event{}
	}
}

func TestWatcherDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.manifest")
	if err := os.WriteFile(path, []byte("kernel kernel.img\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w := newTestWatcher(t, []string{path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	<-w.Ready()
	// Ensure the modification timestamp visibly advances on filesystems
	// with coarse mtime resolution.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("kernel kernel.img\nmodule extra.ko\n"), 0o644); err != nil {
		t.Fatalf("WriteFile (update): %v", err)
	}

	evt := waitForEvent(t, w, 2*time.Second)
	if evt.Path != path {
		t.Errorf("Path = %q, want %q", evt.Path, path)
	}
	if evt.Type != watch.EventWrite {
		t.Errorf("Type = %q, want %q", evt.Type, watch.EventWrite)
	}
}

func TestWatcherDetectsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.manifest")
	if err := os.WriteFile(path, []byte("kernel kernel.img\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w := newTestWatcher(t, []string{path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	<-w.Ready()
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	evt := waitForEvent(t, w, 2*time.Second)
	if evt.Type != watch.EventDelete {
		t.Errorf("Type = %q, want %q", evt.Type, watch.EventDelete)
	}
}

func TestStopClosesEventsChannel(t *testing.T) {
	w := newTestWatcher(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Ready()
	w.Stop()

	_, ok := <-w.Events()
	if ok {
		t.Fatal("Events channel should be closed after Stop")
	}
}
