package wasmhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetward/coordinator/internal/bus/bustest"
)

func TestWatcherStartOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	h := newTestHost(t, bustest.New())
	w := NewWatcher(dir, h, 10*time.Millisecond)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	dir := t.TempDir()
	h := newTestHost(t, bustest.New())
	w := NewWatcher(dir, h, 30*time.Millisecond)

	path := filepath.Join(dir, "missing.wasm")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.debounceReload(ctx, path)
	}

	w.mu.Lock()
	count := len(w.timers)
	w.mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one pending timer for repeated edits to the same path, got %d", count)
	}

	time.Sleep(60 * time.Millisecond) // let the debounced reload fire (and fail harmlessly: no such file)
}
