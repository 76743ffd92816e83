package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherEmitsEventOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed fleetd.yaml: %v", err)
	}

	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite fleetd.yaml: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Errorf("expected non-empty path in event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload event")
	}
}
