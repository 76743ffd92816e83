package wasmhost

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory of <name>.wasm/<name>.json module pairs
// and reloads a module into a Host whenever its binary or descriptor
// changes. Rapid repeated edits to the same file are coalesced into a
// single reload (§4.2: "coalesced per-file; rapid repeated edits must
// produce at most one reload"), grounded on the teacher's
// sandbox/wasm.Watcher debounce-by-filesystem-event shape.
type Watcher struct {
	dir      string
	host     *Host
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a Watcher over dir with the given debounce window
// (defaults to 150ms if zero, matching the teacher's config watcher
// dwell time in spirit).
func NewWatcher(dir string, host *Host, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		host:     host,
		debounce: debounce,
		timers:   map[string]*time.Timer{},
	}
}

// Start loads every existing <name>.wasm in dir, then watches for
// further changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	matches, _ := filepath.Glob(filepath.Join(w.dir, "*.wasm"))
	for _, m := range matches {
		w.reload(ctx, m)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				w.cancelPendingTimers()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				ext := filepath.Ext(ev.Name)
				if ext != ".wasm" && ext != ".json" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.debounceReload(ctx, strings.TrimSuffix(ev.Name, ext)+".wasm")
			case <-fsw.Errors:
				// Errors are surfaced via the host's logger at reload time;
				// a broken watch is not itself fatal to already-loaded modules.
			}
		}
	}()
	return nil
}

func (w *Watcher) debounceReload(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.reload(ctx, path)
	})
}

func (w *Watcher) reload(ctx context.Context, wasmPath string) {
	worker, err := loadWASMWorker(ctx, w.host.runtime, wasmPath)
	if err != nil {
		w.host.logger.Error("wasm module load failed", "path", wasmPath, "error", err)
		return
	}
	if err := w.host.Load(ctx, worker); err != nil {
		w.host.logger.Error("wasm module activation failed", "path", wasmPath, "error", err)
	}
}

func (w *Watcher) cancelPendingTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}
