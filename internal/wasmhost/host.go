// Package wasmhost implements the agent-side module supervisor (§4.2):
// it loads modules — built-in Go workers plus hot-reloadable WASM
// modules found in a watched directory — runs each under a supervised
// task, and reports RUNNING/COMPLETED/FAILED lifecycle on the bus.
// Structure is grounded on the teacher's internal/sandbox/wasm host
// (wazero runtime + host functions) and internal/engine's cancel-map
// worker-pool pattern, fused into a single hot-reloadable supervisor.
package wasmhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/fleeterr"
	"github.com/fleetward/coordinator/internal/modules"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
	"github.com/fleetward/coordinator/internal/telemetry"
	"github.com/tetratelabs/wazero"
)

// DefaultStopTimeout is the bounded wait for a worker to observe
// cancellation and exit before the stop procedure gives up (§4.2, §5).
const DefaultStopTimeout = 20 * time.Second

// Config controls a Host's resource limits and wiring.
type Config struct {
	AgentID     string
	AgentName   string
	Bus         bus.Conn
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	StopTimeout time.Duration
	Config      map[string]string // free-form per-module settings from fleetd.yaml
}

// CrashRecord is written by the crash handler when a supervised task
// terminates abnormally (§4.2: "invokes the crash handler, which writes
// a crash record and publishes an error event").
type CrashRecord struct {
	Module    string
	AgentID   string
	Reason    string
	Timestamp time.Time
}

// CrashSink receives crash records; the default is an in-memory ring
// kept by the Host, but a persistence-backed sink can be substituted.
type CrashSink interface {
	RecordCrash(CrashRecord)
}

// runningWorker tracks one supervised task's cancellation and
// termination signal, mirroring engine.Engine's cancels map.
type runningWorker struct {
	worker modules.Worker
	mc     *shared.ModuleContext
	cancel context.CancelFunc
	done   chan struct{}
	sub    *bus.Subscription
}

// Host supervises the set of modules an agent runs, keyed by module
// name. Only one worker per name may run at a time.
type Host struct {
	agentID   string
	agentName string
	bus       bus.Conn
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	config    map[string]string

	stopTimeout time.Duration
	runtime     wazero.Runtime

	mu      sync.RWMutex
	running map[string]*runningWorker

	crashMu sync.Mutex
	crashes []CrashRecord
}

// NewHost constructs a Host and its wazero runtime (used by LoadWASMModule;
// the built-in Go workers never touch it).
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	return &Host{
		agentID:     cfg.AgentID,
		agentName:   cfg.AgentName,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		config:      cfg.Config,
		stopTimeout: stopTimeout,
		runtime:     wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		running:     map[string]*runningWorker{},
	}, nil
}

// Close tears down the wazero runtime. Running workers should be stopped
// first via StopAll.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// LoadBuiltins starts every registered built-in worker (echo, ping,
// faulty). Intended for agent startup alongside any on-disk modules
// discovered by a Watcher.
func (h *Host) LoadBuiltins(ctx context.Context) error {
	for name, factory := range modules.Builtins {
		if err := h.Load(ctx, factory(h.agentID)); err != nil {
			return fmt.Errorf("load builtin %q: %w", name, err)
		}
	}
	return nil
}

// Load starts (or reloads) worker under supervision. Per §4.2: if a
// module with the same name is running, it is stopped first; reload is
// strictly stop-then-start, and a failed stop aborts the reload.
func (h *Host) Load(ctx context.Context, worker modules.Worker) error {
	name := worker.Descriptor().Name
	if err := worker.Descriptor().Validate(); err != nil {
		return fmt.Errorf("module %q: invalid descriptor: %w", name, err)
	}

	if h.IsRunning(name) {
		if err := h.Stop(ctx, name); err != nil {
			return fmt.Errorf("reload %q: stop failed, old worker left unreachable: %w", name, err)
		}
	}

	ok, err := worker.Setup(ctx)
	if err != nil {
		return fmt.Errorf("module %q: setup: %w", name, err)
	}
	if !ok {
		h.logger.Info("module declined activation", "module", name)
		return nil
	}

	mc := shared.NewModuleContext(h.agentID, h.agentName, h.logger, h.publishRaw, h.config)
	h.startSupervised(ctx, worker, mc)
	return nil
}

func (h *Host) startSupervised(parentCtx context.Context, worker modules.Worker, mc *shared.ModuleContext) {
	desc := worker.Descriptor()
	taskCtx, cancel := context.WithCancel(context.Background())
	_ = parentCtx // the task's lifetime is independent of the caller's request context
	done := make(chan struct{})

	rw := &runningWorker{worker: worker, mc: mc, cancel: cancel, done: done}

	sub, err := h.bus.Subscribe(desc.InputSubject, h.handlerFor(taskCtx, worker, mc))
	if err != nil {
		cancel()
		close(done)
		h.logger.Error("module subscribe failed", "module", desc.Name, "subject", desc.InputSubject, "error", err)
		h.recordCrash(desc.Name, err.Error())
		return
	}
	rw.sub = sub

	h.mu.Lock()
	h.running[desc.Name] = rw
	h.mu.Unlock()

	h.publishState(desc.Name, schema.StateRunning, "", "")
	h.logger.Info("module started", "module", desc.Name, "subject", desc.InputSubject)

	go func() {
		defer close(done)
		<-taskCtx.Done()
		h.publishState(desc.Name, schema.StateCompleted, "", "")
		h.logger.Info("module stopped", "module", desc.Name)
	}()
}

// handlerFor wraps a worker's Handle in the per-request reporting
// protocol described in §4.2: parse, emit RUNNING tagged with
// workflow_id, produce a reply or error, emit the terminal state.
func (h *Host) handlerFor(ctx context.Context, worker modules.Worker, mc *shared.ModuleContext) bus.Handler {
	desc := worker.Descriptor()
	return func(subject string, payload []byte) {
		workflowID := extractWorkflowID(payload)
		if workflowID != "" {
			h.publishState(desc.Name, schema.StateRunning, workflowID, "")
		}

		reply, err := h.invoke(ctx, worker, mc, payload)
		if err != nil {
			h.logger.Warn("module handle failed", "module", desc.Name, "error", err)
			_ = h.bus.Publish(desc.ErrorSubject, []byte(err.Error()))
			if workflowID != "" {
				h.publishState(desc.Name, schema.StateFailed, workflowID, err.Error())
			}
			return
		}
		if reply != nil {
			_ = h.bus.Publish(desc.OutputSubject, reply)
		}
		if workflowID != "" {
			h.publishState(desc.Name, schema.StateCompleted, workflowID, "")
		}
	}
}

// invoke calls worker.Handle with panic isolation, converting a crash
// into an error and a crash record instead of taking down the bus
// dispatch goroutine (§4.2 "exception: emits FAILED ... invokes the
// crash handler").
func (h *Host) invoke(ctx context.Context, worker modules.Worker, mc *shared.ModuleContext, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			name := worker.Descriptor().Name
			h.recordCrash(name, fmt.Sprintf("%v", r))
			err = fmt.Errorf("module %q crashed: %v", name, r)
		}
	}()
	return worker.Handle(ctx, mc, payload)
}

// Stop cancels the named worker's task and waits up to the configured
// StopTimeout for it to observe cancellation. On timeout the worker is
// marked not-running and fleeterr.ErrStopTimeout is returned (§4.2, §7).
func (h *Host) Stop(ctx context.Context, name string) error {
	h.mu.Lock()
	rw, ok := h.running[name]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.running, name)
	h.mu.Unlock()

	rw.cancel()
	select {
	case <-rw.done:
		return nil
	case <-time.After(h.stopTimeout):
		h.logger.Error("module stop timed out", "module", name, "timeout", h.stopTimeout)
		return fmt.Errorf("module %q: %w", name, fleeterr.ErrStopTimeout)
	}
}

// StopAll stops every running worker, best-effort, returning the first
// error encountered (if any) after attempting all of them.
func (h *Host) StopAll(ctx context.Context) error {
	h.mu.RLock()
	names := make([]string, 0, len(h.running))
	for name := range h.running {
		names = append(names, name)
	}
	h.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := h.Stop(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsRunning reports whether name currently has an active supervised
// task.
func (h *Host) IsRunning(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.running[name]
	return ok
}

// RunningModules returns the capability-document view of every
// currently running worker, consulted by the heartbeat emitter (§4.3:
// "the modules section reflects the currently running worker set as
// observed on the host").
func (h *Host) RunningModules() []schema.ModuleDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]schema.ModuleDescriptor, 0, len(h.running))
	for _, rw := range h.running {
		out = append(out, rw.worker.Descriptor())
	}
	return out
}

func (h *Host) publishState(module, state, workflowID, errMsg string) {
	msg := schema.StateMessage{
		AgentID:      h.agentID,
		ModuleName:   module,
		State:        state,
		WorkflowID:   workflowID,
		ErrorMessage: errMsg,
	}
	h.publishRaw(bus.SubjectModuleState, mustMarshal(msg))
}

func (h *Host) publishRaw(subject string, payload []byte) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Publish(subject, payload)
}

func (h *Host) recordCrash(module, reason string) {
	rec := CrashRecord{Module: module, AgentID: h.agentID, Reason: shared.Redact(reason), Timestamp: shared.NowUTC()}
	h.crashMu.Lock()
	h.crashes = append(h.crashes, rec)
	h.crashMu.Unlock()
	_ = h.publishRaw(bus.SubjectError, mustMarshal(rec))
}

// Crashes returns a copy of every crash record observed so far.
func (h *Host) Crashes() []CrashRecord {
	h.crashMu.Lock()
	defer h.crashMu.Unlock()
	return append([]CrashRecord(nil), h.crashes...)
}
