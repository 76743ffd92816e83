// Package workflow implements the coordinator-side Workflow Engine
// (§4.6), the heart of the system: a durable state machine over module
// invocations. ExecuteModule's four named steps are expressed with
// durable.Step so each is individually retryable; state transitions are
// serialized per-workflow and sticky at terminal states, grounded on the
// teacher's engine.Engine cancel-map pattern generalized from worker
// supervision to workflow bookkeeping.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/cron"
	"github.com/fleetward/coordinator/internal/durable"
	"github.com/fleetward/coordinator/internal/fleeterr"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
	"github.com/fleetward/coordinator/internal/telemetry"
)

// AgentLookup is the narrow registry dependency the engine needs:
// resolve an agent's liveness and capability document by ID.
type AgentLookup interface {
	Get(id string) (schema.Agent, bool)
}

// Store is the narrow persistence dependency: create immutable workflow
// records, append state transitions, and hydrate both on startup (§4.7).
type Store interface {
	CreateWorkflow(ctx context.Context, wf schema.Workflow) error
	AppendState(ctx context.Context, st schema.WorkflowState) error
	LoadWorkflows(ctx context.Context) ([]schema.Workflow, error)
	LoadWorkflowStates(ctx context.Context) ([]schema.WorkflowState, error)
}

// Config controls one Engine instance.
type Config struct {
	Agents         AgentLookup
	Bus            bus.Conn
	Store          Store
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	PublishRetries int
	SweepInterval  time.Duration
}

type entry struct {
	mu      sync.Mutex
	record  schema.Workflow
	state   string
	history []schema.WorkflowState
}

// Engine owns the coordinator's workflow_id -> Workflow map and exposes
// ExecuteModule plus the result/state handlers and the death sweeper.
type Engine struct {
	agents AgentLookup
	bc     bus.Conn
	store  Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	publishRetries int
	sweepInterval  time.Duration

	mu        sync.RWMutex // global: guards the map itself (add/iterate)
	workflows map[string]*entry

	schemaMu    sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

// New builds an Engine from cfg, applying §4.6/§4.7's stated defaults
// (publish retries=3, sweep interval ~30s).
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	retries := cfg.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Engine{
		agents:         cfg.Agents,
		bc:             cfg.Bus,
		store:          cfg.Store,
		logger:         logger,
		metrics:        metrics,
		publishRetries: retries,
		sweepInterval:  sweep,
		workflows:      make(map[string]*entry),
		schemaCache:    make(map[string]*jsonschema.Schema),
	}
}

// Hydrate rebuilds the in-memory workflow map from persisted records and
// their state histories (§4.7).
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	wfs, err := e.store.LoadWorkflows(ctx)
	if err != nil {
		return err
	}
	states, err := e.store.LoadWorkflowStates(ctx)
	if err != nil {
		return err
	}
	byWorkflow := make(map[string][]schema.WorkflowState)
	for _, st := range states {
		st.Timestamp = shared.ToUTC(st.Timestamp)
		byWorkflow[st.WorkflowID] = append(byWorkflow[st.WorkflowID], st)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wf := range wfs {
		wf.CreatedAt = shared.ToUTC(wf.CreatedAt)
		hist := byWorkflow[wf.ID]
		state := schema.WorkflowRunning
		if len(hist) > 0 {
			state = hist[len(hist)-1].State
		}
		e.workflows[wf.ID] = &entry{record: wf, state: state, history: hist}
	}
	return nil
}

// RunReconciler periodically merges workflow rows created by other
// coordinator processes into the in-memory map, for multi-process
// deployments (§4.7), until ctx is cancelled.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runner := cron.NewRunner()
	if err := runner.Every(interval, func() {
		if err := e.Reconcile(ctx); err != nil {
			e.logger.Warn("workflow: reconcile failed", "error", err)
		}
	}); err != nil {
		e.logger.Error("workflow: failed to schedule reconciler", "error", err)
		return
	}
	runner.Start()
	defer runner.Stop()
	<-ctx.Done()
}

// Reconcile pulls fresh workflow and state rows from persistence,
// adding any workflow or state-history entry this process has not yet
// observed in memory (§4.7). Workflow records are immutable and state
// history is append-only, so reconciliation here is purely additive:
// no conflict resolution is needed beyond not double-applying an
// already-known sequence number.
func (e *Engine) Reconcile(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	wfs, err := e.store.LoadWorkflows(ctx)
	if err != nil {
		return err
	}
	states, err := e.store.LoadWorkflowStates(ctx)
	if err != nil {
		return err
	}
	byWorkflow := make(map[string][]schema.WorkflowState)
	for _, st := range states {
		st.Timestamp = shared.ToUTC(st.Timestamp)
		byWorkflow[st.WorkflowID] = append(byWorkflow[st.WorkflowID], st)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wf := range wfs {
		wf.CreatedAt = shared.ToUTC(wf.CreatedAt)
		en, ok := e.workflows[wf.ID]
		if !ok {
			en = &entry{record: wf, state: schema.WorkflowRunning}
			e.workflows[wf.ID] = en
		}
		en.mu.Lock()
		known := make(map[int]struct{}, len(en.history))
		for _, st := range en.history {
			known[st.Sequence] = struct{}{}
		}
		for _, st := range byWorkflow[wf.ID] {
			if _, seen := known[st.Sequence]; seen {
				continue
			}
			en.history = append(en.history, st)
			if !schema.Terminal(en.state) {
				en.state = st.State
			}
		}
		sort.Slice(en.history, func(i, j int) bool { return en.history[i].Sequence < en.history[j].Sequence })
		en.mu.Unlock()
	}
	return nil
}

// ExecuteModule is the durable workflow described in §4.6. It returns
// the minted workflow_id once the request has been accepted for
// dispatch; it does not wait for a result.
func (e *Engine) ExecuteModule(ctx context.Context, agentID, moduleName string, request json.RawMessage, untracked bool) (string, error) {
	return e.dispatch(ctx, uuid.NewString(), agentID, moduleName, request, untracked)
}

// ExecuteModuleWithID runs the same durable workflow as ExecuteModule but
// against a workflow_id minted by the caller rather than by this method.
// The Public API Port (C8) uses this for async dispatch, where the
// workflow_id must be handed back to the caller before validation and
// publish have run (§4.8: async "returns the workflow_id immediately").
func (e *Engine) ExecuteModuleWithID(ctx context.Context, workflowID, agentID, moduleName string, request json.RawMessage, untracked bool) (string, error) {
	return e.dispatch(ctx, workflowID, agentID, moduleName, request, untracked)
}

func (e *Engine) dispatch(ctx context.Context, workflowID, agentID, moduleName string, request json.RawMessage, untracked bool) (string, error) {
	agent, err := durable.Step[schema.Agent]{
		Name: "ValidateAgent",
		Fn: func(ctx context.Context) (schema.Agent, error) {
			a, ok := e.agents.Get(agentID)
			if !ok || !a.Alive {
				return schema.Agent{}, fmt.Errorf("agent %q: %w", agentID, fleeterr.ErrAgentUnavailable)
			}
			return a, nil
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}

	descriptor, err := durable.Step[schema.ModuleDescriptor]{
		Name: "ValidateSchema",
		Fn: func(ctx context.Context) (schema.ModuleDescriptor, error) {
			desc, ok := agent.Capability.Module(moduleName)
			if !ok {
				return schema.ModuleDescriptor{}, fmt.Errorf("module %q on agent %q: %w", moduleName, agentID, fleeterr.ErrModuleUnknown)
			}
			if err := e.validateRequest(desc, request); err != nil {
				return schema.ModuleDescriptor{}, fmt.Errorf("request for module %q: %w: %v", moduleName, fleeterr.ErrSchemaRejected, err)
			}
			return desc, nil
		},
	}.Run(ctx)
	if err != nil {
		return "", err
	}

	enrichedRequest, err := injectWorkflowID(request, workflowID)
	if err != nil {
		return "", fmt.Errorf("inject workflow_id: %w", err)
	}

	wf := schema.Workflow{
		ID:         workflowID,
		AgentID:    agentID,
		ModuleName: moduleName,
		Request:    enrichedRequest,
		Untracked:  untracked,
		CreatedAt:  shared.NowUTC(),
	}
	if _, err := (durable.Step[struct{}]{
		Name: "CreateWorkflow",
		Fn: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.create(ctx, wf)
		},
	}).Run(ctx); err != nil {
		return "", err
	}

	if _, err := (durable.Step[struct{}]{
		Name:   "Publish",
		Policy: durable.RetryPolicy{MaxAttempts: e.publishRetries, BackoffBase: 100 * time.Millisecond, BackoffMultiplier: 2},
		Fn: func(ctx context.Context) (struct{}, error) {
			if e.bc == nil {
				return struct{}{}, fmt.Errorf("no bus connection: %w", fleeterr.ErrBusUnavailable)
			}
			if err := e.bc.Publish(descriptor.InputSubject, enrichedRequest); err != nil {
				return struct{}{}, fmt.Errorf("publish to %q: %w", descriptor.InputSubject, err)
			}
			return struct{}{}, nil
		},
	}).Run(ctx); err != nil {
		e.transition(ctx, workflowID, schema.WorkflowFailed, "publish failed: "+err.Error())
		return "", fmt.Errorf("%w", fleeterr.ErrBusUnavailable)
	}

	if e.metrics != nil && e.metrics.WorkflowsDispatched != nil {
		e.metrics.WorkflowsDispatched.Add(ctx, 1)
	}
	return workflowID, nil
}

func (e *Engine) validateRequest(desc schema.ModuleDescriptor, request json.RawMessage) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}
	compiled, err := e.compiledSchema(desc)
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(request)))
	if err != nil {
		return fmt.Errorf("invalid request JSON: %w", err)
	}
	return compiled.Validate(parsed)
}

func (e *Engine) compiledSchema(desc schema.ModuleDescriptor) (*jsonschema.Schema, error) {
	key := desc.Name + ":" + string(desc.InputSchema)
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if s, ok := e.schemaCache[key]; ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(desc.InputSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for module %q: %w", desc.Name, err)
	}
	c := jsonschema.NewCompiler()
	resourceID := "module-" + desc.Name + ".json"
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for module %q: %w", desc.Name, err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema for module %q: %w", desc.Name, err)
	}
	e.schemaCache[key] = compiled
	return compiled, nil
}

func injectWorkflowID(request json.RawMessage, workflowID string) (json.RawMessage, error) {
	var m map[string]any
	if len(request) > 0 {
		if err := json.Unmarshal(request, &m); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = map[string]any{}
	}
	m["workflow_id"] = workflowID
	return json.Marshal(m)
}

func (e *Engine) create(ctx context.Context, wf schema.Workflow) error {
	if e.store != nil {
		if err := e.store.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("%w: %v", fleeterr.ErrPersistenceUnavailable, err)
		}
	}
	e.mu.Lock()
	e.workflows[wf.ID] = &entry{record: wf, state: schema.WorkflowRunning}
	e.mu.Unlock()
	return e.appendTransition(ctx, wf.ID, schema.WorkflowRunning, "")
}

// transition applies a state change if the workflow is non-terminal,
// never regressing from COMPLETED/FAILED (§4.6 invariants).
func (e *Engine) transition(ctx context.Context, workflowID, state, reason string) {
	e.mu.RLock()
	en, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Debug("workflow: transition for unknown workflow", "workflow_id", workflowID, "state", state)
		return
	}

	en.mu.Lock()
	if schema.Terminal(en.state) {
		en.mu.Unlock()
		return
	}
	en.state = state
	en.mu.Unlock()

	if err := e.appendTransition(ctx, workflowID, state, reason); err != nil {
		e.logger.Warn("workflow: failed to persist transition", "workflow_id", workflowID, "state", state, "error", err)
	}

	if e.metrics != nil {
		switch state {
		case schema.WorkflowCompleted:
			if e.metrics.WorkflowsCompleted != nil {
				e.metrics.WorkflowsCompleted.Add(ctx, 1)
			}
		case schema.WorkflowFailed:
			if e.metrics.WorkflowsFailed != nil {
				e.metrics.WorkflowsFailed.Add(ctx, 1)
			}
		}
	}
}

func (e *Engine) appendTransition(ctx context.Context, workflowID, state, reason string) error {
	e.mu.RLock()
	en, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	en.mu.Lock()
	seq := len(en.history) + 1
	st := schema.WorkflowState{WorkflowID: workflowID, Sequence: seq, State: state, Reason: reason, Timestamp: shared.NowUTC()}
	en.history = append(en.history, st)
	en.mu.Unlock()

	if e.store == nil {
		return nil
	}
	if err := e.store.AppendState(ctx, st); err != nil {
		return fmt.Errorf("%w: %v", fleeterr.ErrPersistenceUnavailable, err)
	}
	return nil
}

// ResultHandler is installed by the subscription manager on each
// agent's output subjects (§4.6 "Result handler").
func (e *Engine) ResultHandler(subject string, payload []byte) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		e.logger.Debug("workflow: discarding malformed result payload", "subject", subject, "error", err)
		return
	}
	workflowID, _ := body["workflow_id"].(string)
	if workflowID == "" {
		return // untracked request
	}

	e.mu.RLock()
	_, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Debug("workflow: result for unknown workflow", "workflow_id", workflowID)
		return
	}

	success := resultSuccess(body)
	if success {
		e.transition(context.Background(), workflowID, schema.WorkflowCompleted, "")
	} else {
		e.transition(context.Background(), workflowID, schema.WorkflowFailed, "module reported failure")
	}
}

// resultSuccess implements §4.6 step 3: explicit `success` boolean if
// present, else true if the payload carries identifying result fields,
// else false.
func resultSuccess(body map[string]any) bool {
	if v, ok := body["success"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	for _, key := range []string{"result", "output", "data", "value"} {
		if _, ok := body[key]; ok {
			return true
		}
	}
	return false
}

// AgentStateHandler is subscribed directly on bus.SubjectModuleState
// (§4.6 "Agent-state handler").
func (e *Engine) AgentStateHandler(subject string, payload []byte) {
	var sm schema.StateMessage
	if err := json.Unmarshal(payload, &sm); err != nil {
		e.logger.Debug("workflow: discarding malformed state message", "error", err)
		return
	}
	if sm.WorkflowID == "" {
		return
	}

	var target string
	switch sm.State {
	case schema.StateStarted, schema.StateRunning:
		target = schema.WorkflowRunning
	case schema.StateCompleted:
		target = schema.WorkflowCompleted
	case schema.StateError, schema.StateFailed:
		target = schema.WorkflowFailed
	default:
		return
	}

	e.mu.RLock()
	_, ok := e.workflows[sm.WorkflowID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.transition(context.Background(), sm.WorkflowID, target, sm.ErrorMessage)
}

// CancelWorkflow transitions a non-terminal workflow to FAILED with
// reason "cancelled" (§4.6 "Cancellation"). Cancelling an already
// terminal workflow is a no-op that returns the current state.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) (string, error) {
	e.mu.RLock()
	en, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("workflow %q: %w", workflowID, fleeterr.ErrWorkflowNotFound)
	}

	en.mu.Lock()
	current := en.state
	en.mu.Unlock()
	if schema.Terminal(current) {
		return current, nil
	}

	e.transition(ctx, workflowID, schema.WorkflowFailed, "cancelled")
	return schema.WorkflowFailed, nil
}

// GetWorkflow returns the workflow record and its full state history.
func (e *Engine) GetWorkflow(workflowID string) (schema.Workflow, []schema.WorkflowState, bool) {
	e.mu.RLock()
	en, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return schema.Workflow{}, nil, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	hist := append([]schema.WorkflowState(nil), en.history...)
	return en.record, hist, true
}

// ListWorkflows returns up to limit workflow records, optionally
// filtered by current state (§4.8: "ListWorkflows(status?, limit≤1000)").
func (e *Engine) ListWorkflows(status string, limit int) []schema.Workflow {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]schema.Workflow, 0, limit)
	for _, en := range e.workflows {
		en.mu.Lock()
		state := en.state
		rec := en.record
		en.mu.Unlock()
		if status != "" && state != status {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// RunDeathSweeper periodically fails RUNNING workflows whose owning
// agent is absent or not alive (§4.6 "Agent-death sweeper"), until ctx
// is cancelled.
func (e *Engine) RunDeathSweeper(ctx context.Context) {
	runner := cron.NewRunner()
	if err := runner.Every(e.sweepInterval, func() { e.sweepOnce(ctx) }); err != nil {
		e.logger.Error("workflow: failed to schedule death sweeper", "error", err)
		return
	}
	runner.Start()
	defer runner.Stop()
	<-ctx.Done()
}

// Wake triggers an out-of-cadence sweep immediately, used when the
// registry's liveness sweeper detects an agent death (§4.4: "this
// transition additionally wakes the workflow sweeper").
func (e *Engine) Wake(ctx context.Context) {
	e.sweepOnce(ctx)
}

func (e *Engine) sweepOnce(ctx context.Context) {
	e.mu.RLock()
	running := make([]*entry, 0, len(e.workflows))
	for _, en := range e.workflows {
		en.mu.Lock()
		isRunning := en.state == schema.WorkflowRunning
		en.mu.Unlock()
		if isRunning {
			running = append(running, en)
		}
	}
	e.mu.RUnlock()

	if e.metrics != nil && e.metrics.SweeperTicks != nil {
		e.metrics.SweeperTicks.Add(ctx, 1)
	}

	for _, en := range running {
		en.mu.Lock()
		agentID := en.record.AgentID
		workflowID := en.record.ID
		en.mu.Unlock()

		agent, ok := e.agents.Get(agentID)
		if ok && agent.Alive {
			continue
		}
		e.transition(ctx, workflowID, schema.WorkflowFailed, "agent died")
	}
}
