// Package api implements the Public API Port (§4.8): a
// protocol-independent command/query surface over the registry and
// workflow engine. It is intentionally not an HTTP handler -- a
// transport adapter (REST, gRPC, CLI) wraps this type rather than the
// other way around.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fleetward/coordinator/internal/fleeterr"
	"github.com/fleetward/coordinator/internal/registry"
	"github.com/fleetward/coordinator/internal/schema"
)

// Registry is the narrow registry dependency the API needs.
type Registry interface {
	Get(id string) (schema.Agent, bool)
	List(filter registry.Filter) []schema.Agent
}

// Engine is the narrow workflow-engine dependency the API needs.
type Engine interface {
	ExecuteModule(ctx context.Context, agentID, moduleName string, request json.RawMessage, untracked bool) (string, error)
	ExecuteModuleWithID(ctx context.Context, workflowID, agentID, moduleName string, request json.RawMessage, untracked bool) (string, error)
	GetWorkflow(workflowID string) (schema.Workflow, []schema.WorkflowState, bool)
	ListWorkflows(status string, limit int) []schema.Workflow
	CancelWorkflow(ctx context.Context, workflowID string) (string, error)
}

// Config controls one API instance.
type Config struct {
	Registry        Registry
	Engine          Engine
	Logger          *slog.Logger
	AsyncQueueDepth int
}

// ExecutionMode selects whether ExecuteModule returns only once the
// workflow has been dispatched, or enqueues it for a bounded worker pool
// and returns immediately (§4.8).
type ExecutionMode int

const (
	ModeSync ExecutionMode = iota
	ModeAsync
)

type asyncJob struct {
	ctx        context.Context
	workflowID string
	agentID    string
	moduleName string
	request    json.RawMessage
}

// API is the coordinator's public command/query surface.
type API struct {
	registry Registry
	engine   Engine
	logger   *slog.Logger

	queue chan asyncJob
}

// DefaultAsyncQueueDepth matches §4.8's stated default worker
// concurrency of 10; the queue itself is sized generously above that so
// bursts don't immediately reject.
const DefaultAsyncQueueDepth = 64

// New builds an API and starts its async execution worker pool (default
// concurrency 10, per §4.8).
func New(ctx context.Context, cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.AsyncQueueDepth
	if depth <= 0 {
		depth = DefaultAsyncQueueDepth
	}
	a := &API{
		registry: cfg.Registry,
		engine:   cfg.Engine,
		logger:   logger,
		queue:    make(chan asyncJob, depth),
	}
	const workerConcurrency = 10
	for i := 0; i < workerConcurrency; i++ {
		go a.asyncWorker(ctx)
	}
	return a
}

func (a *API) asyncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-a.queue:
			if !ok {
				return
			}
			if _, err := a.engine.ExecuteModuleWithID(job.ctx, job.workflowID, job.agentID, job.moduleName, job.request, false); err != nil {
				a.logger.Error("async dispatch failed", "workflow_id", job.workflowID, "agent_id", job.agentID, "module", job.moduleName, "error", err)
			}
		}
	}
}

// ListAgents returns every known agent matching filter.
func (a *API) ListAgents(filter registry.Filter) []schema.Agent {
	return a.registry.List(filter)
}

// GetAgent returns the agent record for id, if known.
func (a *API) GetAgent(agentID string) (schema.Agent, bool) {
	return a.registry.Get(agentID)
}

// ExecuteModule dispatches a module invocation. In ModeSync it blocks
// until the workflow has been accepted for dispatch (the normal
// ExecuteModule contract, which mints the workflow_id itself). In
// ModeAsync the workflow_id is minted here, up front, so it can be
// returned to the caller as soon as the job is accepted onto the bounded
// queue (§4.8: async "returns the workflow_id immediately"); validation
// and dispatch then run in the background on the async worker pool, with
// the workflow_id usable via GetWorkflow once that completes.
func (a *API) ExecuteModule(ctx context.Context, agentID, moduleName string, request json.RawMessage, mode ExecutionMode) (string, error) {
	if mode == ModeSync {
		return a.engine.ExecuteModule(ctx, agentID, moduleName, request, false)
	}

	workflowID := uuid.NewString()
	job := asyncJob{ctx: ctx, workflowID: workflowID, agentID: agentID, moduleName: moduleName, request: request}
	select {
	case a.queue <- job:
		return workflowID, nil
	default:
		return "", fmt.Errorf("async execution queue saturated: %w", fleeterr.ErrQueueFull)
	}
}

// ListWorkflows returns up to limit workflow records, optionally
// filtered by current state.
func (a *API) ListWorkflows(status string, limit int) []schema.Workflow {
	return a.engine.ListWorkflows(status, limit)
}

// GetWorkflow returns the workflow record and its full state history.
func (a *API) GetWorkflow(workflowID string) (schema.Workflow, []schema.WorkflowState, error) {
	wf, hist, ok := a.engine.GetWorkflow(workflowID)
	if !ok {
		return schema.Workflow{}, nil, fmt.Errorf("workflow %q: %w", workflowID, fleeterr.ErrWorkflowNotFound)
	}
	return wf, hist, nil
}

// CancelWorkflow cancels a workflow by ID.
func (a *API) CancelWorkflow(ctx context.Context, workflowID string) (string, error) {
	return a.engine.CancelWorkflow(ctx, workflowID)
}
