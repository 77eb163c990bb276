// Package engine drives jobs through their lifecycle: context capture,
// model planning, the approval gate, sandboxed execution and event
// broadcast.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alantheprice/devosd/pkg/approval"
	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/events"
	"github.com/alantheprice/devosd/pkg/executor"
	"github.com/alantheprice/devosd/pkg/gateway"
	"github.com/alantheprice/devosd/pkg/history"
	"github.com/alantheprice/devosd/pkg/logging"
	"github.com/alantheprice/devosd/pkg/models"
	"github.com/alantheprice/devosd/pkg/prompts"
	"github.com/alantheprice/devosd/pkg/types"
)

// ModelInvoker is the gateway dependency; tests substitute a stub.
type ModelInvoker interface {
	Invoke(ctx context.Context, info models.Info, prompt string) (*gateway.ModelResponse, error)
}

// ContextCollector captures a snapshot at submission time.
type ContextCollector interface {
	Snapshot(userID string) *types.ContextSnapshot
}

// Engine owns the job registry and the submission pipeline.
type Engine struct {
	mu sync.Mutex

	logger    *logging.Logger
	bus       *events.Bus
	collector ContextCollector
	router    *models.Router
	registry  *models.Registry
	invoker   ModelInvoker
	executor  *executor.Executor
	approvals *approval.Manager
	history   *history.Store

	retention int
	jobs      map[string]*types.Job
	order     []string
}

// New wires the engine together. history may be nil to disable
// persistence.
func New(
	cfg *config.Config,
	logger *logging.Logger,
	bus *events.Bus,
	collector ContextCollector,
	router *models.Router,
	registry *models.Registry,
	invoker ModelInvoker,
	exec *executor.Executor,
	approvals *approval.Manager,
	hist *history.Store,
) *Engine {
	retention := cfg.JobRetention
	if retention <= 0 {
		retention = 1000
	}

	e := &Engine{
		logger:    logger,
		bus:       bus,
		collector: collector,
		router:    router,
		registry:  registry,
		invoker:   invoker,
		executor:  exec,
		approvals: approvals,
		history:   hist,
		retention: retention,
		jobs:      make(map[string]*types.Job),
	}
	approvals.SetExpiryHandler(e.handleApprovalExpiry)
	return e
}

// SubmitOptions carries per-request overrides from the transport.
type SubmitOptions struct {
	// ClientContext is an opaque map the requester attached; it rides
	// along on the job's context snapshot.
	ClientContext map[string]any

	// ApprovalTimeout overrides the configured approval window when
	// positive.
	ApprovalTimeout time.Duration
}

// Submit registers a new job and starts its pipeline.
func (e *Engine) Submit(command, userID string) *types.Job {
	return e.SubmitWith(command, userID, SubmitOptions{})
}

// SubmitWith registers a new job with per-request options. Context
// capture, model selection and the approval decision run synchronously
// so the returned job already carries them; planning and execution
// continue in the background.
func (e *Engine) SubmitWith(command, userID string, opts SubmitOptions) *types.Job {
	job := types.NewJob(uuid.NewString(), command, userID)

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.order = append(e.order, job.ID)
	e.trimLocked()
	e.mu.Unlock()

	e.logger.Info("Job %s submitted by %s: %s", job.ID, userID, command)

	snapshot := e.collector.Snapshot(userID)
	if opts.ClientContext != nil {
		snapshot.Client = opts.ClientContext
	}
	job.Mutate(func(j *types.Job) { j.Context = snapshot })
	job.UpdateProgress(10, "Analyzing command")
	e.publishUpdate(job)

	choice, err := e.router.Select(command, snapshot)
	if err != nil {
		e.failJob(job, fmt.Sprintf("Model selection failed: %v", err))
		return job
	}
	job.Mutate(func(j *types.Job) {
		j.ModelUsed = choice.ModelName
		j.CostUSD = choice.EstimatedCost
	})
	job.UpdateProgress(30, fmt.Sprintf("Selected model %s (complexity %d)", choice.ModelName, choice.ComplexityScore))
	e.publishUpdate(job)

	if e.approvals.RequiresApproval(command, snapshot, userID) {
		req := e.approvals.RequestWithTimeout(job.ID, command, userID, snapshot, opts.ApprovalTimeout)
		job.Mutate(func(j *types.Job) {
			j.RequiresApproval = true
			j.ApprovalID = req.ID
		})
		job.AddLog("INFO", "Waiting for user approval")
		e.publishUpdate(job)
		e.bus.Publish(events.EventTypeNotification,
			events.ApprovalNotificationEvent(job.ID, req.ID, command, choice.ModelName, choice.EstimatedCost))
		return job
	}

	// Safe commands skip the pending state entirely
	job.SetStatus(types.JobStatusApproved, "Auto-approved")
	e.publishUpdate(job)
	go e.runApproved(job)
	return job
}

// Job returns a job by id.
func (e *Engine) Job(jobID string) (*types.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	return job, ok
}

// Jobs returns snapshots of all retained jobs, newest first.
func (e *Engine) Jobs() []types.Job {
	e.mu.Lock()
	snapshots := make([]types.Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	e.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots
}

// HandleApproval settles an approval and resumes or rejects its job.
func (e *Engine) HandleApproval(approvalID string, resp approval.Response) approval.Outcome {
	req, ok := e.approvals.Get(approvalID)
	if !ok {
		return approval.Outcome{Success: false, Error: "Approval request not found or expired"}
	}

	outcome := e.approvals.Respond(approvalID, resp)
	if !outcome.Success {
		return outcome
	}

	job, ok := e.Job(req.JobID)
	if !ok {
		return outcome
	}

	if outcome.Approved {
		now := time.Now().UTC()
		job.Mutate(func(j *types.Job) {
			j.ApprovedBy = resp.ApprovedBy
			j.ApprovedAt = &now
		})
		job.SetStatus(types.JobStatusApproved, "Approved by "+resp.ApprovedBy)
		e.publishUpdate(job)
		go e.runApproved(job)
	} else {
		job.UpdateProgress(100, "")
		job.SetStatus(types.JobStatusRejected, "Rejected by user")
		e.publishUpdate(job)
		e.finishJob(job)
	}
	return outcome
}

// handleApprovalExpiry rejects jobs whose approval window lapsed.
func (e *Engine) handleApprovalExpiry(req *approval.Request) {
	job, ok := e.Job(req.JobID)
	if !ok {
		return
	}
	job.UpdateProgress(100, "")
	job.SetStatus(types.JobStatusRejected, "Approval request expired")
	e.publishUpdate(job)
	e.finishJob(job)
}

// runApproved plans the approved job with the selected model, then
// executes the plan.
func (e *Engine) runApproved(job *types.Job) {
	snapshot := job.Snapshot()

	info, err := e.registry.Get(snapshot.ModelUsed)
	if err != nil {
		e.failJob(job, fmt.Sprintf("Model %q vanished from the registry: %v", snapshot.ModelUsed, err))
		return
	}

	prompt := prompts.BuildSystemPrompt(job.Command, snapshot.Context)
	resp, err := e.invoker.Invoke(context.Background(), info, prompt)
	if err != nil {
		job.Mutate(func(j *types.Job) { j.Plan = prompts.FallbackPlan() })
		e.failJob(job, fmt.Sprintf("Model invocation failed: %v", err))
		return
	}

	plan, wrapped := gateway.ParsePlan(resp.Content)
	if wrapped {
		e.logger.Warn("Job %s: model response was not structured, treating as a single shell command", job.ID)
	}

	cost := e.registry.EstimateCost(snapshot.ModelUsed, len(prompt))
	job.Mutate(func(j *types.Job) {
		j.Plan = plan
		j.TokensConsumed = resp.Usage.TotalTokens
		j.CostUSD = cost
	})
	job.UpdateProgress(40, "Generated execution plan: "+gateway.DescribePlan(plan))
	e.publishUpdate(job)

	if len(plan.Steps) == 0 {
		e.failJob(job, "Model produced no executable steps")
		return
	}

	e.execute(job)
}

// execute runs the job's plan and settles its terminal state.
func (e *Engine) execute(job *types.Job) {
	if !job.SetStatus(types.JobStatusExecuting, "Executing plan") {
		return
	}
	e.publishUpdate(job)

	snapshot := job.Snapshot()
	if snapshot.Plan == nil {
		e.failJob(job, "No execution plan available")
		return
	}

	result := e.executor.Execute(context.Background(), snapshot.Plan.Steps, job.UserID)
	job.Mutate(func(j *types.Job) { j.Result = result })
	job.UpdateProgress(90, "Execution finished")
	e.publishUpdate(job)

	job.UpdateProgress(100, "")
	if result.Success {
		job.SetStatus(types.JobStatusCompleted, "Job completed")
	} else {
		job.Mutate(func(j *types.Job) { j.Error = result.Error })
		job.SetStatus(types.JobStatusFailed, "Job failed")
	}
	e.publishUpdate(job)
	e.finishJob(job)
}

func (e *Engine) failJob(job *types.Job, reason string) {
	e.logger.Error("Job %s failed: %s", job.ID, reason)
	job.Mutate(func(j *types.Job) { j.Error = reason })
	job.UpdateProgress(100, "")
	job.SetStatus(types.JobStatusFailed, reason)
	e.publishUpdate(job)
	e.finishJob(job)
}

// finishJob persists a terminal job to history.
func (e *Engine) finishJob(job *types.Job) {
	if e.history == nil {
		return
	}
	snapshot := job.Snapshot()
	if !snapshot.Status.IsTerminal() {
		return
	}
	if err := e.history.RecordJob(snapshot); err != nil {
		e.logger.Warn("Failed to record job %s in history: %v", job.ID, err)
	}
}

func (e *Engine) publishUpdate(job *types.Job) {
	snapshot := job.Snapshot()
	e.bus.Publish(events.EventTypeJobUpdate,
		events.JobUpdateEvent(snapshot.ID, string(snapshot.Status), snapshot.Progress))
}

// trimLocked enforces the retention cap, evicting the oldest terminal
// jobs first. Pending and executing jobs are never evicted, even when
// that leaves the registry over its cap. Caller holds e.mu.
func (e *Engine) trimLocked() {
	for len(e.order) > e.retention {
		evicted := false
		for i, id := range e.order {
			if e.jobs[id].CurrentStatus().IsTerminal() {
				e.order = append(e.order[:i], e.order[i+1:]...)
				delete(e.jobs, id)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
