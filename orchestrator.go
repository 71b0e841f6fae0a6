package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultAgentName is assigned to subtasks whose plan did not name an
// executor.
const DefaultAgentName = "generalist"

// OrchestratorOptions configures an Orchestrator. Store and Channel are
// required; everything else has a default.
type OrchestratorOptions struct {
	Store            Store
	Channel          EventChannel
	Logger           *slog.Logger
	DefaultAgentName string

	// StalledAfter is how long a subtask may sit in RUNNING before
	// ReconcileStalled re-publishes its dispatch event. Zero disables the
	// sweep.
	StalledAfter time.Duration
}

// Orchestrator is the control loop of the engine. It consumes lifecycle
// events, drives DAG scheduling against the store, publishes dispatch events
// for ready subtasks, and implements rollback.
//
// Handlers are independently idempotent: the event channel is at-least-once,
// so every handler must tolerate re-delivery. Correctness under concurrent
// scheduling passes rests entirely on the store's compare-and-swap claim; no
// process-level lock is required.
type Orchestrator struct {
	store        Store
	channel      EventChannel
	logger       *slog.Logger
	defaultAgent string
	stalledAfter time.Duration
}

// NewOrchestrator creates an orchestrator with its dependencies injected.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("event channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultAgentName == "" {
		opts.DefaultAgentName = DefaultAgentName
	}
	return &Orchestrator{
		store:        opts.Store,
		channel:      opts.Channel,
		logger:       opts.Logger,
		defaultAgent: opts.DefaultAgentName,
		stalledAfter: opts.StalledAfter,
	}, nil
}

// HandleEvent dispatches one inbound event to its handler. Outbound kinds
// are rejected: the orchestrator only consumes lifecycle events.
func (o *Orchestrator) HandleEvent(ctx context.Context, event Event) error {
	switch e := event.(type) {
	case *TaskCreated:
		return o.handleTaskCreated(ctx, e)
	case *SubtaskCompleted:
		return o.handleSubtaskCompleted(ctx, e)
	case *SubtaskFailed:
		return o.handleSubtaskFailed(ctx, e)
	case *HumanInputProvided:
		return o.handleHumanInput(ctx, e)
	default:
		return fmt.Errorf("orchestrator cannot handle %s events", event.EventKind())
	}
}

// Run consumes the workflow event stream until the context is done. Events
// that fail with a malformed plan are acked (redelivery cannot fix them);
// transient handler failures are nacked for redelivery.
func (o *Orchestrator) Run(ctx context.Context, group, consumer string) error {
	for {
		delivery, err := o.channel.Receive(ctx, StreamWorkflowEvents, group, consumer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := o.HandleEvent(ctx, delivery.Event); err != nil {
			if IsMalformedPlan(err) {
				o.logger.Error("dropping event with malformed plan", "error", err)
				if ackErr := o.channel.Ack(ctx, delivery); ackErr != nil {
					o.logger.Error("failed to ack event", "error", ackErr)
				}
				continue
			}
			o.logger.Error("event handler failed, requeueing",
				"kind", delivery.Event.EventKind(), "attempt", delivery.Attempt, "error", err)
			if nackErr := o.channel.Nack(ctx, delivery); nackErr != nil {
				o.logger.Error("failed to nack event", "error", nackErr)
			}
			continue
		}
		if err := o.channel.Ack(ctx, delivery); err != nil {
			o.logger.Error("failed to ack event", "error", err)
		}
	}
}

// handleTaskCreated ingests a new request: it creates or resets the workflow,
// persists the plan's subtasks, stores the DAG snapshot, and runs a
// scheduling pass.
func (o *Orchestrator) handleTaskCreated(ctx context.Context, event *TaskCreated) error {
	logger := o.logger.With("workflow_id", event.WorkflowID)

	dag, err := ParsePlan(event.InitialPlan)
	if err != nil {
		return err
	}

	workflowID := event.WorkflowID
	existing, err := o.store.GetWorkflow(ctx, workflowID)
	switch {
	case errors.Is(err, ErrNotFound):
		workflowID, err = o.store.CreateWorkflow(ctx, workflowID, event.UserPrompt, dag)
		if err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		logger = o.logger.With("workflow_id", workflowID)
		logger.Info("workflow created", "subtasks", dag.Len())
	case err != nil:
		return err
	case existing.Status.active():
		// Redelivered TaskCreated for a live workflow: keep the current
		// plan, tolerate duplicate subtask inserts below.
		logger.Debug("task created event for active workflow", "status", existing.Status)
	default:
		// The finished run's rows keep terminal statuses that would make the
		// new plan's claims fail, and its checkpoints reference the old plan.
		// Invalidating from the zero time clears both.
		if !o.store.InvalidateSubsequentWork(ctx, workflowID, time.Time{}) {
			return fmt.Errorf("failed to clear previous run for workflow %s", workflowID)
		}
		if !o.store.UpdateWorkflowStatus(ctx, workflowID, WorkflowStatusPending, dag) {
			return fmt.Errorf("failed to reset workflow %s", workflowID)
		}
		logger.Info("workflow reset with new plan", "previous_status", existing.Status)
	}

	for _, sub := range dag.Subtasks() {
		if !o.store.AddSubtask(ctx, workflowID, sub) {
			logger.Debug("skipping duplicate subtask", "subtask_id", sub.ID)
		}
	}
	return o.ScheduleReadySubtasks(ctx, workflowID)
}

// handleSubtaskCompleted persists the completion and advances the DAG.
func (o *Orchestrator) handleSubtaskCompleted(ctx context.Context, event *SubtaskCompleted) error {
	if err := o.applySubtaskTransition(ctx, event.WorkflowID, event.SubtaskID,
		SubtaskStatusCompleted, event.Result, ""); err != nil {
		return err
	}
	return o.ScheduleReadySubtasks(ctx, event.WorkflowID)
}

// handleSubtaskFailed persists the failure and marks the whole workflow
// FAILED. There is no retry or partial continuation at this layer.
func (o *Orchestrator) handleSubtaskFailed(ctx context.Context, event *SubtaskFailed) error {
	if err := o.applySubtaskTransition(ctx, event.WorkflowID, event.SubtaskID,
		SubtaskStatusFailed, event.Details, event.ErrorMessage); err != nil {
		return err
	}
	if !o.store.UpdateWorkflowStatus(ctx, event.WorkflowID, WorkflowStatusFailed, nil) {
		return fmt.Errorf("failed to mark workflow %s failed", event.WorkflowID)
	}
	o.logger.Error("workflow failed",
		"workflow_id", event.WorkflowID,
		"subtask_id", event.SubtaskID,
		"error_message", event.ErrorMessage)
	return nil
}

// handleHumanInput resumes a subtask parked for human input: the subtask goes
// back through PENDING, is re-claimed to RUNNING, and a resume dispatch is
// published carrying the human response. Resumption uses the current DAG plus
// the injected response; any referenced checkpoint id is passed through for
// the agent's own state restoration, not acted on here.
func (o *Orchestrator) handleHumanInput(ctx context.Context, event *HumanInputProvided) error {
	logger := o.logger.With("workflow_id", event.WorkflowID, "subtask_id", event.SubtaskID)

	wf, err := o.store.GetWorkflow(ctx, event.WorkflowID)
	if err != nil {
		return err
	}
	if wf.DAG == nil {
		return fmt.Errorf("workflow %s has no dag snapshot", event.WorkflowID)
	}
	sub, ok := wf.DAG.Get(event.SubtaskID)
	if !ok {
		logger.Warn("human input for subtask missing from dag snapshot, rescheduling")
		return o.ScheduleReadySubtasks(ctx, event.WorkflowID)
	}

	pending := SubtaskStatusPending
	if !o.store.TransitionSubtask(ctx, event.WorkflowID, event.SubtaskID, SubtaskUpdate{Status: &pending}) {
		return fmt.Errorf("failed to reset subtask %s for resumption", event.SubtaskID)
	}

	agentName := sub.AgentName
	if agentName == "" {
		agentName = o.defaultAgent
	}
	if !o.store.ClaimSubtask(ctx, event.WorkflowID, event.SubtaskID, agentName) {
		logger.Debug("resume claim lost, rescheduling")
		return o.ScheduleReadySubtasks(ctx, event.WorkflowID)
	}

	// The claim patched the snapshot; mirror it in the local copy for the
	// dispatch payload and advance the workflow status.
	sub.Status = SubtaskStatusRunning
	sub.AgentName = agentName
	if !o.store.UpdateWorkflowStatus(ctx, event.WorkflowID, WorkflowStatusRunning, nil) {
		return fmt.Errorf("failed to update workflow %s", event.WorkflowID)
	}

	planContext, err := json.Marshal(wf.DAG)
	if err != nil {
		return fmt.Errorf("failed to serialize dag snapshot: %w", err)
	}
	dispatch := &AgentActionScheduled{
		WorkflowID: event.WorkflowID,
		SubtaskID:  event.SubtaskID,
		AgentName:  agentName,
		ActionDetails: ActionDetails{
			Prompt:                   wf.Prompt,
			ToolSpec:                 sub.ToolCallsSpec,
			PlanContext:              planContext,
			HumanResponse:            event.UserResponse,
			ResumingFromCheckpointID: event.ResponderInfo.RelevantCheckpointID,
		},
	}
	if err := o.channel.Publish(ctx, AgentStream(agentName), dispatch); err != nil {
		return fmt.Errorf("failed to publish resume dispatch: %w", err)
	}
	logger.Info("subtask resumed with human input", "agent", agentName)
	return nil
}

// applySubtaskTransition writes a status change to both the subtask row and
// the workflow's DAG snapshot. The snapshot is what scheduling reads, so the
// store applies both in one atomic step; a redelivered terminal event leaves
// the finished row untouched.
func (o *Orchestrator) applySubtaskTransition(ctx context.Context, workflowID, subtaskID string,
	status SubtaskStatus, result json.RawMessage, errorMessage string) error {

	update := SubtaskUpdate{Status: &status, Result: result}
	if errorMessage != "" {
		update.ErrorMessage = &errorMessage
	}
	if !o.store.TransitionSubtask(ctx, workflowID, subtaskID, update) {
		return fmt.Errorf("failed to update subtask %s/%s", workflowID, subtaskID)
	}
	return nil
}

// ScheduleReadySubtasks is the scheduling pass. It reads the workflow's DAG
// snapshot, completes the workflow if every subtask is done, and otherwise
// claims and dispatches each ready subtask. A lost claim means another pass
// already dispatched that subtask, so it is skipped. Nothing ready with work
// still in flight is a normal resting state.
func (o *Orchestrator) ScheduleReadySubtasks(ctx context.Context, workflowID string) error {
	logger := o.logger.With("workflow_id", workflowID)

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.DAG == nil {
		return fmt.Errorf("workflow %s has no dag snapshot", workflowID)
	}

	ready := wf.DAG.ReadySubtasks()
	if len(ready) == 0 {
		if wf.DAG.AllCompleted() {
			if wf.Status != WorkflowStatusCompleted {
				if !o.store.UpdateWorkflowStatus(ctx, workflowID, WorkflowStatusCompleted, nil) {
					return fmt.Errorf("failed to complete workflow %s", workflowID)
				}
				logger.Info("workflow completed")
			}
			return nil
		}
		logger.Debug("nothing ready, waiting on in-flight subtasks")
		return nil
	}

	var claimed []*Subtask
	for _, sub := range ready {
		agentName := sub.AgentName
		if agentName == "" {
			agentName = o.defaultAgent
		}
		if !o.store.ClaimSubtask(ctx, workflowID, sub.ID, agentName) {
			logger.Debug("claim lost, skipping dispatch", "subtask_id", sub.ID)
			continue
		}
		sub.Status = SubtaskStatusRunning
		sub.AgentName = agentName
		claimed = append(claimed, sub)
	}
	if len(claimed) == 0 {
		return nil
	}

	// Each claim already marked its subtask RUNNING in the snapshot, so a
	// crash before the publish leaves the claims visible to ReconcileStalled.
	// Only the workflow status is left to advance.
	if !o.store.UpdateWorkflowStatus(ctx, workflowID, WorkflowStatusRunning, nil) {
		return fmt.Errorf("failed to update workflow %s", workflowID)
	}

	planContext, err := json.Marshal(wf.DAG)
	if err != nil {
		return fmt.Errorf("failed to serialize dag snapshot: %w", err)
	}
	for _, sub := range claimed {
		dispatch := &AgentActionScheduled{
			WorkflowID: workflowID,
			SubtaskID:  sub.ID,
			AgentName:  sub.AgentName,
			ActionDetails: ActionDetails{
				Prompt:      wf.Prompt,
				ToolSpec:    sub.ToolCallsSpec,
				PlanContext: planContext,
			},
		}
		if err := o.channel.Publish(ctx, AgentStream(sub.AgentName), dispatch); err != nil {
			// The claim is already persisted; the reconciliation sweep will
			// re-publish this dispatch.
			logger.Error("failed to publish dispatch",
				"subtask_id", sub.ID, "agent", sub.AgentName, "error", err)
			continue
		}
		logger.Info("subtask dispatched", "subtask_id", sub.ID, "agent", sub.AgentName)
	}
	return nil
}

// TriggerRollback restores a workflow to the state captured by a checkpoint:
// it invalidates all work recorded after the checkpoint, restores the DAG
// snapshot, resets the workflow to PENDING, and reschedules. Steps run in
// separate transactions but the whole operation is idempotent: re-invoking it
// for the same checkpoint repeats harmlessly.
//
// A non-empty newDirective is recorded for downstream consumers; this layer
// does not inject it into agent memory.
func (o *Orchestrator) TriggerRollback(ctx context.Context, workflowID, checkpointID, newDirective string) error {
	logger := o.logger.With("workflow_id", workflowID, "checkpoint_id", checkpointID)

	checkpoint, err := o.store.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return &RollbackPreconditionError{
			WorkflowID:   workflowID,
			CheckpointID: checkpointID,
			Reason:       "checkpoint not loadable",
			Cause:        err,
		}
	}
	if checkpoint.WorkflowID != workflowID {
		return &RollbackPreconditionError{
			WorkflowID:   workflowID,
			CheckpointID: checkpointID,
			Reason:       fmt.Sprintf("checkpoint belongs to workflow %s", checkpoint.WorkflowID),
		}
	}
	if checkpoint.CreatedAt.IsZero() {
		return &RollbackPreconditionError{
			WorkflowID:   workflowID,
			CheckpointID: checkpointID,
			Reason:       "checkpoint has no creation timestamp",
		}
	}

	if !o.store.InvalidateSubsequentWork(ctx, workflowID, checkpoint.CreatedAt) {
		return fmt.Errorf("failed to invalidate work after checkpoint %s", checkpointID)
	}

	var dag *DAG
	if len(checkpoint.PlanningFlow) > 0 {
		dag, err = DecodeDAG(checkpoint.PlanningFlow)
		if err != nil {
			return fmt.Errorf("failed to decode checkpoint dag snapshot: %w", err)
		}
	} else {
		// Checkpoint predates DAG snapshots; best effort is the workflow's
		// current snapshot.
		wf, err := o.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.DAG == nil {
			return &RollbackPreconditionError{
				WorkflowID:   workflowID,
				CheckpointID: checkpointID,
				Reason:       "no dag snapshot on checkpoint or workflow",
			}
		}
		dag = wf.DAG
		logger.Warn("checkpoint has no dag snapshot, restoring current workflow dag")
	}

	if !o.store.UpdateWorkflowStatus(ctx, workflowID, WorkflowStatusPending, dag) {
		return fmt.Errorf("failed to reset workflow %s", workflowID)
	}
	if newDirective != "" {
		logger.Info("rollback directive recorded", "directive", newDirective)
	}
	logger.Info("workflow rolled back", "checkpoint_at", checkpoint.CreatedAt)

	return o.ScheduleReadySubtasks(ctx, workflowID)
}

// ReconcileStalled re-publishes dispatch events for subtasks that have sat in
// RUNNING longer than the configured threshold, covering a crash between the
// claim write and the dispatch publish. It changes no stored state, so agents
// that are merely slow receive a duplicate dispatch at worst, which the
// at-least-once contract already requires them to tolerate.
func (o *Orchestrator) ReconcileStalled(ctx context.Context, workflowID string) error {
	if o.stalledAfter <= 0 {
		return nil
	}
	logger := o.logger.With("workflow_id", workflowID)

	detail, err := o.store.GetWorkflowWithSubtasks(ctx, workflowID)
	if err != nil {
		return err
	}
	wf := detail.Workflow
	if wf.DAG == nil {
		return nil
	}
	planContext, err := json.Marshal(wf.DAG)
	if err != nil {
		return fmt.Errorf("failed to serialize dag snapshot: %w", err)
	}
	cutoff := time.Now().Add(-o.stalledAfter)
	for _, row := range detail.Subtasks {
		if row.Status != SubtaskStatusRunning || row.UpdatedAt.After(cutoff) {
			continue
		}
		sub, ok := wf.DAG.Get(row.ID)
		if !ok {
			continue
		}
		agentName := row.AgentName
		if agentName == "" {
			agentName = o.defaultAgent
		}
		dispatch := &AgentActionScheduled{
			WorkflowID: workflowID,
			SubtaskID:  row.ID,
			AgentName:  agentName,
			ActionDetails: ActionDetails{
				Prompt:      wf.Prompt,
				ToolSpec:    sub.ToolCallsSpec,
				PlanContext: planContext,
			},
		}
		if err := o.channel.Publish(ctx, AgentStream(agentName), dispatch); err != nil {
			logger.Error("failed to republish dispatch", "subtask_id", row.ID, "error", err)
			continue
		}
		logger.Warn("republished dispatch for stalled subtask",
			"subtask_id", row.ID, "running_since", row.UpdatedAt)
	}
	return nil
}
