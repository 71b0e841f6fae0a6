package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/conductor"
)

// WorkerOptions configures a Worker. AgentName, Channel, Store, and Executor
// are required.
type WorkerOptions struct {
	AgentName string
	Channel   conductor.EventChannel
	Store     conductor.Store
	Executor  Executor
	Logger    *slog.Logger
	Group     string
	Consumer  string
}

// Worker consumes the dispatch stream for one agent name. Each delivery is
// executed and answered with a SubtaskCompleted or SubtaskFailed event; a
// HumanInputError parks the subtask in WAITING_HUMAN behind a checkpoint
// instead. Deliveries are acked only after the outcome is published or
// persisted, so a crash mid-execution redelivers the dispatch.
type Worker struct {
	agentName string
	channel   conductor.EventChannel
	store     conductor.Store
	executor  Executor
	logger    *slog.Logger
	group     string
	consumer  string
}

// NewWorker creates a worker for one agent name.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.AgentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("event channel is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Group == "" {
		opts.Group = "agents"
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.AgentName + "-1"
	}
	return &Worker{
		agentName: opts.AgentName,
		channel:   opts.Channel,
		store:     opts.Store,
		executor:  opts.Executor,
		logger:    opts.Logger.With("agent", opts.AgentName),
		group:     opts.Group,
		consumer:  opts.Consumer,
	}, nil
}

// Run consumes the agent's dispatch stream until the context is done.
func (w *Worker) Run(ctx context.Context) error {
	stream := conductor.AgentStream(w.agentName)
	for {
		delivery, err := w.channel.Receive(ctx, stream, w.group, w.consumer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := w.handleDelivery(ctx, delivery); err != nil {
			w.logger.Error("dispatch handling failed, requeueing",
				"attempt", delivery.Attempt, "error", err)
			if nackErr := w.channel.Nack(ctx, delivery); nackErr != nil {
				w.logger.Error("failed to nack dispatch", "error", nackErr)
			}
			continue
		}
		if err := w.channel.Ack(ctx, delivery); err != nil {
			w.logger.Error("failed to ack dispatch", "error", err)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, delivery *conductor.Delivery) error {
	dispatch, ok := delivery.Event.(*conductor.AgentActionScheduled)
	if !ok {
		return fmt.Errorf("unexpected %s event on dispatch stream", delivery.Event.EventKind())
	}
	logger := w.logger.With(
		"workflow_id", dispatch.WorkflowID, "subtask_id", dispatch.SubtaskID)

	task := &Task{
		WorkflowID:               dispatch.WorkflowID,
		SubtaskID:                dispatch.SubtaskID,
		AgentName:                dispatch.AgentName,
		Prompt:                   dispatch.ActionDetails.Prompt,
		ToolSpec:                 dispatch.ActionDetails.ToolSpec,
		PlanContext:              dispatch.ActionDetails.PlanContext,
		HumanResponse:            dispatch.ActionDetails.HumanResponse,
		ResumingFromCheckpointID: dispatch.ActionDetails.ResumingFromCheckpointID,
	}

	result, err := w.executor.Execute(ctx, task)

	var humanErr *HumanInputError
	if errors.As(err, &humanErr) {
		return w.parkForHumanInput(ctx, logger, task, humanErr)
	}
	if err != nil {
		logger.Warn("subtask execution failed", "error", err)
		return w.channel.Publish(ctx, conductor.StreamWorkflowEvents, &conductor.SubtaskFailed{
			WorkflowID:   task.WorkflowID,
			SubtaskID:    task.SubtaskID,
			ErrorMessage: err.Error(),
		})
	}

	// Checkpoint before reporting completion so rollback can target the
	// post-subtask state.
	if _, ok := w.store.SaveCheckpoint(ctx, &conductor.Checkpoint{
		WorkflowID:   task.WorkflowID,
		SubtaskID:    task.SubtaskID,
		AgentName:    w.agentName,
		PlanningFlow: task.PlanContext,
		Reason:       fmt.Sprintf("subtask %s completed", task.SubtaskID),
	}); !ok {
		logger.Error("failed to save completion checkpoint")
	}

	logger.Info("subtask executed")
	return w.channel.Publish(ctx, conductor.StreamWorkflowEvents, &conductor.SubtaskCompleted{
		WorkflowID: task.WorkflowID,
		SubtaskID:  task.SubtaskID,
		Result:     result,
	})
}

// parkForHumanInput checkpoints current state and moves the subtask and its
// workflow into WAITING_HUMAN. Progress resumes when a HumanInputProvided
// event arrives for the subtask.
func (w *Worker) parkForHumanInput(ctx context.Context, logger *slog.Logger, task *Task, humanErr *HumanInputError) error {
	checkpointID, ok := w.store.SaveCheckpoint(ctx, &conductor.Checkpoint{
		WorkflowID:   task.WorkflowID,
		SubtaskID:    task.SubtaskID,
		AgentName:    w.agentName,
		AgentState:   humanErr.State,
		PlanningFlow: task.PlanContext,
		Reason:       fmt.Sprintf("awaiting human input: %s", humanErr.Question),
	})
	if !ok {
		return fmt.Errorf("failed to checkpoint before human input pause")
	}

	waiting := conductor.SubtaskStatusWaitingHuman
	question := humanErr.Question
	if !w.store.TransitionSubtask(ctx, task.WorkflowID, task.SubtaskID, conductor.SubtaskUpdate{
		Status:       &waiting,
		ErrorMessage: &question,
	}) {
		return fmt.Errorf("failed to park subtask %s", task.SubtaskID)
	}
	if !w.store.UpdateWorkflowStatus(ctx, task.WorkflowID, conductor.WorkflowStatusWaitingHuman, nil) {
		return fmt.Errorf("failed to park workflow %s", task.WorkflowID)
	}
	logger.Info("subtask waiting for human input",
		"question", humanErr.Question, "checkpoint_id", checkpointID)
	return nil
}
