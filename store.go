package conductor

import (
	"context"
	"encoding/json"
	"time"
)

// SubtaskUpdate is a partial update to a subtask row; only non-nil fields
// change.
type SubtaskUpdate struct {
	Status       *SubtaskStatus
	Result       json.RawMessage
	ErrorMessage *string
	AgentName    *string
}

// Store is the durable persistence contract for workflows, subtasks, and
// checkpoints. It is the single source of truth: the orchestrator holds no
// authoritative state beyond what the store persists, which is what makes
// rollback and crash recovery well-defined.
//
// Mutations report persistence failure as a false return after logging the
// underlying cause; raw storage errors never propagate to the orchestrator.
// Lookups return ErrNotFound for misses. All multi-row mutations are atomic.
type Store interface {
	// CreateWorkflow persists a new workflow with its initial DAG snapshot.
	// A generated id is used when id is empty.
	CreateWorkflow(ctx context.Context, id, prompt string, dag *DAG) (string, error)

	// GetWorkflow loads a workflow row including its DAG snapshot.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowWithSubtasks eager-loads a workflow and all of its subtask
	// rows in one round trip.
	GetWorkflowWithSubtasks(ctx context.Context, id string) (*WorkflowDetail, error)

	// UpdateWorkflowStatus updates the workflow status and, when dag is
	// non-nil, replaces the DAG snapshot. Returns false if the workflow does
	// not exist.
	UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus, dag *DAG) bool

	// AddSubtask inserts a subtask row. Returns false on a duplicate id
	// within the workflow; callers treat that as non-fatal.
	AddSubtask(ctx context.Context, workflowID string, subtask *Subtask) bool

	// UpdateSubtask applies a partial update. Returns false if the subtask
	// is not found.
	UpdateSubtask(ctx context.Context, workflowID, subtaskID string, update SubtaskUpdate) bool

	// TransitionSubtask atomically applies the update to both the subtask row
	// and its entry in the workflow's DAG snapshot. Transitions for one
	// workflow are linearized, so concurrent callers never erase each other's
	// snapshot writes. Re-applying a terminal status the row already carries
	// changes nothing, not even updated_at: redelivered completion events must
	// not move finished work past a later checkpoint. Returns false if the
	// subtask is not found.
	TransitionSubtask(ctx context.Context, workflowID, subtaskID string, update SubtaskUpdate) bool

	// ClaimSubtask atomically transitions a subtask to RUNNING with the given
	// agent, failing if it is already RUNNING, COMPLETED, or WAITING_HUMAN.
	// This compare-and-swap is the sole guard against double dispatch. A
	// successful claim also marks the subtask RUNNING in the workflow's DAG
	// snapshot.
	ClaimSubtask(ctx context.Context, workflowID, subtaskID, agentName string) bool

	// SaveCheckpoint persists a checkpoint, generating its id and creation
	// time when absent. Returns ("", false) on persistence failure.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) (string, bool)

	// LoadCheckpoint loads one checkpoint by id.
	LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// LoadLatestCheckpoint loads the workflow's most recent checkpoint.
	LoadLatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)

	// ListCheckpoints returns the workflow's checkpoints, newest first.
	ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	// InvalidateSubsequentWork atomically resets every subtask updated after
	// since back to PENDING (clearing result and error) and deletes every
	// checkpoint created after since. Both apply or neither does. The zero
	// time invalidates the entire run.
	InvalidateSubsequentWork(ctx context.Context, workflowID string, since time.Time) bool
}
