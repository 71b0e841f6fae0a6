package conductor

import "time"

// WorkflowStatus represents the lifecycle state of a workflow. Transitions
// are monotonic except for rollback, which forces a workflow back to PENDING.
type WorkflowStatus string

const (
	WorkflowStatusPending      WorkflowStatus = "PENDING"
	WorkflowStatusRunning      WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted    WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed       WorkflowStatus = "FAILED"
	WorkflowStatusWaitingHuman WorkflowStatus = "WAITING_HUMAN"
)

// active reports whether a workflow in this status may still make progress
// without being reset by a new plan.
func (s WorkflowStatus) active() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusWaitingHuman:
		return true
	}
	return false
}

// Workflow is the durable record for one orchestrated request. The DAG field
// is the persisted graph snapshot and is the source of truth for graph shape
// during scheduling.
type Workflow struct {
	ID        string         `json:"id"`
	Prompt    string         `json:"prompt"`
	Status    WorkflowStatus `json:"status"`
	DAG       *DAG           `json:"dag,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// WorkflowDetail is a workflow with its subtask rows eager-loaded in one
// round trip.
type WorkflowDetail struct {
	Workflow *Workflow  `json:"workflow"`
	Subtasks []*Subtask `json:"subtasks"`
}
