package conductor

import (
	"encoding/json"
	"time"
)

// Checkpoint is a durable snapshot of execution state tied to a workflow and
// optionally to one subtask. The four snapshot fields are opaque to the
// orchestrator and stored independently; each may be absent.
type Checkpoint struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	SubtaskID    string          `json:"subtask_id,omitempty"`
	AgentName    string          `json:"agent_name,omitempty"`
	AgentMemory  json.RawMessage `json:"agent_memory_snapshot,omitempty"`
	AgentState   json.RawMessage `json:"agent_state_snapshot,omitempty"`
	ToolStates   json.RawMessage `json:"tool_states_snapshot,omitempty"`
	PlanningFlow json.RawMessage `json:"planning_flow_snapshot,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitzero"`
}

// Copy returns a shallow copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	dup := *c
	return &dup
}
