// Package agent implements the worker side of the dispatch contract: it
// consumes AgentActionScheduled events for one agent name, executes them
// through an injected Executor, and reports results back on the workflow
// event stream.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task is the unit of work handed to an Executor, decoded from a dispatch
// event.
type Task struct {
	WorkflowID               string
	SubtaskID                string
	AgentName                string
	Prompt                   string
	ToolSpec                 map[string]any
	PlanContext              json.RawMessage
	HumanResponse            string
	ResumingFromCheckpointID string
}

// Executor performs the actual work of one subtask. How work is performed is
// entirely up to the implementation; the worker only cares about the result,
// the error, or a request for human input.
type Executor interface {
	Execute(ctx context.Context, task *Task) (json.RawMessage, error)
}

// HumanInputError signals that execution cannot proceed without a human
// response. The worker parks the subtask in WAITING_HUMAN instead of failing
// it, and State is preserved in the checkpoint taken before parking.
type HumanInputError struct {
	Question string
	State    json.RawMessage
}

func (e *HumanInputError) Error() string {
	return fmt.Sprintf("human input required: %s", e.Question)
}
