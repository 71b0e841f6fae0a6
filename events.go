package conductor

import (
	"encoding/json"
	"fmt"
)

// EventKind tags each event type on the wire.
type EventKind string

const (
	EventKindTaskCreated          EventKind = "task_created"
	EventKindSubtaskCompleted     EventKind = "subtask_completed"
	EventKindSubtaskFailed        EventKind = "subtask_failed"
	EventKindHumanInputProvided   EventKind = "human_input_provided"
	EventKindAgentActionScheduled EventKind = "agent_action_scheduled"
)

// Event is the closed union of messages the orchestrator consumes and
// produces. Handling is exhaustive: an unknown kind fails decoding rather
// than flowing through as an untyped map.
type Event interface {
	EventKind() EventKind
}

// TaskCreated announces a new user request with its initial plan.
type TaskCreated struct {
	WorkflowID  string          `json:"workflow_id"`
	UserPrompt  string          `json:"user_prompt"`
	InitialPlan json.RawMessage `json:"initial_plan"`
}

func (TaskCreated) EventKind() EventKind { return EventKindTaskCreated }

// SubtaskCompleted reports a successful subtask execution.
type SubtaskCompleted struct {
	WorkflowID string          `json:"workflow_id"`
	SubtaskID  string          `json:"subtask_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (SubtaskCompleted) EventKind() EventKind { return EventKindSubtaskCompleted }

// SubtaskFailed reports a failed subtask execution. Failure is terminal for
// the workflow at this layer.
type SubtaskFailed struct {
	WorkflowID   string          `json:"workflow_id"`
	SubtaskID    string          `json:"subtask_id"`
	ErrorMessage string          `json:"error_message"`
	Details      json.RawMessage `json:"details,omitempty"`
}

func (SubtaskFailed) EventKind() EventKind { return EventKindSubtaskFailed }

// ResponderInfo carries metadata about who answered a human-input request and
// which checkpoint, if any, the answer refers to.
type ResponderInfo struct {
	Responder            string `json:"responder,omitempty"`
	RelevantCheckpointID string `json:"relevant_checkpoint_id,omitempty"`
}

// HumanInputProvided delivers a human response for a subtask parked in
// WAITING_HUMAN.
type HumanInputProvided struct {
	WorkflowID    string        `json:"workflow_id"`
	SubtaskID     string        `json:"subtask_id"`
	UserResponse  string        `json:"user_response"`
	ResponderInfo ResponderInfo `json:"responder_info"`
}

func (HumanInputProvided) EventKind() EventKind { return EventKindHumanInputProvided }

// ActionDetails is the execution spec carried by a dispatch event.
type ActionDetails struct {
	Prompt                   string          `json:"prompt"`
	ToolSpec                 map[string]any  `json:"tool_spec,omitempty"`
	PlanContext              json.RawMessage `json:"plan_context,omitempty"`
	HumanResponse            string          `json:"human_response,omitempty"`
	ResumingFromCheckpointID string          `json:"resuming_from_checkpoint_id,omitempty"`
}

// AgentActionScheduled instructs an agent worker to execute one subtask. It
// is routed to the stream for its agent name.
type AgentActionScheduled struct {
	WorkflowID    string        `json:"workflow_id"`
	SubtaskID     string        `json:"subtask_id"`
	AgentName     string        `json:"agent_name"`
	ActionDetails ActionDetails `json:"action_details"`
}

func (AgentActionScheduled) EventKind() EventKind { return EventKindAgentActionScheduled }

// envelope is the wire form of an event: a kind tag plus the JSON payload.
type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes an event into its envelope form.
func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event.EventKind(), err)
	}
	return json.Marshal(envelope{Kind: event.EventKind(), Payload: payload})
}

// DecodeEvent deserializes an envelope into its concrete event type. Unknown
// kinds are an error.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	var event Event
	switch env.Kind {
	case EventKindTaskCreated:
		event = &TaskCreated{}
	case EventKindSubtaskCompleted:
		event = &SubtaskCompleted{}
	case EventKindSubtaskFailed:
		event = &SubtaskFailed{}
	case EventKindHumanInputProvided:
		event = &HumanInputProvided{}
	case EventKindAgentActionScheduled:
		event = &AgentActionScheduled{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return event, nil
}
