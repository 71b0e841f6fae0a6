package conductor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventRoundtrip(t *testing.T) {
	events := []Event{
		&TaskCreated{
			WorkflowID:  "wf_1",
			UserPrompt:  "summarize the incident",
			InitialPlan: json.RawMessage(`{"subtasks":{"a":{"name":"triage"}}}`),
		},
		&SubtaskCompleted{
			WorkflowID: "wf_1",
			SubtaskID:  "a",
			Result:     json.RawMessage(`{"severity":"low"}`),
		},
		&SubtaskFailed{
			WorkflowID:   "wf_1",
			SubtaskID:    "a",
			ErrorMessage: "upstream timeout",
			Details:      json.RawMessage(`{"attempts":3}`),
		},
		&HumanInputProvided{
			WorkflowID:   "wf_1",
			SubtaskID:    "a",
			UserResponse: "use the eu-west dataset",
			ResponderInfo: ResponderInfo{
				Responder:            "oncall",
				RelevantCheckpointID: "chk_1",
			},
		},
		&AgentActionScheduled{
			WorkflowID: "wf_1",
			SubtaskID:  "a",
			AgentName:  "researcher",
			ActionDetails: ActionDetails{
				Prompt:        "triage the incident",
				ToolSpec:      map[string]any{"code": "1 + 1"},
				HumanResponse: "use the eu-west dataset",
			},
		},
	}

	for _, event := range events {
		t.Run(string(event.EventKind()), func(t *testing.T) {
			encoded, err := EncodeEvent(event)
			require.NoError(t, err)

			decoded, err := DecodeEvent(encoded)
			require.NoError(t, err)
			require.Equal(t, event.EventKind(), decoded.EventKind())
			require.Equal(t, event, decoded)
		})
	}
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind": "workflow_cancelled", "payload": {}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event kind")
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestEnvelopeKindMatchesPayload(t *testing.T) {
	encoded, err := EncodeEvent(&SubtaskCompleted{WorkflowID: "wf_1", SubtaskID: "a"})
	require.NoError(t, err)

	var env struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(encoded, &env))
	require.Equal(t, "subtask_completed", env.Kind)
}
