package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/conductor/script"
)

// ScriptExecutor runs a subtask whose tool spec carries a "code" entry as a
// risor script. It is a local stand-in for real agent workers, used by tests
// and the bundled CLI. The script sees the rendered prompt, the plan context,
// and any human response as globals. A script requests human input by
// returning a map with an "ask_human" key holding the question; an optional
// "state" key is preserved and handed back on resume.
type ScriptExecutor struct{}

// NewScriptExecutor creates a script executor backed by the risor engine.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{}
}

func (e *ScriptExecutor) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	code, _ := task.ToolSpec["code"].(string)
	if code == "" {
		return nil, fmt.Errorf("subtask %s has no script in its tool spec", task.SubtaskID)
	}

	prompt, err := e.renderPrompt(ctx, task)
	if err != nil {
		return nil, err
	}

	planContext := map[string]any{}
	if len(task.PlanContext) > 0 {
		if err := json.Unmarshal(task.PlanContext, &planContext); err != nil {
			return nil, fmt.Errorf("failed to decode plan context: %w", err)
		}
	}

	// Global names must be known at compile time, so the engine is built per
	// task with the task's values baked in.
	globals := script.DefaultRisorGlobals()
	globals["prompt"] = prompt
	globals["plan"] = planContext
	globals["human_response"] = task.HumanResponse
	engine := script.NewRisorScriptingEngine(globals)

	compiled, err := engine.Compile(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile subtask script: %w", err)
	}
	value, err := compiled.Evaluate(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate subtask script: %w", err)
	}

	goValue := value.Value()
	if question, state, ok := humanInputRequest(goValue); ok && task.HumanResponse == "" {
		return nil, &HumanInputError{Question: question, State: state}
	}

	result, err := json.Marshal(goValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script result: %w", err)
	}
	return result, nil
}

// humanInputRequest recognizes the {"ask_human": "..."} return convention.
func humanInputRequest(value any) (string, json.RawMessage, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return "", nil, false
	}
	question, ok := m["ask_human"].(string)
	if !ok || question == "" {
		return "", nil, false
	}
	var state json.RawMessage
	if s, ok := m["state"]; ok {
		if encoded, err := json.Marshal(s); err == nil {
			state = encoded
		}
	}
	return question, state, true
}

// renderPrompt expands ${...} expressions in the task prompt.
func (e *ScriptExecutor) renderPrompt(ctx context.Context, task *Task) (string, error) {
	globals := script.DefaultRisorGlobals()
	globals["human_response"] = task.HumanResponse
	globals["subtask_id"] = task.SubtaskID
	engine := script.NewRisorScriptingEngine(globals)

	template, err := script.NewTemplate(engine, task.Prompt)
	if err != nil {
		return "", fmt.Errorf("failed to compile prompt template: %w", err)
	}
	return template.Eval(ctx, nil)
}
