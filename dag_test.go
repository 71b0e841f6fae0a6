package conductor

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDAGValidation(t *testing.T) {
	t.Run("empty plan", func(t *testing.T) {
		_, err := NewDAG(nil)
		require.Error(t, err)
		require.True(t, IsMalformedPlan(err))
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := NewDAG([]*Subtask{{Name: "anonymous"}})
		require.True(t, IsMalformedPlan(err))
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := NewDAG([]*Subtask{{ID: "a"}, {ID: "a"}})
		require.True(t, IsMalformedPlan(err))
		require.Contains(t, err.Error(), "duplicate")
	})

	t.Run("dangling dependency", func(t *testing.T) {
		_, err := NewDAG([]*Subtask{{ID: "a", DependsOn: []string{"ghost"}}})
		require.True(t, IsMalformedPlan(err))
		require.Contains(t, err.Error(), "ghost")
	})

	t.Run("self cycle", func(t *testing.T) {
		_, err := NewDAG([]*Subtask{{ID: "a", DependsOn: []string{"a"}}})
		require.True(t, IsMalformedPlan(err))
	})

	t.Run("long cycle", func(t *testing.T) {
		_, err := NewDAG([]*Subtask{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		})
		require.True(t, IsMalformedPlan(err))
		require.Contains(t, err.Error(), "cycle")
	})

	t.Run("valid diamond", func(t *testing.T) {
		dag, err := NewDAG([]*Subtask{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		})
		require.NoError(t, err)
		require.Equal(t, 4, dag.Len())
	})
}

func TestReadySubtasks(t *testing.T) {
	build := func(t *testing.T) *DAG {
		dag, err := NewDAG([]*Subtask{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		})
		require.NoError(t, err)
		return dag
	}

	t.Run("roots are ready initially", func(t *testing.T) {
		ready := build(t).ReadySubtasks()
		require.Len(t, ready, 1)
		require.Equal(t, "a", ready[0].ID)
	})

	t.Run("completion unlocks dependents", func(t *testing.T) {
		dag := build(t)
		sub, _ := dag.Get("a")
		sub.Status = SubtaskStatusCompleted

		ready := dag.ReadySubtasks()
		require.Len(t, ready, 2)
		require.Equal(t, "b", ready[0].ID)
		require.Equal(t, "c", ready[1].ID)
	})

	t.Run("partial completion keeps join blocked", func(t *testing.T) {
		dag := build(t)
		for _, id := range []string{"a", "b"} {
			sub, _ := dag.Get(id)
			sub.Status = SubtaskStatusCompleted
		}
		ready := dag.ReadySubtasks()
		require.Len(t, ready, 1)
		require.Equal(t, "c", ready[0].ID)
	})

	t.Run("running subtasks are not ready", func(t *testing.T) {
		dag := build(t)
		sub, _ := dag.Get("a")
		sub.Status = SubtaskStatusRunning
		require.Empty(t, dag.ReadySubtasks())
	})

	t.Run("failed dependency blocks forever", func(t *testing.T) {
		dag := build(t)
		sub, _ := dag.Get("a")
		sub.Status = SubtaskStatusFailed
		require.Empty(t, dag.ReadySubtasks())
		require.False(t, dag.AllCompleted())
	})

	t.Run("all completed", func(t *testing.T) {
		dag := build(t)
		for _, sub := range dag.Subtasks() {
			sub.Status = SubtaskStatusCompleted
		}
		require.True(t, dag.AllCompleted())
		require.Empty(t, dag.ReadySubtasks())
	})
}

// Every subtask reported ready must be pending with all dependencies
// completed, across randomly generated layered graphs and random completion
// subsets.
func TestReadySubtasksProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		var subtasks []*Subtask
		for i := 0; i < 12; i++ {
			sub := &Subtask{ID: fmt.Sprintf("s%d", i)}
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					sub.DependsOn = append(sub.DependsOn, fmt.Sprintf("s%d", j))
				}
			}
			subtasks = append(subtasks, sub)
		}
		dag, err := NewDAG(subtasks)
		require.NoError(t, err)

		completed := map[string]bool{}
		for _, sub := range dag.Subtasks() {
			if rng.Intn(2) == 0 {
				sub.Status = SubtaskStatusCompleted
				completed[sub.ID] = true
			}
		}

		for _, sub := range dag.ReadySubtasks() {
			require.Equal(t, SubtaskStatusPending, sub.Status)
			for _, dep := range sub.DependsOn {
				require.True(t, completed[dep],
					"ready subtask %s has incomplete dependency %s", sub.ID, dep)
			}
		}
	}
}

func TestDAGSnapshotRoundtrip(t *testing.T) {
	dag, err := NewDAG([]*Subtask{
		{ID: "a", Name: "fetch", AgentName: "researcher"},
		{ID: "b", Name: "report", DependsOn: []string{"a"},
			ToolCallsSpec: map[string]any{"code": "1 + 1"}},
	})
	require.NoError(t, err)
	sub, _ := dag.Get("a")
	sub.Status = SubtaskStatusCompleted
	sub.Result = json.RawMessage(`{"rows": 3}`)

	encoded, err := json.Marshal(dag)
	require.NoError(t, err)
	decoded, err := DecodeDAG(encoded)
	require.NoError(t, err)

	require.Equal(t, 2, decoded.Len())
	got, ok := decoded.Get("a")
	require.True(t, ok)
	require.Equal(t, SubtaskStatusCompleted, got.Status)
	require.JSONEq(t, `{"rows": 3}`, string(got.Result))
	require.Equal(t, "researcher", got.AgentName)

	// Readiness is derivable from the snapshot alone.
	ready := decoded.ReadySubtasks()
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].ID)
}

func TestDAGSnapshotRejectsMalformed(t *testing.T) {
	var dag DAG
	err := json.Unmarshal([]byte(`{"subtasks": {"a": {"id": "a", "depends_on": ["ghost"]}}}`), &dag)
	require.Error(t, err)
}

func TestDAGCopyIsolation(t *testing.T) {
	dag, err := NewDAG([]*Subtask{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}})
	require.NoError(t, err)

	dup := dag.Copy()
	sub, _ := dup.Get("a")
	sub.Status = SubtaskStatusCompleted

	original, _ := dag.Get("a")
	require.Equal(t, SubtaskStatusPending, original.Status)
}

func TestParsePlan(t *testing.T) {
	t.Run("valid json plan", func(t *testing.T) {
		dag, err := ParsePlan([]byte(`{
			"subtasks": {
				"fetch": {"name": "Fetch data"},
				"report": {"name": "Write report", "depends_on": ["fetch"]}
			}
		}`))
		require.NoError(t, err)
		require.Equal(t, 2, dag.Len())
		sub, ok := dag.Get("fetch")
		require.True(t, ok)
		require.Equal(t, SubtaskStatusPending, sub.Status)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"subtasks": {}, "extra": true}`))
		require.True(t, IsMalformedPlan(err))
	})

	t.Run("key and id must agree", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"subtasks": {"a": {"id": "b"}}}`))
		require.True(t, IsMalformedPlan(err))
	})

	t.Run("statuses are forced pending", func(t *testing.T) {
		dag, err := ParsePlan([]byte(`{"subtasks": {"a": {"status": "COMPLETED"}}}`))
		require.NoError(t, err)
		sub, _ := dag.Get("a")
		require.Equal(t, SubtaskStatusPending, sub.Status)
	})

	t.Run("yaml plan", func(t *testing.T) {
		dag, err := ParsePlanYAML([]byte(`
subtasks:
  fetch:
    name: Fetch data
  report:
    name: Write report
    depends_on: [fetch]
`))
		require.NoError(t, err)
		require.Equal(t, 2, dag.Len())
	})

	t.Run("yaml unknown fields rejected", func(t *testing.T) {
		_, err := ParsePlanYAML([]byte("subtasks: {}\nextra: true\n"))
		require.True(t, IsMalformedPlan(err))
	})
}
