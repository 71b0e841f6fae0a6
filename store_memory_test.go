package conductor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func diamondDAG(t *testing.T) *DAG {
	t.Helper()
	dag, err := NewDAG([]*Subtask{
		{ID: "a", Name: "fetch"},
		{ID: "b", Name: "transform", DependsOn: []string{"a"}},
		{ID: "c", Name: "report", DependsOn: []string{"a", "b"}},
	})
	require.NoError(t, err)
	return dag
}

func seedWorkflow(t *testing.T, store *MemoryStore) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateWorkflow(ctx, "", "prompt", diamondDAG(t))
	require.NoError(t, err)
	for _, sub := range diamondDAG(t).Subtasks() {
		require.True(t, store.AddSubtask(ctx, id, sub))
	}
	return id
}

func TestMemoryStoreWorkflows(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	t.Run("create generates an id", func(t *testing.T) {
		id, err := store.CreateWorkflow(ctx, "", "p", diamondDAG(t))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, WorkflowStatusPending, wf.Status)
		require.Equal(t, 3, wf.DAG.Len())
	})

	t.Run("create honors a caller id once", func(t *testing.T) {
		id, err := store.CreateWorkflow(ctx, "wf_explicit", "p", diamondDAG(t))
		require.NoError(t, err)
		require.Equal(t, "wf_explicit", id)

		_, err = store.CreateWorkflow(ctx, "wf_explicit", "p", diamondDAG(t))
		require.Error(t, err)
	})

	t.Run("missing workflow", func(t *testing.T) {
		_, err := store.GetWorkflow(ctx, "wf_missing")
		require.ErrorIs(t, err, ErrNotFound)
		require.False(t, store.UpdateWorkflowStatus(ctx, "wf_missing", WorkflowStatusRunning, nil))
	})

	t.Run("returned rows are copies", func(t *testing.T) {
		id, err := store.CreateWorkflow(ctx, "", "p", diamondDAG(t))
		require.NoError(t, err)

		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		sub, _ := wf.DAG.Get("a")
		sub.Status = SubtaskStatusFailed

		again, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		fresh, _ := again.DAG.Get("a")
		require.Equal(t, SubtaskStatusPending, fresh.Status)
	})
}

func TestMemoryStoreSubtasks(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id := seedWorkflow(t, store)

	t.Run("duplicate insert is refused", func(t *testing.T) {
		require.False(t, store.AddSubtask(ctx, id, &Subtask{ID: "a"}))
	})

	t.Run("partial update", func(t *testing.T) {
		status := SubtaskStatusCompleted
		require.True(t, store.UpdateSubtask(ctx, id, "a", SubtaskUpdate{
			Status: &status,
			Result: json.RawMessage(`"done"`),
		}))
		detail, err := store.GetWorkflowWithSubtasks(ctx, id)
		require.NoError(t, err)
		require.Equal(t, SubtaskStatusCompleted, detail.Subtasks[0].Status)
		require.Equal(t, "fetch", detail.Subtasks[0].Name)
	})

	t.Run("claim compare and swap", func(t *testing.T) {
		require.True(t, store.ClaimSubtask(ctx, id, "b", "generalist"))
		require.False(t, store.ClaimSubtask(ctx, id, "b", "other"),
			"a running subtask must not be claimed twice")
		require.False(t, store.ClaimSubtask(ctx, id, "a", "other"),
			"a completed subtask must not be claimed")

		detail, err := store.GetWorkflowWithSubtasks(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "generalist", detail.Subtasks[1].AgentName)
	})

	t.Run("claim marks the dag snapshot", func(t *testing.T) {
		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		sub, ok := wf.DAG.Get("b")
		require.True(t, ok)
		require.Equal(t, SubtaskStatusRunning, sub.Status)
		require.Equal(t, "generalist", sub.AgentName)
	})

	t.Run("claim on waiting subtask is refused", func(t *testing.T) {
		waiting := SubtaskStatusWaitingHuman
		require.True(t, store.UpdateSubtask(ctx, id, "c", SubtaskUpdate{Status: &waiting}))
		require.False(t, store.ClaimSubtask(ctx, id, "c", "generalist"))
	})
}

func TestMemoryStoreTransitionSubtask(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id := seedWorkflow(t, store)

	t.Run("row and snapshot advance together", func(t *testing.T) {
		completed := SubtaskStatusCompleted
		require.True(t, store.TransitionSubtask(ctx, id, "a", SubtaskUpdate{
			Status: &completed, Result: json.RawMessage(`"done"`),
		}))

		detail, err := store.GetWorkflowWithSubtasks(ctx, id)
		require.NoError(t, err)
		require.Equal(t, SubtaskStatusCompleted, detail.Subtasks[0].Status)
		sub, ok := detail.Workflow.DAG.Get("a")
		require.True(t, ok)
		require.Equal(t, SubtaskStatusCompleted, sub.Status)
		require.JSONEq(t, `"done"`, string(sub.Result))
	})

	t.Run("terminal re-apply leaves the row untouched", func(t *testing.T) {
		detail, err := store.GetWorkflowWithSubtasks(ctx, id)
		require.NoError(t, err)
		before := detail.Subtasks[0].UpdatedAt

		store.now = func() time.Time { return before.Add(time.Hour) }
		completed := SubtaskStatusCompleted
		require.True(t, store.TransitionSubtask(ctx, id, "a", SubtaskUpdate{
			Status: &completed, Result: json.RawMessage(`"done"`),
		}))

		detail, err = store.GetWorkflowWithSubtasks(ctx, id)
		require.NoError(t, err)
		require.Equal(t, before, detail.Subtasks[0].UpdatedAt,
			"re-applying a terminal status must not move updated_at")
	})

	t.Run("missing subtask", func(t *testing.T) {
		running := SubtaskStatusRunning
		require.False(t, store.TransitionSubtask(ctx, id, "zzz", SubtaskUpdate{Status: &running}))
	})
}

func TestMemoryStoreCheckpoints(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id := seedWorkflow(t, store)

	first, ok := store.SaveCheckpoint(ctx, &Checkpoint{
		WorkflowID: id,
		SubtaskID:  "a",
		Reason:     "subtask a completed",
		CreatedAt:  time.Now().Add(-time.Minute),
	})
	require.True(t, ok)
	second, ok := store.SaveCheckpoint(ctx, &Checkpoint{
		WorkflowID: id,
		SubtaskID:  "b",
		Reason:     "subtask b completed",
	})
	require.True(t, ok)

	t.Run("save requires the workflow", func(t *testing.T) {
		_, ok := store.SaveCheckpoint(ctx, &Checkpoint{WorkflowID: "wf_missing"})
		require.False(t, ok)
	})

	t.Run("load by id", func(t *testing.T) {
		checkpoint, err := store.LoadCheckpoint(ctx, first)
		require.NoError(t, err)
		require.Equal(t, "a", checkpoint.SubtaskID)
	})

	t.Run("latest and list ordering", func(t *testing.T) {
		latest, err := store.LoadLatestCheckpoint(ctx, id)
		require.NoError(t, err)
		require.Equal(t, second, latest.ID)

		checkpoints, err := store.ListCheckpoints(ctx, id)
		require.NoError(t, err)
		require.Len(t, checkpoints, 2)
		require.Equal(t, second, checkpoints[0].ID)
	})

	t.Run("no checkpoints is not found", func(t *testing.T) {
		other := seedWorkflow(t, store)
		_, err := store.LoadLatestCheckpoint(ctx, other)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreInvalidateSubsequentWork(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	id := seedWorkflow(t, store)

	completed := SubtaskStatusCompleted
	require.True(t, store.UpdateSubtask(ctx, id, "a", SubtaskUpdate{
		Status: &completed, Result: json.RawMessage(`"early"`),
	}))
	keep, ok := store.SaveCheckpoint(ctx, &Checkpoint{WorkflowID: id, SubtaskID: "a"})
	require.True(t, ok)

	cut := time.Now()
	store.now = func() time.Time { return cut.Add(time.Second) }

	require.True(t, store.UpdateSubtask(ctx, id, "b", SubtaskUpdate{
		Status: &completed, Result: json.RawMessage(`"late"`),
	}))
	_, ok = store.SaveCheckpoint(ctx, &Checkpoint{WorkflowID: id, SubtaskID: "b"})
	require.True(t, ok)

	require.True(t, store.InvalidateSubsequentWork(ctx, id, cut))

	detail, err := store.GetWorkflowWithSubtasks(ctx, id)
	require.NoError(t, err)
	require.Equal(t, SubtaskStatusCompleted, detail.Subtasks[0].Status)
	require.Equal(t, SubtaskStatusPending, detail.Subtasks[1].Status)
	require.Empty(t, detail.Subtasks[1].Result)
	require.Empty(t, detail.Subtasks[1].ErrorMessage)

	checkpoints, err := store.ListCheckpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	require.Equal(t, keep, checkpoints[0].ID)

	require.False(t, store.InvalidateSubsequentWork(ctx, "wf_missing", cut))
}
