package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for tests and single-process
// deployments. All rows are copied on the way in and out so callers never
// share memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	subtasks    map[string]map[string]*Subtask
	checkpoints map[string]*Checkpoint
	logger      *slog.Logger
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store. A nil logger discards.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryStore{
		workflows:   map[string]*Workflow{},
		subtasks:    map[string]map[string]*Subtask{},
		checkpoints: map[string]*Checkpoint{},
		logger:      logger,
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, id, prompt string, dag *DAG) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = NewWorkflowID()
	}
	if _, exists := s.workflows[id]; exists {
		return "", fmt.Errorf("workflow %s already exists", id)
	}
	now := s.now()
	s.workflows[id] = &Workflow{
		ID:        id,
		Prompt:    prompt,
		Status:    WorkflowStatusPending,
		DAG:       dag.Copy(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.subtasks[id] = map[string]*Subtask{}
	return id, nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) GetWorkflowWithSubtasks(ctx context.Context, id string) (*WorkflowDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	rows := make([]*Subtask, 0, len(s.subtasks[id]))
	for _, sub := range s.subtasks[id] {
		rows = append(rows, sub.Copy())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return &WorkflowDetail{Workflow: copyWorkflow(wf), Subtasks: rows}, nil
}

func (s *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus, dag *DAG) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		s.logger.Warn("update of missing workflow ignored", "workflow_id", id)
		return false
	}
	wf.Status = status
	if dag != nil {
		wf.DAG = dag.Copy()
	}
	wf.UpdatedAt = s.now()
	return true
}

func (s *MemoryStore) AddSubtask(ctx context.Context, workflowID string, subtask *Subtask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.subtasks[workflowID]
	if !ok {
		s.logger.Warn("subtask insert for missing workflow ignored", "workflow_id", workflowID)
		return false
	}
	if _, exists := rows[subtask.ID]; exists {
		return false
	}
	row := subtask.Copy()
	if row.Status == "" {
		row.Status = SubtaskStatusPending
	}
	now := s.now()
	row.CreatedAt = now
	row.UpdatedAt = now
	rows[subtask.ID] = row
	return true
}

func (s *MemoryStore) UpdateSubtask(ctx context.Context, workflowID, subtaskID string, update SubtaskUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subtasks[workflowID][subtaskID]
	if !ok {
		s.logger.Warn("update of missing subtask ignored",
			"workflow_id", workflowID, "subtask_id", subtaskID)
		return false
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.Result != nil {
		row.Result = append([]byte(nil), update.Result...)
	}
	if update.ErrorMessage != nil {
		row.ErrorMessage = *update.ErrorMessage
	}
	if update.AgentName != nil {
		row.AgentName = *update.AgentName
	}
	row.UpdatedAt = s.now()
	return true
}

func (s *MemoryStore) TransitionSubtask(ctx context.Context, workflowID, subtaskID string, update SubtaskUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subtasks[workflowID][subtaskID]
	if !ok {
		s.logger.Warn("transition of missing subtask ignored",
			"workflow_id", workflowID, "subtask_id", subtaskID)
		return false
	}
	if update.Status != nil && row.Status == *update.Status && row.Status.terminal() {
		return true
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.Result != nil {
		row.Result = append([]byte(nil), update.Result...)
	}
	if update.ErrorMessage != nil {
		row.ErrorMessage = *update.ErrorMessage
	}
	if update.AgentName != nil {
		row.AgentName = *update.AgentName
	}
	row.UpdatedAt = s.now()
	s.patchSnapshot(workflowID, row)
	return true
}

func (s *MemoryStore) ClaimSubtask(ctx context.Context, workflowID, subtaskID, agentName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subtasks[workflowID][subtaskID]
	if !ok {
		return false
	}
	switch row.Status {
	case SubtaskStatusRunning, SubtaskStatusCompleted, SubtaskStatusWaitingHuman:
		return false
	}
	row.Status = SubtaskStatusRunning
	row.AgentName = agentName
	row.UpdatedAt = s.now()
	s.patchSnapshot(workflowID, row)
	return true
}

// patchSnapshot mirrors a subtask row into the workflow's DAG snapshot.
// Callers must hold the mutex.
func (s *MemoryStore) patchSnapshot(workflowID string, row *Subtask) {
	wf, ok := s.workflows[workflowID]
	if !ok || wf.DAG == nil {
		return
	}
	sub, ok := wf.DAG.Get(row.ID)
	if !ok {
		s.logger.Warn("subtask absent from dag snapshot",
			"workflow_id", workflowID, "subtask_id", row.ID)
		return
	}
	sub.Status = row.Status
	sub.AgentName = row.AgentName
	sub.Result = append([]byte(nil), row.Result...)
	sub.ErrorMessage = row.ErrorMessage
	wf.UpdatedAt = s.now()
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[checkpoint.WorkflowID]; !ok {
		s.logger.Error("checkpoint save failed",
			"workflow_id", checkpoint.WorkflowID, "error", "workflow not found")
		return "", false
	}
	row := checkpoint.Copy()
	if row.ID == "" {
		row.ID = NewCheckpointID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	s.checkpoints[row.ID] = row
	return row.ID, true
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotFound)
	}
	return row.Copy(), nil
}

func (s *MemoryStore) LoadLatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	checkpoints, err := s.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("no checkpoints for workflow %s: %w", workflowID, ErrNotFound)
	}
	return checkpoints[0], nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var checkpoints []*Checkpoint
	for _, row := range s.checkpoints {
		if row.WorkflowID == workflowID {
			checkpoints = append(checkpoints, row.Copy())
		}
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

func (s *MemoryStore) InvalidateSubsequentWork(ctx context.Context, workflowID string, since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		s.logger.Warn("invalidation for missing workflow ignored", "workflow_id", workflowID)
		return false
	}
	now := s.now()
	for _, row := range s.subtasks[workflowID] {
		if row.UpdatedAt.After(since) {
			row.Status = SubtaskStatusPending
			row.Result = nil
			row.ErrorMessage = ""
			row.UpdatedAt = now
		}
	}
	for id, row := range s.checkpoints {
		if row.WorkflowID == workflowID && row.CreatedAt.After(since) {
			delete(s.checkpoints, id)
		}
	}
	return true
}

func copyWorkflow(wf *Workflow) *Workflow {
	dup := *wf
	if wf.DAG != nil {
		dup.DAG = wf.DAG.Copy()
	}
	return &dup
}
