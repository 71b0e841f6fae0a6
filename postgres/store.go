package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/conductor"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	DB     *sql.DB
	Logger *slog.Logger
}

// Store is a PostgreSQL-backed conductor.Store. Every mutation is a single
// statement or a transaction, so the claim compare-and-swap and the
// invalidation sweep hold under concurrent orchestrators.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a Store. The caller owns the database handle and should
// have run Migrate before first use.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("database handle required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: opts.DB, logger: opts.Logger}, nil
}

func (s *Store) CreateWorkflow(ctx context.Context, id, prompt string, dag *conductor.DAG) (string, error) {
	if id == "" {
		id = conductor.NewWorkflowID()
	}
	snapshot, err := json.Marshal(dag)
	if err != nil {
		return "", fmt.Errorf("failed to encode dag: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, prompt, status, dag, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, prompt, conductor.WorkflowStatusPending, snapshot, now)
	if err != nil {
		return "", fmt.Errorf("failed to create workflow %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*conductor.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, status, dag, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func (s *Store) GetWorkflowWithSubtasks(ctx context.Context, id string) (*conductor.WorkflowDetail, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	wf, err := scanWorkflow(tx.QueryRowContext(ctx,
		`SELECT id, prompt, status, dag, created_at, updated_at
		 FROM workflows WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, status, depends_on, agent_name, tool_calls_spec,
		        result, error_message, created_at, updated_at
		 FROM subtasks WHERE workflow_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subtasks for workflow %s: %w", id, err)
	}
	defer rows.Close()

	detail := &conductor.WorkflowDetail{Workflow: wf}
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		detail.Subtasks = append(detail.Subtasks, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load subtasks for workflow %s: %w", id, err)
	}
	return detail, nil
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status conductor.WorkflowStatus, dag *conductor.DAG) bool {
	var snapshot []byte
	if dag != nil {
		encoded, err := json.Marshal(dag)
		if err != nil {
			s.logger.Error("workflow status update failed", "workflow_id", id, "error", err)
			return false
		}
		snapshot = encoded
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows
		 SET status = $2, dag = COALESCE($3, dag), updated_at = $4
		 WHERE id = $1`,
		id, status, snapshot, time.Now().UTC())
	if err != nil {
		s.logger.Error("workflow status update failed", "workflow_id", id, "error", err)
		return false
	}
	if !oneRow(result) {
		s.logger.Warn("update of missing workflow ignored", "workflow_id", id)
		return false
	}
	return true
}

func (s *Store) AddSubtask(ctx context.Context, workflowID string, subtask *conductor.Subtask) bool {
	dependsOn, err := json.Marshal(subtask.DependsOn)
	if err != nil {
		s.logger.Error("subtask insert failed", "workflow_id", workflowID, "error", err)
		return false
	}
	var toolSpec []byte
	if subtask.ToolCallsSpec != nil {
		toolSpec, err = json.Marshal(subtask.ToolCallsSpec)
		if err != nil {
			s.logger.Error("subtask insert failed", "workflow_id", workflowID, "error", err)
			return false
		}
	}
	status := subtask.Status
	if status == "" {
		status = conductor.SubtaskStatusPending
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subtasks (workflow_id, id, name, status, depends_on,
		                       agent_name, tool_calls_spec, error_message,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (workflow_id, id) DO NOTHING`,
		workflowID, subtask.ID, subtask.Name, status, dependsOn,
		subtask.AgentName, toolSpec, subtask.ErrorMessage, now)
	if err != nil {
		s.logger.Error("subtask insert failed",
			"workflow_id", workflowID, "subtask_id", subtask.ID, "error", err)
		return false
	}
	return oneRow(result)
}

func (s *Store) UpdateSubtask(ctx context.Context, workflowID, subtaskID string, update conductor.SubtaskUpdate) bool {
	var result []byte
	if update.Result != nil {
		result = update.Result
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtasks
		 SET status        = COALESCE($3, status),
		     result        = COALESCE($4, result),
		     error_message = COALESCE($5, error_message),
		     agent_name    = COALESCE($6, agent_name),
		     updated_at    = $7
		 WHERE workflow_id = $1 AND id = $2`,
		workflowID, subtaskID,
		statusArg(update.Status), result, update.ErrorMessage, update.AgentName,
		time.Now().UTC())
	if err != nil {
		s.logger.Error("subtask update failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if !oneRow(res) {
		s.logger.Warn("update of missing subtask ignored",
			"workflow_id", workflowID, "subtask_id", subtaskID)
		return false
	}
	return true
}

func (s *Store) TransitionSubtask(ctx context.Context, workflowID, subtaskID string, update conductor.SubtaskUpdate) bool {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	defer tx.Rollback()

	// Locking the workflow row linearizes snapshot writes per workflow.
	snapshot, err := lockWorkflowSnapshot(ctx, tx, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("transition for missing workflow ignored", "workflow_id", workflowID)
		return false
	}
	if err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}

	var current conductor.SubtaskStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM subtasks WHERE workflow_id = $1 AND id = $2`,
		workflowID, subtaskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("transition of missing subtask ignored",
			"workflow_id", workflowID, "subtask_id", subtaskID)
		return false
	}
	if err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if update.Status != nil && current == *update.Status && terminal(current) {
		// Redelivered terminal event; updated_at must not move.
		return true
	}

	var result []byte
	if update.Result != nil {
		result = update.Result
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE subtasks
		 SET status        = COALESCE($3, status),
		     result        = COALESCE($4, result),
		     error_message = COALESCE($5, error_message),
		     agent_name    = COALESCE($6, agent_name),
		     updated_at    = $7
		 WHERE workflow_id = $1 AND id = $2`,
		workflowID, subtaskID,
		statusArg(update.Status), result, update.ErrorMessage, update.AgentName,
		time.Now().UTC())
	if err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}

	row, err := loadSubtask(ctx, tx, workflowID, subtaskID)
	if err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if err := patchSnapshot(ctx, tx, workflowID, snapshot, row); err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("subtask transition failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	return true
}

func (s *Store) ClaimSubtask(ctx context.Context, workflowID, subtaskID, agentName string) bool {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("subtask claim failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	defer tx.Rollback()

	snapshot, err := lockWorkflowSnapshot(ctx, tx, workflowID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("subtask claim failed",
				"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		}
		return false
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE subtasks
		 SET status = $3, agent_name = $4, updated_at = $5
		 WHERE workflow_id = $1 AND id = $2
		   AND status NOT IN ($6, $7, $8)`,
		workflowID, subtaskID,
		conductor.SubtaskStatusRunning, agentName, time.Now().UTC(),
		conductor.SubtaskStatusRunning, conductor.SubtaskStatusCompleted,
		conductor.SubtaskStatusWaitingHuman)
	if err != nil {
		s.logger.Error("subtask claim failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if !oneRow(result) {
		return false
	}

	row, err := loadSubtask(ctx, tx, workflowID, subtaskID)
	if err != nil {
		s.logger.Error("subtask claim failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if err := patchSnapshot(ctx, tx, workflowID, snapshot, row); err != nil {
		s.logger.Error("subtask claim failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("subtask claim failed",
			"workflow_id", workflowID, "subtask_id", subtaskID, "error", err)
		return false
	}
	return true
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *conductor.Checkpoint) (string, bool) {
	id := checkpoint.ID
	if id == "" {
		id = conductor.NewCheckpointID()
	}
	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, workflow_id, subtask_id, agent_name,
		                          agent_memory, agent_state, tool_states,
		                          planning_flow, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, checkpoint.WorkflowID, checkpoint.SubtaskID, checkpoint.AgentName,
		rawArg(checkpoint.AgentMemory), rawArg(checkpoint.AgentState),
		rawArg(checkpoint.ToolStates), rawArg(checkpoint.PlanningFlow),
		checkpoint.Reason, createdAt)
	if err != nil {
		s.logger.Error("checkpoint save failed",
			"workflow_id", checkpoint.WorkflowID, "error", err)
		return "", false
	}
	return id, true
}

func (s *Store) LoadCheckpoint(ctx context.Context, checkpointID string) (*conductor.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, subtask_id, agent_name, agent_memory,
		        agent_state, tool_states, planning_flow, reason, created_at
		 FROM checkpoints WHERE id = $1`, checkpointID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, conductor.ErrNotFound)
	}
	return checkpoint, err
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, workflowID string) (*conductor.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, subtask_id, agent_name, agent_memory,
		        agent_state, tool_states, planning_flow, reason, created_at
		 FROM checkpoints WHERE workflow_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, workflowID)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no checkpoints for workflow %s: %w", workflowID, conductor.ErrNotFound)
	}
	return checkpoint, err
}

func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]*conductor.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, subtask_id, agent_name, agent_memory,
		        agent_state, tool_states, planning_flow, reason, created_at
		 FROM checkpoints WHERE workflow_id = $1
		 ORDER BY created_at DESC, id DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var checkpoints []*conductor.Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for workflow %s: %w", workflowID, err)
	}
	return checkpoints, nil
}

func (s *Store) InvalidateSubsequentWork(ctx context.Context, workflowID string, since time.Time) bool {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("invalidation failed", "workflow_id", workflowID, "error", err)
		return false
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, workflowID).Scan(&exists)
	if err != nil {
		s.logger.Error("invalidation failed", "workflow_id", workflowID, "error", err)
		return false
	}
	if !exists {
		s.logger.Warn("invalidation for missing workflow ignored", "workflow_id", workflowID)
		return false
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE subtasks
		 SET status = $3, result = NULL, error_message = '', updated_at = $4
		 WHERE workflow_id = $1 AND updated_at > $2`,
		workflowID, since, conductor.SubtaskStatusPending, time.Now().UTC())
	if err != nil {
		s.logger.Error("invalidation failed", "workflow_id", workflowID, "error", err)
		return false
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = $1 AND created_at > $2`,
		workflowID, since)
	if err != nil {
		s.logger.Error("invalidation failed", "workflow_id", workflowID, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("invalidation failed", "workflow_id", workflowID, "error", err)
		return false
	}
	return true
}

// lockWorkflowSnapshot takes the workflow's row lock and returns its DAG
// snapshot. Callers in the same transaction are serialized per workflow.
func lockWorkflowSnapshot(ctx context.Context, tx *sql.Tx, workflowID string) ([]byte, error) {
	var snapshot []byte
	err := tx.QueryRowContext(ctx,
		`SELECT dag FROM workflows WHERE id = $1 FOR UPDATE`, workflowID).Scan(&snapshot)
	return snapshot, err
}

func loadSubtask(ctx context.Context, tx *sql.Tx, workflowID, subtaskID string) (*conductor.Subtask, error) {
	return scanSubtask(tx.QueryRowContext(ctx,
		`SELECT id, name, status, depends_on, agent_name, tool_calls_spec,
		        result, error_message, created_at, updated_at
		 FROM subtasks WHERE workflow_id = $1 AND id = $2`,
		workflowID, subtaskID))
}

// patchSnapshot mirrors a subtask row into the locked workflow's DAG snapshot.
// A row absent from the snapshot is left for the next plan update.
func patchSnapshot(ctx context.Context, tx *sql.Tx, workflowID string, snapshot []byte, row *conductor.Subtask) error {
	dag, err := conductor.DecodeDAG(snapshot)
	if err != nil {
		return fmt.Errorf("failed to decode dag for workflow %s: %w", workflowID, err)
	}
	sub, ok := dag.Get(row.ID)
	if !ok {
		return nil
	}
	sub.Status = row.Status
	sub.AgentName = row.AgentName
	sub.Result = row.Result
	sub.ErrorMessage = row.ErrorMessage
	encoded, err := json.Marshal(dag)
	if err != nil {
		return fmt.Errorf("failed to encode dag for workflow %s: %w", workflowID, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET dag = $2, updated_at = $3 WHERE id = $1`,
		workflowID, encoded, time.Now().UTC())
	return err
}

func terminal(status conductor.SubtaskStatus) bool {
	return status == conductor.SubtaskStatusCompleted || status == conductor.SubtaskStatusFailed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*conductor.Workflow, error) {
	var wf conductor.Workflow
	var snapshot []byte
	err := row.Scan(&wf.ID, &wf.Prompt, &wf.Status, &snapshot, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow: %w", conductor.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	dag, err := conductor.DecodeDAG(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dag for workflow %s: %w", wf.ID, err)
	}
	wf.DAG = dag
	return &wf, nil
}

func scanSubtask(row rowScanner) (*conductor.Subtask, error) {
	var sub conductor.Subtask
	var dependsOn, toolSpec, result []byte
	err := row.Scan(&sub.ID, &sub.Name, &sub.Status, &dependsOn, &sub.AgentName,
		&toolSpec, &result, &sub.ErrorMessage, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load subtask: %w", err)
	}
	if err := json.Unmarshal(dependsOn, &sub.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for subtask %s: %w", sub.ID, err)
	}
	if len(toolSpec) > 0 {
		if err := json.Unmarshal(toolSpec, &sub.ToolCallsSpec); err != nil {
			return nil, fmt.Errorf("failed to decode tool spec for subtask %s: %w", sub.ID, err)
		}
	}
	if len(result) > 0 {
		sub.Result = json.RawMessage(result)
	}
	return &sub, nil
}

func scanCheckpoint(row rowScanner) (*conductor.Checkpoint, error) {
	var checkpoint conductor.Checkpoint
	var memory, state, tools, flow []byte
	err := row.Scan(&checkpoint.ID, &checkpoint.WorkflowID, &checkpoint.SubtaskID,
		&checkpoint.AgentName, &memory, &state, &tools, &flow,
		&checkpoint.Reason, &checkpoint.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint.AgentMemory = rawResult(memory)
	checkpoint.AgentState = rawResult(state)
	checkpoint.ToolStates = rawResult(tools)
	checkpoint.PlanningFlow = rawResult(flow)
	return &checkpoint, nil
}

func oneRow(result sql.Result) bool {
	n, err := result.RowsAffected()
	return err == nil && n == 1
}

func statusArg(status *conductor.SubtaskStatus) any {
	if status == nil {
		return nil
	}
	return string(*status)
}

// rawArg maps an empty raw message to SQL NULL.
func rawArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawResult(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
