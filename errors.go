package conductor

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel returned by store lookups that miss. Callers
// that legitimately check for existence match it with errors.Is.
var ErrNotFound = errors.New("not found")

// MalformedPlanError indicates a plan whose dependency graph is invalid:
// dangling dependency ids, cycles, or a document that does not match the
// ingestion schema. It is raised at ingestion time, never mid-run.
type MalformedPlanError struct {
	Reason string
	Cause  error
}

func (e *MalformedPlanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed plan: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed plan: %s", e.Reason)
}

func (e *MalformedPlanError) Unwrap() error {
	return e.Cause
}

// IsMalformedPlan reports whether err is (or wraps) a MalformedPlanError.
func IsMalformedPlan(err error) bool {
	var target *MalformedPlanError
	return errors.As(err, &target)
}

// RollbackPreconditionError indicates a rollback that was refused before any
// state was touched: missing checkpoint, checkpoint owned by a different
// workflow, or a checkpoint with no usable timestamp or snapshot.
type RollbackPreconditionError struct {
	WorkflowID   string
	CheckpointID string
	Reason       string
	Cause        error
}

func (e *RollbackPreconditionError) Error() string {
	return fmt.Sprintf("rollback precondition failed for workflow %s checkpoint %s: %s",
		e.WorkflowID, e.CheckpointID, e.Reason)
}

func (e *RollbackPreconditionError) Unwrap() error {
	return e.Cause
}
