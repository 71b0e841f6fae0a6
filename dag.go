package conductor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SubtaskStatus represents the lifecycle state of a single subtask.
type SubtaskStatus string

const (
	SubtaskStatusPending      SubtaskStatus = "PENDING"
	SubtaskStatusReady        SubtaskStatus = "READY"
	SubtaskStatusRunning      SubtaskStatus = "RUNNING"
	SubtaskStatusCompleted    SubtaskStatus = "COMPLETED"
	SubtaskStatusFailed       SubtaskStatus = "FAILED"
	SubtaskStatusWaitingHuman SubtaskStatus = "WAITING_HUMAN"
)

// terminal reports whether a subtask in this status is finished for the
// current run.
func (s SubtaskStatus) terminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed
}

// Subtask is a single node in a workflow's dependency graph. Its ID is unique
// within the owning workflow, not globally.
type Subtask struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Status        SubtaskStatus   `json:"status,omitempty" yaml:"status,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AgentName     string          `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	ToolCallsSpec map[string]any  `json:"tool_calls_spec,omitempty" yaml:"tool_calls_spec,omitempty"`
	Result        json.RawMessage `json:"result,omitempty" yaml:"-"`
	ErrorMessage  string          `json:"error_message,omitempty" yaml:"-"`
	CreatedAt     time.Time       `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt     time.Time       `json:"updated_at,omitzero" yaml:"-"`
}

// Copy returns a shallow copy of the subtask with its own depends_on slice.
func (s *Subtask) Copy() *Subtask {
	dup := *s
	dup.DependsOn = append([]string(nil), s.DependsOn...)
	return &dup
}

// DAG is the in-memory dependency graph for one workflow. Construction
// validates the graph shape; a DAG that exists is structurally sound.
type DAG struct {
	subtasks map[string]*Subtask
}

// NewDAG builds a DAG from subtasks, validating that every dependency refers
// to a subtask in the same graph and that no dependency cycles exist. A
// violation returns a MalformedPlanError.
func NewDAG(subtasks []*Subtask) (*DAG, error) {
	if len(subtasks) == 0 {
		return nil, &MalformedPlanError{Reason: "plan has no subtasks"}
	}
	byID := make(map[string]*Subtask, len(subtasks))
	for _, sub := range subtasks {
		if sub.ID == "" {
			return nil, &MalformedPlanError{Reason: "subtask id required"}
		}
		if _, exists := byID[sub.ID]; exists {
			return nil, &MalformedPlanError{Reason: fmt.Sprintf("duplicate subtask id %q", sub.ID)}
		}
		if sub.Status == "" {
			sub.Status = SubtaskStatusPending
		}
		byID[sub.ID] = sub
	}
	for _, sub := range byID {
		for _, dep := range sub.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &MalformedPlanError{
					Reason: fmt.Sprintf("subtask %q depends on unknown subtask %q", sub.ID, dep),
				}
			}
		}
	}
	if cycle := findCycle(byID); cycle != "" {
		return nil, &MalformedPlanError{Reason: fmt.Sprintf("dependency cycle through subtask %q", cycle)}
	}
	return &DAG{subtasks: byID}, nil
}

// findCycle runs a colored depth-first search and returns the id of a subtask
// on a cycle, or "" if the graph is acyclic.
func findCycle(subtasks map[string]*Subtask) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(subtasks))
	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = gray
		for _, dep := range subtasks[id].DependsOn {
			switch colors[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		colors[id] = black
		return ""
	}
	for _, id := range sortedIDs(subtasks) {
		if colors[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func sortedIDs(subtasks map[string]*Subtask) []string {
	ids := make([]string, 0, len(subtasks))
	for id := range subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the subtask with the given id.
func (d *DAG) Get(id string) (*Subtask, bool) {
	sub, ok := d.subtasks[id]
	return sub, ok
}

// Subtasks returns all subtasks ordered by id for determinism.
func (d *DAG) Subtasks() []*Subtask {
	result := make([]*Subtask, 0, len(d.subtasks))
	for _, id := range sortedIDs(d.subtasks) {
		result = append(result, d.subtasks[id])
	}
	return result
}

// Len returns the number of subtasks in the graph.
func (d *DAG) Len() int {
	return len(d.subtasks)
}

// ReadySubtasks returns every subtask whose status is PENDING and whose
// dependencies are all COMPLETED. It is a pure query: the caller decides when
// to persist any status transition.
func (d *DAG) ReadySubtasks() []*Subtask {
	var ready []*Subtask
	for _, sub := range d.Subtasks() {
		if sub.Status != SubtaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range sub.DependsOn {
			if d.subtasks[dep].Status != SubtaskStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, sub)
		}
	}
	return ready
}

// AllCompleted reports whether every subtask in the graph is COMPLETED.
func (d *DAG) AllCompleted() bool {
	for _, sub := range d.subtasks {
		if sub.Status != SubtaskStatusCompleted {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the DAG.
func (d *DAG) Copy() *DAG {
	subtasks := make(map[string]*Subtask, len(d.subtasks))
	for id, sub := range d.subtasks {
		subtasks[id] = sub.Copy()
	}
	return &DAG{subtasks: subtasks}
}

// dagSnapshot is the serialized form of a DAG. It is self-sufficient: it
// carries every subtask with its current status, so a workflow's graph can be
// rebuilt without consulting subtask rows.
type dagSnapshot struct {
	Subtasks map[string]*Subtask `json:"subtasks"`
}

// MarshalJSON serializes the DAG as a complete snapshot.
func (d *DAG) MarshalJSON() ([]byte, error) {
	return json.Marshal(dagSnapshot{Subtasks: d.subtasks})
}

// UnmarshalJSON restores a DAG from a snapshot, revalidating the graph shape.
func (d *DAG) UnmarshalJSON(data []byte) error {
	var snap dagSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal dag snapshot: %w", err)
	}
	subtasks := make([]*Subtask, 0, len(snap.Subtasks))
	for id, sub := range snap.Subtasks {
		if sub.ID == "" {
			sub.ID = id
		}
		if sub.ID != id {
			return &MalformedPlanError{
				Reason: fmt.Sprintf("subtask keyed %q declares id %q", id, sub.ID),
			}
		}
		subtasks = append(subtasks, sub)
	}
	restored, err := NewDAG(subtasks)
	if err != nil {
		return err
	}
	d.subtasks = restored.subtasks
	return nil
}

// DecodeDAG restores a DAG from its serialized snapshot.
func DecodeDAG(data []byte) (*DAG, error) {
	var d DAG
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// plan is the ingestion format produced by the planning collaborator.
type plan struct {
	Subtasks map[string]*Subtask `json:"subtasks" yaml:"subtasks"`
}

// ParsePlan parses a JSON plan document into a DAG. The schema is strict:
// unknown fields are rejected, and dangling or cyclic dependencies fail with
// a MalformedPlanError.
func ParsePlan(data []byte) (*DAG, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var p plan
	if err := decoder.Decode(&p); err != nil {
		return nil, &MalformedPlanError{Reason: "invalid plan document", Cause: err}
	}
	return dagFromPlan(p)
}

// ParsePlanYAML parses a YAML plan document with the same strict schema.
func ParsePlanYAML(data []byte) (*DAG, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var p plan
	if err := decoder.Decode(&p); err != nil {
		return nil, &MalformedPlanError{Reason: "invalid plan document", Cause: err}
	}
	return dagFromPlan(p)
}

// LoadPlanFile loads a plan from a YAML or JSON file based on its extension.
func LoadPlanFile(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParsePlanYAML(data)
	default:
		return ParsePlan(data)
	}
}

func dagFromPlan(p plan) (*DAG, error) {
	subtasks := make([]*Subtask, 0, len(p.Subtasks))
	for id, sub := range p.Subtasks {
		if sub == nil {
			return nil, &MalformedPlanError{Reason: fmt.Sprintf("subtask %q has no body", id)}
		}
		if sub.ID == "" {
			sub.ID = id
		}
		if sub.ID != id {
			return nil, &MalformedPlanError{
				Reason: fmt.Sprintf("subtask keyed %q declares id %q", id, sub.ID),
			}
		}
		sub.Status = SubtaskStatusPending
		subtasks = append(subtasks, sub)
	}
	return NewDAG(subtasks)
}
