package conductor

import "go.jetify.com/typeid"

// NewWorkflowID returns a new globally unique workflow identifier.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a new globally unique checkpoint identifier.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("chk")
	if err != nil {
		panic(err)
	}
	return id.String()
}
