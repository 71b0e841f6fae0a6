package conductor

import "context"

// StreamWorkflowEvents is the stream the orchestrator consumes lifecycle
// events from.
const StreamWorkflowEvents = "workflow.events"

// AgentStream returns the dispatch stream name for an agent.
func AgentStream(agentName string) string {
	return "agents." + agentName
}

// Delivery is one message handed to a consumer. The same message may be
// delivered more than once; handlers must be idempotent. The ID identifies
// the in-flight copy for one consumer group, so acks and nacks from different
// groups never touch each other's copies.
type Delivery struct {
	ID      string
	Stream  string
	Event   Event
	Attempt int
}

// EventChannel is the contract for the persistent, partitioned, at-least-once
// event log the orchestrator publishes to and subscribes from. Consumers in
// the same group share a stream's messages; each undelivered message goes to
// exactly one consumer of a group at a time, and redelivery happens if it is
// nacked or never acked.
type EventChannel interface {
	// Publish appends an event to a stream.
	Publish(ctx context.Context, stream string, event Event) error

	// Receive blocks until a message is available for the consumer group on
	// the stream, or until the context is done.
	Receive(ctx context.Context, stream, group, consumer string) (*Delivery, error)

	// Ack marks a delivery as processed; it will not be redelivered to the
	// group.
	Ack(ctx context.Context, delivery *Delivery) error

	// Nack returns a delivery to the group for redelivery.
	Nack(ctx context.Context, delivery *Delivery) error
}
