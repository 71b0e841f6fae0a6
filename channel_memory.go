package conductor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryChannel is an in-process EventChannel for tests and single-process
// deployments. It keeps per-stream append-only logs with per-group cursors
// and redelivers nacked messages, preserving at-least-once semantics.
type MemoryChannel struct {
	mu      sync.Mutex
	streams map[string][]*memoryMessage
	groups  map[string]*memoryGroup
	nextID  int
	wakeup  chan struct{}
}

type memoryMessage struct {
	id     string
	stream string
	event  Event
}

type memoryGroup struct {
	cursor     int
	redelivery []*Delivery
	pending    map[string]*Delivery
}

// NewMemoryChannel creates an empty in-memory event channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		streams: map[string][]*memoryMessage{},
		groups:  map[string]*memoryGroup{},
		wakeup:  make(chan struct{}),
	}
}

// Publish appends the event to the stream's log and wakes blocked consumers.
func (c *MemoryChannel) Publish(ctx context.Context, stream string, event Event) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.streams[stream] = append(c.streams[stream], &memoryMessage{
		id:     fmt.Sprintf("%s-%d", stream, c.nextID),
		stream: stream,
		event:  event,
	})
	c.broadcast()
	return nil
}

// Receive blocks until a message is available for the group on the stream.
func (c *MemoryChannel) Receive(ctx context.Context, stream, group, consumer string) (*Delivery, error) {
	key := stream + "|" + group
	for {
		c.mu.Lock()
		g, ok := c.groups[key]
		if !ok {
			g = &memoryGroup{pending: map[string]*Delivery{}}
			c.groups[key] = g
		}
		if len(g.redelivery) > 0 {
			delivery := g.redelivery[0]
			g.redelivery = g.redelivery[1:]
			delivery.Attempt++
			g.pending[delivery.ID] = delivery
			c.mu.Unlock()
			return delivery, nil
		}
		if log := c.streams[stream]; g.cursor < len(log) {
			msg := log[g.cursor]
			g.cursor++
			// The group is baked into the delivery id so Ack and Nack touch
			// only this group's pending set.
			delivery := &Delivery{
				ID:      group + "/" + msg.id,
				Stream:  stream,
				Event:   msg.event,
				Attempt: 1,
			}
			g.pending[delivery.ID] = delivery
			c.mu.Unlock()
			return delivery, nil
		}
		wait := c.wakeup
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Ack removes the delivery from its group's pending set.
func (c *MemoryChannel) Ack(ctx context.Context, delivery *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, err := c.groupForDelivery(delivery)
	if err != nil {
		return err
	}
	delete(g.pending, delivery.ID)
	return nil
}

// Nack queues the delivery for redelivery to its group.
func (c *MemoryChannel) Nack(ctx context.Context, delivery *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, err := c.groupForDelivery(delivery)
	if err != nil {
		return err
	}
	delete(g.pending, delivery.ID)
	g.redelivery = append(g.redelivery, delivery)
	c.broadcast()
	return nil
}

// StreamLength returns the number of messages ever published to a stream.
func (c *MemoryChannel) StreamLength(stream string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams[stream])
}

// groupForDelivery resolves the consumer group encoded in a delivery id.
// Callers must hold the mutex.
func (c *MemoryChannel) groupForDelivery(delivery *Delivery) (*memoryGroup, error) {
	group, _, ok := strings.Cut(delivery.ID, "/")
	if !ok {
		return nil, fmt.Errorf("malformed delivery id %q", delivery.ID)
	}
	g, ok := c.groups[delivery.Stream+"|"+group]
	if ok {
		if _, pending := g.pending[delivery.ID]; pending {
			return g, nil
		}
	}
	return nil, fmt.Errorf("delivery %s is not pending", delivery.ID)
}

// broadcast wakes every blocked Receive. Callers must hold the mutex.
func (c *MemoryChannel) broadcast() {
	close(c.wakeup)
	c.wakeup = make(chan struct{})
}
