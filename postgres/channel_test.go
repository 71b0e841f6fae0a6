package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/conductor"
)

func setupTestChannel(t *testing.T) *Channel {
	t.Helper()
	channel, err := NewChannel(ChannelOptions{
		DB:                setupTestDB(t),
		PollInterval:      20 * time.Millisecond,
		VisibilityTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return channel
}

func TestChannelPublishReceiveAck(t *testing.T) {
	channel := setupTestChannel(t)
	ctx := context.Background()

	require.NoError(t, channel.Publish(ctx, conductor.StreamWorkflowEvents,
		&conductor.SubtaskCompleted{WorkflowID: "wf_1", SubtaskID: "a"}))

	delivery, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.NoError(t, err)
	require.Equal(t, 1, delivery.Attempt)
	event, ok := delivery.Event.(*conductor.SubtaskCompleted)
	require.True(t, ok)
	require.Equal(t, "wf_1", event.WorkflowID)
	require.NoError(t, channel.Ack(ctx, delivery))

	// Acked messages never come back.
	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = channel.Receive(shortCtx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelRedeliversUnacked(t *testing.T) {
	channel := setupTestChannel(t)
	ctx := context.Background()

	require.NoError(t, channel.Publish(ctx, conductor.StreamWorkflowEvents,
		&conductor.SubtaskFailed{WorkflowID: "wf_1", SubtaskID: "a", ErrorMessage: "boom"}))

	first, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.NoError(t, err)

	// Never acked; after the visibility timeout another consumer gets it.
	second, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "orchestrators", "c2")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.Attempt)
	require.NoError(t, channel.Ack(ctx, second))
}

func TestChannelNackRedeliversImmediately(t *testing.T) {
	channel := setupTestChannel(t)
	ctx := context.Background()

	require.NoError(t, channel.Publish(ctx, conductor.StreamWorkflowEvents,
		&conductor.SubtaskCompleted{WorkflowID: "wf_1", SubtaskID: "a"}))

	delivery, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.NoError(t, err)
	require.NoError(t, channel.Nack(ctx, delivery))

	redelivered, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.NoError(t, err)
	require.Equal(t, delivery.ID, redelivered.ID)
	require.Equal(t, 2, redelivered.Attempt)
}

func TestChannelGroupsAreIndependent(t *testing.T) {
	channel := setupTestChannel(t)
	ctx := context.Background()

	require.NoError(t, channel.Publish(ctx, conductor.StreamWorkflowEvents,
		&conductor.SubtaskCompleted{WorkflowID: "wf_1", SubtaskID: "a"}))

	a, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "group-a", "c1")
	require.NoError(t, err)
	b, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "group-b", "c1")
	require.NoError(t, err)
	require.NoError(t, channel.Ack(ctx, a))

	// Acking in one group leaves the other group's delivery pending.
	require.NoError(t, channel.Nack(ctx, b))
	again, err := channel.Receive(ctx, conductor.StreamWorkflowEvents, "group-b", "c1")
	require.NoError(t, err)
	require.Equal(t, b.ID, again.ID)
}

func TestChannelStreamsAreIsolated(t *testing.T) {
	channel := setupTestChannel(t)
	ctx := context.Background()

	require.NoError(t, channel.Publish(ctx, conductor.AgentStream("researcher"),
		&conductor.AgentActionScheduled{WorkflowID: "wf_1", SubtaskID: "a", AgentName: "researcher"}))

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err := channel.Receive(shortCtx, conductor.StreamWorkflowEvents, "orchestrators", "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	delivery, err := channel.Receive(ctx, conductor.AgentStream("researcher"), "agents", "w1")
	require.NoError(t, err)
	event, ok := delivery.Event.(*conductor.AgentActionScheduled)
	require.True(t, ok)
	require.Equal(t, "researcher", event.AgentName)
}
