package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/conductor"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// PollInterval is how long Receive sleeps between checks when the stream
	// is empty. Defaults to 250ms.
	PollInterval time.Duration

	// VisibilityTimeout is how long a delivered message stays invisible to
	// the rest of its consumer group before it is considered abandoned and
	// redelivered. Defaults to 30s.
	VisibilityTimeout time.Duration
}

// Channel is a PostgreSQL-backed conductor.EventChannel. Messages are rows in
// an append-only log; each consumer group tracks a cursor per stream, and
// in-flight deliveries sit in a pending table with a visibility timeout.
// Delivery to one consumer at a time within a group is enforced with
// FOR UPDATE SKIP LOCKED, so competing consumers never block each other.
type Channel struct {
	db                *sql.DB
	logger            *slog.Logger
	pollInterval      time.Duration
	visibilityTimeout time.Duration
}

// NewChannel creates a Channel over an existing database handle.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.DB == nil {
		return nil, errors.New("database handle required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &Channel{
		db:                opts.DB,
		logger:            opts.Logger,
		pollInterval:      opts.PollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
	}, nil
}

func (c *Channel) Publish(ctx context.Context, stream string, event conductor.Event) error {
	payload, err := conductor.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO channel_messages (stream, payload) VALUES ($1, $2)`,
		stream, payload)
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, stream, group, consumer string) (*conductor.Delivery, error) {
	for {
		delivery, err := c.tryReceive(ctx, stream, group, consumer)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// tryReceive attempts one delivery: an expired pending message takes priority
// over advancing the group cursor. A nil delivery with nil error means the
// stream had nothing deliverable.
func (c *Channel) tryReceive(ctx context.Context, stream, group, consumer string) (*conductor.Delivery, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var messageID int64
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT message_id, attempts FROM channel_pending
		 WHERE stream = $1 AND consumer_group = $2 AND claimed_until <= $3
		 ORDER BY message_id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		stream, group, now).Scan(&messageID, &attempts)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE channel_pending
			 SET consumer = $4, attempts = attempts + 1, claimed_until = $5
			 WHERE stream = $1 AND consumer_group = $2 AND message_id = $3`,
			stream, group, messageID, consumer, now.Add(c.visibilityTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim message %d: %w", messageID, err)
		}
		return c.finishReceive(ctx, tx, stream, group, messageID, attempts+1)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to check pending messages: %w", err)
	}

	// Nothing abandoned; advance the cursor past the next unseen message.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_cursors (stream, consumer_group)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, stream, group); err != nil {
		return nil, fmt.Errorf("failed to init cursor: %w", err)
	}
	var position int64
	err = tx.QueryRowContext(ctx,
		`SELECT position FROM channel_cursors
		 WHERE stream = $1 AND consumer_group = $2
		 FOR UPDATE SKIP LOCKED`, stream, group).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		// Another consumer holds the cursor; let it take this message.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cursor: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM channel_messages
		 WHERE stream = $1 AND id > $2
		 ORDER BY id LIMIT 1`, stream, position).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE channel_cursors SET position = $3
		 WHERE stream = $1 AND consumer_group = $2`,
		stream, group, messageID); err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_pending
		 (stream, consumer_group, message_id, consumer, attempts, claimed_until)
		 VALUES ($1, $2, $3, $4, 1, $5)`,
		stream, group, messageID, consumer, now.Add(c.visibilityTimeout)); err != nil {
		return nil, fmt.Errorf("failed to record pending delivery: %w", err)
	}
	return c.finishReceive(ctx, tx, stream, group, messageID, 1)
}

func (c *Channel) finishReceive(ctx context.Context, tx *sql.Tx, stream, group string, messageID int64, attempt int) (*conductor.Delivery, error) {
	var payload []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT payload FROM channel_messages WHERE id = $1`,
		messageID).Scan(&payload); err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", messageID, err)
	}
	event, err := conductor.DecodeEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %d: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive: %w", err)
	}
	return &conductor.Delivery{
		ID:      deliveryID(group, messageID),
		Stream:  stream,
		Event:   event,
		Attempt: attempt,
	}, nil
}

func (c *Channel) Ack(ctx context.Context, delivery *conductor.Delivery) error {
	group, messageID, err := parseDeliveryID(delivery.ID)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`DELETE FROM channel_pending
		 WHERE stream = $1 AND consumer_group = $2 AND message_id = $3`,
		delivery.Stream, group, messageID)
	if err != nil {
		return fmt.Errorf("failed to ack message %d: %w", messageID, err)
	}
	return nil
}

func (c *Channel) Nack(ctx context.Context, delivery *conductor.Delivery) error {
	group, messageID, err := parseDeliveryID(delivery.ID)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE channel_pending SET claimed_until = $4
		 WHERE stream = $1 AND consumer_group = $2 AND message_id = $3`,
		delivery.Stream, group, messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to nack message %d: %w", messageID, err)
	}
	return nil
}

func deliveryID(group string, messageID int64) string {
	return group + "/" + strconv.FormatInt(messageID, 10)
}

func parseDeliveryID(id string) (string, int64, error) {
	group, seq, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("malformed delivery id %q", id)
	}
	messageID, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed delivery id %q", id)
	}
	return group, messageID, nil
}
