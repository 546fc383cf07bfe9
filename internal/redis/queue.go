package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payloadField = "payload"

// QueueConfig defines the stream the queue reads and writes.
type QueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block is how long one read waits for new entries.
	Block time.Duration
	// MinIdle is how long a pending entry sits unacked before another
	// consumer may claim it.
	MinIdle time.Duration
}

// Queue is a durable event queue on a Redis stream with a consumer
// group. Entries are acknowledged only after the handler commits, so a
// crash mid-event leaves the entry pending for redelivery.
type Queue struct {
	client *Client
	cfg    QueueConfig
	logger *zap.Logger
}

func NewQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	return &Queue{client: client, cfg: cfg, logger: logger}
}

// Publish appends a payload to the stream.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	return q.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Handler processes one payload. A nil return acknowledges the entry;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Consume reads entries until the context is cancelled. Stale pending
// entries from dead consumers are claimed before reading new ones.
func (q *Queue) Consume(ctx context.Context, handle Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.reclaim(ctx, handle)

		streams, err := q.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    16,
			Block:    q.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("queue read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.process(ctx, handle, msg)
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, handle Handler, msg redis.XMessage) {
	raw, _ := msg.Values[payloadField].(string)
	if err := handle(ctx, []byte(raw)); err != nil {
		q.logger.Warn("event handling failed, leaving pending",
			zap.String("entry_id", msg.ID), zap.Error(err))
		return
	}
	if err := q.client.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID).Err(); err != nil {
		// Already committed; redelivery will be deduplicated downstream.
		q.logger.Warn("ack failed", zap.String("entry_id", msg.ID), zap.Error(err))
	}
}

// reclaim takes over entries another consumer read but never acked.
func (q *Queue) reclaim(ctx context.Context, handle Handler) {
	msgs, _, err := q.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}
	q.logger.Info("reclaimed pending entries", zap.Int("count", len(msgs)))
	for _, msg := range msgs {
		q.process(ctx, handle, msg)
	}
}

// Depth returns the stream length for the queue depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.rdb.XLen(ctx, q.cfg.Stream).Result()
}
