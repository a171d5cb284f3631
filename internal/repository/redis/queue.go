package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/redis/go-redis/v9"
)

const fieldPayload = "payload"

// Message is one undecoded queue entry.
type Message struct {
	ID      string
	Payload string
}

// IntentQueue is an at-least-once queue of purchase intents on a Redis
// stream read through a consumer group.
type IntentQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	maxLen int64
}

func NewIntentQueue(rdb *redis.Client, stream, group string, maxLen int64) *IntentQueue {
	return &IntentQueue{
		rdb:    rdb,
		stream: stream,
		group:  group,
		maxLen: maxLen,
	}
}

// EnsureGroup creates the stream and consumer group if needed.
func (q *IntentQueue) EnsureGroup(ctx context.Context) error {
	const op = "redisrepo.IntentQueue.EnsureGroup"

	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (q *IntentQueue) Enqueue(ctx context.Context, intent domain.PurchaseIntent) (string, error) {
	const op = "redisrepo.IntentQueue.Enqueue"

	b, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return q.EnqueueRaw(ctx, string(b))
}

// EnqueueRaw appends an arbitrary payload.
func (q *IntentQueue) EnqueueRaw(ctx context.Context, payload string) (string, error) {
	const op = "redisrepo.IntentQueue.EnqueueRaw"

	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{fieldPayload: payload},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}

	id, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return id, nil
}

// Receive reads up to count new messages for consumer. block <= 0 returns
// immediately when nothing is queued.
func (q *IntentQueue) Receive(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	const op = "redisrepo.IntentQueue.Receive"

	if block <= 0 {
		block = -1
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var out []Message
	for _, s := range streams {
		out = append(out, toMessages(s.Messages)...)
	}

	return out, nil
}

// Reclaim takes over messages that another consumer read but did not ack
// within minIdle.
func (q *IntentQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	const op = "redisrepo.IntentQueue.Reclaim"

	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return toMessages(msgs), nil
}

func (q *IntentQueue) Ack(ctx context.Context, ids ...string) error {
	const op = "redisrepo.IntentQueue.Ack"

	if len(ids) == 0 {
		return nil
	}

	if err := q.rdb.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func toMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		payload, _ := m.Values[fieldPayload].(string)
		out = append(out, Message{ID: m.ID, Payload: payload})
	}
	return out
}
