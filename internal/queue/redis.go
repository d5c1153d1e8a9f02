package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const blockTimeout = 2 * time.Second

// RedisQueue is a reliable list queue. Dequeue atomically moves a message from the
// pending list to the processing list and records a lease deadline; Ack removes it.
// RequeueExpired moves messages whose lease expired back to pending.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	leases     string
	lease      time.Duration
}

// NewRedisQueue creates a queue named name on client. lease bounds how long a
// consumer may hold a message before it is redelivered.
func NewRedisQueue(client *redis.Client, name string, lease time.Duration) *RedisQueue {
	return &RedisQueue{
		client:     client,
		pending:    fmt.Sprintf("queue:%s:pending", name),
		processing: fmt.Sprintf("queue:%s:processing", name),
		leases:     fmt.Sprintf("queue:%s:leases", name),
		lease:      lease,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := q.client.LPush(ctx, q.pending, body).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("blmove: %w", err)
		}

		deadline := float64(time.Now().Add(q.lease).Unix())
		if err := q.client.ZAdd(ctx, q.leases, redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			// The reaper assigns a lease to orphaned processing entries.
			slog.Warn("queue lease write failed", "queue", q.pending, "error", err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			slog.Error("dropping undecodable queue message", "queue", q.pending, "error", err)
			_ = q.remove(ctx, raw)
			continue
		}
		return &Delivery{Message: msg, raw: raw}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.remove(ctx, d.raw); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, d.raw)
	pipe.ZRem(ctx, q.leases, d.raw)
	pipe.RPush(ctx, q.pending, redelivered(d.raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := time.Now()

	// Entries left in processing without a lease (consumer died between BLMOVE and ZADD).
	inFlight, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	for _, raw := range inFlight {
		deadline := float64(now.Add(q.lease).Unix())
		if err := q.client.ZAddNX(ctx, q.leases, redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return 0, fmt.Errorf("zadd lease: %w", err)
		}
	}

	expired, err := q.client.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore leases: %w", err)
	}

	requeued := 0
	for _, raw := range expired {
		pipe := q.client.TxPipeline()
		removed := pipe.LRem(ctx, q.processing, 1, raw)
		pipe.ZRem(ctx, q.leases, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("release lease: %w", err)
		}
		// Already acked between the range and the removal.
		if removed.Val() == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.pending, redelivered(raw)).Err(); err != nil {
			return requeued, fmt.Errorf("rpush: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// Len returns the number of pending and in-flight messages.
func (q *RedisQueue) Len(ctx context.Context) (pending, inFlight int64, err error) {
	pending, err = q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, 0, err
	}
	inFlight, err = q.client.LLen(ctx, q.processing).Result()
	return pending, inFlight, err
}

func (q *RedisQueue) remove(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.ZRem(ctx, q.leases, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// redelivered bumps the attempt counter on a raw message. Undecodable input is returned as is.
func redelivered(raw string) string {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return raw
	}
	msg.Attempt++
	body, err := json.Marshal(msg)
	if err != nil {
		return raw
	}
	return string(body)
}

var _ Queue = (*RedisQueue)(nil)
