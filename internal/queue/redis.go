package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"triage/internal/logging"
)

const dequeueBlock = 2 * time.Second

// RedisQueue is a durable FIFO queue on Redis. Layout per queue name:
//
//	<name>:ready    list, LPUSH in / BLMOVE out
//	<name>:active   list of in-flight raw payloads
//	<name>:delayed  zset scored by due time (unix millis)
//	<name>:dead     list of terminal failures
type RedisQueue struct {
	client *redis.Client
	name   string
	logger logging.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisClient parses BROKER_URL and opens a client.
func NewRedisClient(brokerURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse BROKER_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisQueue binds a queue name onto a shared client.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		logger: logging.NewComponentLogger("queue:" + name),
	}
}

func (q *RedisQueue) readyKey() string   { return q.name + ":ready" }
func (q *RedisQueue) activeKey() string  { return q.name + ":active" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.name + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return q.client.LPush(ctx, q.readyKey(), raw).Err()
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, env)
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: raw}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.readyKey(), q.activeKey(), "RIGHT", "LEFT", dequeueBlock).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A payload we cannot decode can never be processed; bury it instead
		// of poisoning the ready list forever.
		q.logger.Error("undecodable payload moved to dead-letter: %v", err)
		if buryErr := q.bury(ctx, raw, Envelope{}, "undecodable payload"); buryErr != nil {
			return nil, buryErr
		}
		return nil, nil
	}

	return &Delivery{Envelope: env, raw: raw, source: q}, nil
}

func (q *RedisQueue) ack(ctx context.Context, raw string) error {
	return q.client.LRem(ctx, q.activeKey(), 1, raw).Err()
}

func (q *RedisQueue) retry(ctx context.Context, raw string, env Envelope, delay time.Duration) error {
	if err := q.EnqueueDelayed(ctx, env, delay); err != nil {
		return err
	}
	return q.client.LRem(ctx, q.activeKey(), 1, raw).Err()
}

func (q *RedisQueue) bury(ctx context.Context, raw string, env Envelope, reason string) error {
	record, err := json.Marshal(map[string]any{
		"envelope": env,
		"reason":   reason,
		"buriedAt": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.deadKey(), record)
	pipe.LRem(ctx, q.activeKey(), 1, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDue moves delayed jobs whose due time has passed onto the ready
// list. Returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		// ZRem first: only the mover instance that wins the removal enqueues,
		// so concurrent movers never duplicate a job.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RunMover promotes due delayed jobs until ctx is cancelled.
func (q *RedisQueue) RunMover(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDue(ctx); err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("promote delayed jobs: %v", err)
				}
			} else if n > 0 {
				q.logger.Debug("promoted %d delayed job(s)", n)
			}
		}
	}
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting: ready.Val() + delayed.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}
