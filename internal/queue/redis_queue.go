package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"call-lead-pipeline/internal/config"
)

// Dispatch coordinates which calls the worker should look at next. It is a
// hint channel, not a lock: the conditional status update on the call row
// decides who actually processes a call, so a duplicate or stale dispatch
// is harmless. Deferred entries (webhook raced ahead of the recording, or
// an operator nudge with a delay) live in a scheduled set until due.
type Dispatch struct {
	client       *redis.Client
	readyKey     string
	scheduledKey string
}

// NewDispatch builds the dispatch channel from config, sharing the Redis
// instance with the rate limiter.
func NewDispatch(cfg config.Config) *Dispatch {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewDispatchWithClient(client)
}

// NewDispatchWithClient wraps an existing Redis client, used by tests and
// by processes that already hold a client for other concerns.
func NewDispatchWithClient(client *redis.Client) *Dispatch {
	return &Dispatch{
		client:       client,
		readyKey:     "calls:ready",
		scheduledKey: "calls:scheduled",
	}
}

// Enqueue makes callID visible to the worker, immediately or at runAt.
// A call already sitting in the channel is not enqueued twice; the
// webhook-vs-create race where both sides dispatch collapses to one entry.
// The dedupe check and the push run in one script against the ready list
// and scheduled set themselves, so there is no auxiliary marker that could
// outlive a half-finished enqueue and wedge the call.
func (d *Dispatch) Enqueue(ctx context.Context, callID string, runAt time.Time) error {
	deferred := "0"
	var due int64
	if runAt.After(time.Now()) {
		deferred = "1"
		due = runAt.UnixMilli()
	}
	if err := enqueueScript.Run(ctx, d.client, []string{d.readyKey, d.scheduledKey}, callID, deferred, due).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", callID, err)
	}
	return nil
}

// PromoteScheduled moves due deferred calls onto the ready list and reports
// how many it moved.
func (d *Dispatch) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := d.client.ZRangeByScore(ctx, d.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, d.scheduledKey, id)
		pipe.RPush(ctx, d.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return len(ids), nil
}

// Dequeue pops the next ready call, or "" when the channel is empty.
func (d *Dispatch) Dequeue(ctx context.Context) (string, error) {
	callID, err := d.client.LPop(ctx, d.readyKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return callID, nil
}

// Depth counts ready plus scheduled entries, for the queue depth gauge.
func (d *Dispatch) Depth(ctx context.Context) (int64, error) {
	pipe := d.client.Pipeline()
	ready := pipe.LLen(ctx, d.readyKey)
	scheduled := pipe.ZCard(ctx, d.scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready.Val() + scheduled.Val(), nil
}

// Ping verifies the Redis connection, for health checks.
func (d *Dispatch) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (d *Dispatch) Close() error {
	return d.client.Close()
}

var enqueueScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('ZSCORE', KEYS[2], id) then
  return 0
end
if redis.call('LPOS', KEYS[1], id) then
  return 0
end
if ARGV[2] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], id)
else
  redis.call('RPUSH', KEYS[1], id)
end
return 1
`)
