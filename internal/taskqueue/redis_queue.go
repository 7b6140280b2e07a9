package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses two keys:
//
//	<prefix>tasks        => ZSET of task ids scored by not-before (unix micros)
//	<prefix>tasks:data   => HASH of task id -> msgpack-encoded Task
//
// A task is claimed by a Lua script that pops the lowest eligible member and
// its payload atomically, so several processes may share the queue.
type RedisQueue struct {
	client       *redis.Client
	key          string
	dataKey      string
	pollInterval time.Duration
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[2], id)
redis.call('HDEL', KEYS[2], id)
return payload
`)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "staterail:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "staterail:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		dataKey:      prefix + "tasks:data",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds the task. An already queued id only has its score lowered.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = stamp(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, q.dataKey, t.ID, data)
		pipe.ZAddLT(ctx, q.key, redis.Z{Score: float64(t.NotBefore.UnixMicro()), Member: t.ID})
		return nil
	})
	return err
}

// Dequeue polls until an eligible task can be claimed or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMicro(), 10)
		data, err := claimScript.Run(ctx, q.client, []string{q.key, q.dataKey}, now).Text()
		switch {
		case err == nil && data != "":
			return DecodeTask([]byte(data))
		case err == nil, errors.Is(err, redis.Nil):
			// Nothing eligible, or a member without payload.
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, err
		}

		if err := idleWait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		slog.Default().Warn("redis queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
