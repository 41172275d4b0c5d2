package jobqueue

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/tidewire/digestd/pkg/types"
)

// Producer adds jobs to the queue.
// It is safe to run multiple instances on the same keys.
type Producer struct {
	// Required components
	Redis *redis.Client
	// Required config
	Keys Keys
}

// Enqueue adds a job unless its ID is already pending, in flight, or in the
// retained completed history. It returns false when the job was
// deduplicated.
func (p *Producer) Enqueue(ctx context.Context, job *types.Job) (bool, error) {
	if err := job.Check(); err != nil {
		return false, err
	}
	payload, err := job.Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	// Script: Insert job unless the ID is known.
	// Key 1: Jobs hash
	// Key 2: Done set
	// Key 3: Pending list
	// Argument 1: Job ID
	// Argument 2: Payload
	// Returns 1 if inserted, 0 if deduplicated.
	const enqueueScript = `
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 0
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[1])
return 1
`
	res, err := p.Redis.Eval(ctx, enqueueScript,
		[]string{p.Keys.Jobs, p.Keys.Done, p.Keys.Pending},
		job.ID, payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue via Lua: %w", err)
	}
	inserted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid return from enqueue: %#v", res)
	}
	return inserted == 1, nil
}

// Depth returns the number of jobs awaiting delivery, including scheduled
// retries.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	pipe := p.Redis.Pipeline()
	pending := pipe.LLen(ctx, p.Keys.Pending)
	retry := pipe.ZCard(ctx, p.Keys.Retry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return pending.Val() + retry.Val(), nil
}
