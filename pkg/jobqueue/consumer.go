package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/tidewire/digestd/pkg/types"
)

// Consumer claims and settles jobs on the queue.
// The worker runs exactly one Consumer with a unique claimer ID; the queue
// itself tolerates concurrent consumers.
type Consumer struct {
	// Required components
	Redis *redis.Client
	// Required config
	Keys    Keys
	Claimer string // unique identity recorded on claims
	Options Options
}

// Claim promotes due retries and delivers the next pending job FIFO.
// Returns ErrNoJob when nothing is ready.
func (c *Consumer) Claim(ctx context.Context) (*types.Job, error) {
	// Script: Promote due retries, then pop the pending head and claim it.
	// The attempt count doubles as the claim generation: the inflight value
	// is "claimer@attempt" and the expire entry "id@attempt@epoch", so a
	// leftover expiration from an earlier delivery never matches a newer
	// claim of the same job.
	// Key 1: Retry zset
	// Key 2: Pending list
	// Key 3: Inflight hash
	// Key 4: Expire list
	// Key 5: Jobs hash
	// Key 6: Attempts hash
	// Argument 1: Claimer string
	// Argument 2: Unix epoch
	// Argument 3: Claim expiration epoch
	// Returns {id, payload, attempt} or false when empty.
	const claimScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("RPUSH", KEYS[2], id)
end
local id, payload
while true do
	id = redis.call("LPOP", KEYS[2])
	if not id then return false end
	payload = redis.call("HGET", KEYS[5], id)
	if payload then break end
end
local att = redis.call("HINCRBY", KEYS[6], id, 1)
redis.call("HSET", KEYS[3], id, ARGV[1] .. "@" .. att)
redis.call("LPUSH", KEYS[4], id .. "@" .. att .. "@" .. ARGV[3])
return {id, payload, att}
`
	now := time.Now()
	expEpoch := now.Add(c.Options.ClaimTTL).Unix()
	res, err := c.Redis.Eval(ctx, claimScript,
		[]string{c.Keys.Retry, c.Keys.Pending, c.Keys.Inflight,
			c.Keys.Expire, c.Keys.Jobs, c.Keys.Attempts},
		c.Claimer, now.Unix(), expEpoch).Result()
	if err == redis.Nil {
		return nil, ErrNoJob
	} else if err != nil {
		return nil, fmt.Errorf("failed to claim via Lua: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("invalid return from claim: %#v", res)
	}
	payload, ok := parts[1].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload in claim: %#v", parts[1])
	}
	return types.UnmarshalJob([]byte(payload))
}

// Ack marks a claimed job completed and retains it in the bounded history.
// Acking a claim that already expired is a no-op.
func (c *Consumer) Ack(ctx context.Context, jobID string) error {
	// Script: Settle a claim as completed and trim the history.
	// Key 1: Inflight hash
	// Key 2: Jobs hash
	// Key 3: Attempts hash
	// Key 4: Done set
	// Key 5: Completed list
	// Argument 1: Claimer string
	// Argument 2: Job ID
	// Argument 3: Completed history bound
	// Returns 1 settled, 0 unknown claim, -1 claimed by other.
	const ackScript = `
local owner = redis.call("HGET", KEYS[1], ARGV[2])
if not owner then return 0 end
if string.match(owner, "^(.*)@%d+$") ~= ARGV[1] then return -1 end
redis.call("HDEL", KEYS[1], ARGV[2])
redis.call("HDEL", KEYS[2], ARGV[2])
redis.call("HDEL", KEYS[3], ARGV[2])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("LPUSH", KEYS[5], ARGV[2])
while redis.call("LLEN", KEYS[5]) > tonumber(ARGV[3]) do
	local old = redis.call("RPOP", KEYS[5])
	if not old then break end
	redis.call("SREM", KEYS[4], old)
end
return 1
`
	res, err := c.Redis.Eval(ctx, ackScript,
		[]string{c.Keys.Inflight, c.Keys.Jobs, c.Keys.Attempts,
			c.Keys.Done, c.Keys.Completed},
		c.Claimer, jobID, c.Options.KeepCompleted).Result()
	if err != nil {
		return fmt.Errorf("failed to ack via Lua: %w", err)
	}
	return c.checkSettle(res)
}

// Nack reports a failed delivery. The job is scheduled for redelivery with
// exponential backoff, or dead-lettered once MaxAttempts is exhausted.
func (c *Consumer) Nack(ctx context.Context, jobID string, reason string) error {
	// Script: Settle a claim as failed.
	// Key 1: Inflight hash
	// Key 2: Jobs hash
	// Key 3: Attempts hash
	// Key 4: Retry zset
	// Key 5: Failed list
	// Argument 1: Claimer string
	// Argument 2: Job ID
	// Argument 3: Redelivery epoch
	// Argument 4: Max attempts
	// Argument 5: Failed history bound
	// Argument 6: Failure record
	// Returns 2 dead-lettered, 1 retry scheduled, 0 unknown, -1 other claimer.
	const nackScript = `
local owner = redis.call("HGET", KEYS[1], ARGV[2])
if not owner then return 0 end
if string.match(owner, "^(.*)@%d+$") ~= ARGV[1] then return -1 end
redis.call("HDEL", KEYS[1], ARGV[2])
local att = tonumber(redis.call("HGET", KEYS[3], ARGV[2])) or 0
if att >= tonumber(ARGV[4]) then
	redis.call("HDEL", KEYS[2], ARGV[2])
	redis.call("HDEL", KEYS[3], ARGV[2])
	redis.call("LPUSH", KEYS[5], ARGV[6])
	redis.call("LTRIM", KEYS[5], 0, tonumber(ARGV[5]) - 1)
	return 2
end
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[2])
return 1
`
	attempt, err := c.Redis.HGet(ctx, c.Keys.Attempts, jobID).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read attempt count: %w", err)
	}
	record, err := json.Marshal(FailureRecord{
		ID:       jobID,
		Reason:   reason,
		Attempts: attempt,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	retryAt := time.Now().Add(c.retryDelay(attempt)).Unix()
	res, err := c.Redis.Eval(ctx, nackScript,
		[]string{c.Keys.Inflight, c.Keys.Jobs, c.Keys.Attempts,
			c.Keys.Retry, c.Keys.Failed},
		c.Claimer, jobID, retryAt, c.Options.MaxAttempts,
		c.Options.KeepFailed, record).Result()
	if err != nil {
		return fmt.Errorf("failed to nack via Lua: %w", err)
	}
	return c.checkSettle(res)
}

// Requeue returns an expired claim to the pending list, or dead-letters it
// when the attempt budget is spent. It is idempotent: claims that were
// settled or re-claimed since the given attempt are ignored. Used by the
// ExpirationWorker.
func (c *Consumer) Requeue(ctx context.Context, jobID string, attempt int, reason string) error {
	// Script: Recover an expired claim of the given generation.
	// Key 1: Inflight hash
	// Key 2: Jobs hash
	// Key 3: Attempts hash
	// Key 4: Pending list
	// Key 5: Failed list
	// Argument 1: Job ID
	// Argument 2: Max attempts
	// Argument 3: Failed history bound
	// Argument 4: Failure record
	// Argument 5: Claim attempt the expiration belongs to
	// Returns 2 dead-lettered, 1 requeued, 0 settled or re-claimed.
	const requeueScript = `
local owner = redis.call("HGET", KEYS[1], ARGV[1])
if not owner then return 0 end
if string.match(owner, "@(%d+)$") ~= ARGV[5] then return 0 end
redis.call("HDEL", KEYS[1], ARGV[1])
local att = tonumber(redis.call("HGET", KEYS[3], ARGV[1])) or 0
if att >= tonumber(ARGV[2]) then
	redis.call("HDEL", KEYS[2], ARGV[1])
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("LPUSH", KEYS[5], ARGV[4])
	redis.call("LTRIM", KEYS[5], 0, tonumber(ARGV[3]) - 1)
	return 2
end
redis.call("RPUSH", KEYS[4], ARGV[1])
return 1
`
	attempt, err := c.Redis.HGet(ctx, c.Keys.Attempts, jobID).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read attempt count: %w", err)
	}
	record, err := json.Marshal(FailureRecord{
		ID:       jobID,
		Reason:   reason,
		Attempts: attempt,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	_, err = c.Redis.Eval(ctx, requeueScript,
		[]string{c.Keys.Inflight, c.Keys.Jobs, c.Keys.Attempts,
			c.Keys.Pending, c.Keys.Failed},
		jobID, c.Options.MaxAttempts, c.Options.KeepFailed, record,
		attempt).Result()
	if err != nil {
		return fmt.Errorf("failed to requeue via Lua: %w", err)
	}
	return nil
}

// History returns the retained completed job IDs and failure records,
// newest first, for operational inspection.
func (c *Consumer) History(ctx context.Context) (completed []string, failed []FailureRecord, err error) {
	completed, err = c.Redis.LRange(ctx, c.Keys.Completed, 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	rawFailed, err := c.Redis.LRange(ctx, c.Keys.Failed, 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	failed = make([]FailureRecord, 0, len(rawFailed))
	for _, raw := range rawFailed {
		var rec FailureRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, nil, fmt.Errorf("invalid failure record: %w", err)
		}
		failed = append(failed, rec)
	}
	return completed, failed, nil
}

// retryDelay returns the redelivery delay after the given number of
// deliveries, following an exponential schedule without jitter.
func (c *Consumer) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.Options.RetryBackoff
	bo.MaxInterval = c.Options.RetryBackoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (c *Consumer) checkSettle(res interface{}) error {
	code, ok := res.(int64)
	if !ok {
		return fmt.Errorf("invalid return from settle: %#v", res)
	}
	if code == -1 {
		return ErrClaimedByOther
	}
	return nil
}
