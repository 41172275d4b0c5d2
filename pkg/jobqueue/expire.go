package jobqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ExpirationWorker loops over the expiration event list and hands claims
// that were not settled within the TTL to a callback, typically
// Consumer.Requeue. It is safe to run multiple instances on the same keys.
type ExpirationWorker struct {
	// Required components
	Log      *zap.Logger
	Redis    *redis.Client
	Callback ExpireCallback
	// Required config
	Keys         Keys
	EmptyBackoff time.Duration // time to sleep when the list is empty
	BatchSize    uint          // max claims to drop at once per Lua script run
}

// ExpireCallback is called when a claim on a job expires. The attempt
// identifies the claim generation the expiration belongs to and must be
// passed through to Consumer.Requeue.
type ExpireCallback func(ctx context.Context, jobID string, claimer string, attempt int) error

// Run runs the expiration worker until the context is canceled.
func (e *ExpirationWorker) Run(ctx context.Context) error {
	for {
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

// step runs the expiration Lua script once, processes callbacks,
// and sleeps the minimum time until the next expiration can occur.
func (e *ExpirationWorker) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Script: Drop and return all claims that have expired.
	// Entries are "jobID@attempt@epoch"; the separator is "@" because job
	// IDs contain colons. An entry only fires when the inflight value still
	// carries the same attempt: expirations left over from an earlier
	// delivery of a re-claimed job are dropped silently.
	// Key 1: Expire list
	// Key 2: Inflight hash
	// Argument 1: Batch size (max script iterations)
	// Argument 2: Unix epoch
	// Returns table with
	// - "sleep" mapping to seconds until next expiration, or -1 if empty
	// - other job IDs mapping to their inflight values ("claimer@attempt")
	const expireScript = `
local ret = {}
local sleep = -1
for i=1,ARGV[1],1 do
	local item = redis.call("LINDEX", KEYS[1], -1)
	if not item then break end
	local job_id, att, exp = string.match(item, "^(.*)@(%d+)@(%d+)$")
	if not job_id then error("invalid item: " .. item) end
	local t = tonumber(ARGV[2])
	sleep = tonumber(exp) - t
	if tonumber(exp) > t then break end
	redis.call("LTRIM", KEYS[1], 0, -2)
	local owner = redis.call("HGET", KEYS[2], job_id)
	if owner and string.match(owner, "@(%d+)$") == att then
		table.insert(ret, owner)
		table.insert(ret, job_id)
	end
end
table.insert(ret, sleep)
table.insert(ret, "sleep")
return ret
`
	preWaitEpoch := time.Now().Unix()
	res, err := e.Redis.Eval(ctx, expireScript,
		[]string{e.Keys.Expire, e.Keys.Inflight},
		e.BatchSize, preWaitEpoch,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to drop expired claims via Lua: %w", err)
	}
	resParts, ok := res.([]interface{})
	if !ok || len(resParts) < 2 || len(resParts)%2 != 0 {
		return fmt.Errorf("failed to drop expired claims via Lua: invalid return %#v", res)
	}
	var sleepSecs int64
	var gotSleepParam bool
	for i := 0; i < len(resParts); i += 2 {
		entry, ok := resParts[i+1].(string)
		if !ok {
			return fmt.Errorf("invalid entry on expired batch: %#v %#v", resParts[i], resParts[i+1])
		}
		if entry == "sleep" {
			sleepSecs, ok = resParts[i].(int64)
			if !ok {
				return fmt.Errorf("invalid sleep on expired batch: %#v", resParts[i])
			}
			gotSleepParam = true
		} else {
			owner, ok := resParts[i].(string)
			if !ok {
				return fmt.Errorf("invalid claim in expired batch: %#v", resParts[i])
			}
			sep := strings.LastIndexByte(owner, '@')
			if sep < 0 {
				return fmt.Errorf("invalid claim in expired batch: %q", owner)
			}
			claimer := owner[:sep]
			attempt, err := strconv.Atoi(owner[sep+1:])
			if err != nil {
				return fmt.Errorf("invalid attempt in expired batch: %q", owner)
			}
			e.Log.Warn("Claim expired",
				zap.String("job_id", entry),
				zap.String("claimer", claimer),
				zap.Int("attempt", attempt))
			if err := e.Callback(ctx, entry, claimer, attempt); err != nil {
				return fmt.Errorf("callback failed: %w", err)
			}
		}
	}
	if !gotSleepParam {
		return fmt.Errorf("missing sleep on expired batch")
	}
	// Sleep until next expiration.
	var sleepDur time.Duration
	if len(resParts) <= 2 && sleepSecs < 0 {
		sleepDur = e.EmptyBackoff
	} else if sleepSecs > 0 {
		sleepDur = time.Duration(sleepSecs) * time.Second
	} else {
		sleepDur = 0
	}
	sleepTimer := time.NewTimer(sleepDur)
	defer sleepTimer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sleepTimer.C:
		return nil
	}
}
