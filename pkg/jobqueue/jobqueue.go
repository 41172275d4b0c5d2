// Package jobqueue provides a durable, deduplicating job queue on top of
// Redis.
//
// Components
//
// Redis 6 or newer is required.
// Apart from the Producer and Consumer, one ExpirationWorker needs to run in
// the background to recover claims from crashed consumers. All queue
// transitions are atomic Lua scripts, so it is safe to run every component
// concurrently against the same keys.
//
// Properties
//
// Jobs are keyed by deterministic IDs. Enqueuing an ID that is already
// pending, in flight, or in the retained completed history is a no-op, which
// guarantees at most one pending or active job per logical unit of work.
// Delivery is at-least-once: claims that are neither acked nor nacked within
// the claim TTL are redelivered. Failed deliveries are retried with
// exponential backoff up to a bounded attempt count, then dead-lettered into
// a failed history list.
//
// Data structures
//
// Pending job IDs live in a FIFO list, payloads in a hash. A claim adds the
// ID to an in-flight hash and a future expiration event to a list. Retries
// wait in a sorted set scored by redelivery time. Terminal jobs land in
// bounded history lists; completed IDs additionally stay in a set that backs
// the dedup horizon.
package jobqueue

import (
	"errors"
	"time"
)

// ErrNoJob is returned when no job is ready for delivery.
var ErrNoJob = errors.New("no job in queue")

// ErrClaimedByOther is returned when a consumer tries to settle a claim it
// does not own.
var ErrClaimedByOther = errors.New("claimed by other")

// Keys holds the Redis keys used by one queue.
type Keys struct {
	Pending   string // list: job IDs awaiting delivery, FIFO
	Jobs      string // hash: job ID -> JSON envelope
	Inflight  string // hash: job ID -> "claimer@attempt" (in-flight only)
	Expire    string // list: "id@attempt@epoch" claim expirations
	Retry     string // zset: job ID scored by redelivery epoch
	Attempts  string // hash: job ID -> delivery count
	Done      string // set: retained completed IDs (dedup horizon)
	Completed string // list: completed history, newest first
	Failed    string // list: failure records (JSON), newest first
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		Pending:   prefix + "_P",
		Jobs:      prefix + "_J",
		Inflight:  prefix + "_I",
		Expire:    prefix + "_E",
		Retry:     prefix + "_R",
		Attempts:  prefix + "_A",
		Done:      prefix + "_D",
		Completed: prefix + "_C",
		Failed:    prefix + "_F",
	}
}

// Options holds the queue tuning knobs.
type Options struct {
	ClaimTTL        time.Duration // time a claim may stay unsettled before redelivery
	MaxAttempts     int           // deliveries before a job is dead-lettered
	KeepCompleted   int           // completed history bound (also the dedup horizon)
	KeepFailed      int           // failed history bound
	RetryBackoff    time.Duration // initial redelivery delay
	RetryBackoffMax time.Duration // redelivery delay cap
}

// DefaultOptions returns the default queue options.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	ClaimTTL:        30 * time.Minute,
	MaxAttempts:     3,
	KeepCompleted:   100,
	KeepFailed:      50,
	RetryBackoff:    time.Minute,
	RetryBackoffMax: 15 * time.Minute,
}

// FailureRecord is one entry of the failed history list.
type FailureRecord struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
