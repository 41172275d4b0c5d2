package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tidewire/digestd/pkg/redistest"
	"github.com/tidewire/digestd/pkg/types"
)

func testJob(topicID string) *types.Job {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.NewRunWindowJob(types.RunWindowSpec{
		UserID:  "u1",
		TopicID: topicID,
		Window:  types.Window{Start: start, End: start.Add(time.Hour)},
		Mode:    types.ModeNormal,
		Depth:   50,
	}, types.TriggerScheduled, start)
}

func testOptions() Options {
	opts := DefaultOptions
	opts.RetryBackoff = time.Millisecond
	opts.RetryBackoffMax = time.Millisecond
	return opts
}

func TestQueueRoundtrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	keys := KeysForPrefix("Q")
	producer := &Producer{Redis: instance.Client, Keys: keys}
	consumer := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w1",
		Options: testOptions(),
	}

	// Enqueue one job; the same logical job again is deduplicated.
	job := testJob("topic-a")
	inserted, err := producer.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = producer.Enqueue(ctx, testJob("topic-a"))
	require.NoError(t, err)
	assert.False(t, inserted)

	depth, err := producer.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Claim delivers the job and empties the pending list.
	claimed, err := consumer.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, job.RunWindow.TopicID, claimed.RunWindow.TopicID)
	_, err = consumer.Claim(ctx)
	assert.Equal(t, ErrNoJob, err)

	// A foreign consumer must not settle the claim.
	other := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w2",
		Options: testOptions(),
	}
	assert.Equal(t, ErrClaimedByOther, other.Ack(ctx, job.ID))

	// Ack moves the job into the completed history.
	require.NoError(t, consumer.Ack(ctx, job.ID))
	completed, failed, err := consumer.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, completed)
	assert.Empty(t, failed)

	// The completed job stays deduplicated within the history bound.
	inserted, err = producer.Enqueue(ctx, testJob("topic-a"))
	require.NoError(t, err)
	assert.False(t, inserted)
	// A different logical job is accepted.
	inserted, err = producer.Enqueue(ctx, testJob("topic-b"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestQueueRetryAndDeadLetter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	keys := KeysForPrefix("Q")
	opts := testOptions()
	opts.MaxAttempts = 2
	producer := &Producer{Redis: instance.Client, Keys: keys}
	consumer := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w1",
		Options: opts,
	}

	job := testJob("topic-a")
	_, err := producer.Enqueue(ctx, job)
	require.NoError(t, err)

	// First delivery fails and lands in the retry set.
	_, err = consumer.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, consumer.Nack(ctx, job.ID, "boom"))
	retries, err := instance.Client.ZCard(ctx, keys.Retry).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), retries)

	// The sub-second backoff makes the retry due within a second.
	var claimed *types.Job
	require.Eventually(t, func() bool {
		var claimErr error
		claimed, claimErr = consumer.Claim(ctx)
		return claimErr == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, job.ID, claimed.ID)

	// Second failure exhausts the attempt budget: dead-letter.
	require.NoError(t, consumer.Nack(ctx, job.ID, "boom again"))
	completed, failed, err := consumer.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, completed)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
	assert.Equal(t, "boom again", failed[0].Reason)
	assert.Equal(t, 2, failed[0].Attempts)

	// The payload is gone; the ID may be enqueued again.
	jobs, err := instance.Client.HLen(ctx, keys.Jobs).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), jobs)
	inserted, err := producer.Enqueue(ctx, testJob("topic-a"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestQueueRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	keys := KeysForPrefix("Q")
	producer := &Producer{Redis: instance.Client, Keys: keys}
	consumer := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w1",
		Options: testOptions(),
	}

	job := testJob("topic-a")
	_, err := producer.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = consumer.Claim(ctx)
	require.NoError(t, err)

	// Requeue returns the claim to the pending list.
	require.NoError(t, consumer.Requeue(ctx, job.ID, 1, "claim expired"))
	pending, err := instance.Client.LLen(ctx, keys.Pending).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// A requeue for the first delivery must not disturb the second claim.
	claimed, err := consumer.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, consumer.Requeue(ctx, job.ID, 1, "claim expired"))
	pending, err = instance.Client.LLen(ctx, keys.Pending).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// Requeue of a settled claim is a no-op.
	require.NoError(t, consumer.Ack(ctx, claimed.ID))
	require.NoError(t, consumer.Requeue(ctx, job.ID, 2, "claim expired"))
	pending, err = instance.Client.LLen(ctx, keys.Pending).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestExpirationWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	keys := KeysForPrefix("Q")
	opts := testOptions()
	opts.ClaimTTL = -time.Second // claims are born expired
	producer := &Producer{Redis: instance.Client, Keys: keys}
	consumer := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w1",
		Options: opts,
	}

	job := testJob("topic-a")
	_, err := producer.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = consumer.Claim(ctx)
	require.NoError(t, err)

	var expired []string
	worker := &ExpirationWorker{
		Log:   zaptest.NewLogger(t),
		Redis: instance.Client,
		Callback: func(ctx context.Context, jobID, claimer string, attempt int) error {
			assert.Equal(t, "w1", claimer)
			assert.Equal(t, 1, attempt)
			expired = append(expired, jobID)
			return consumer.Requeue(ctx, jobID, attempt, "claim expired")
		},
		Keys:         keys,
		EmptyBackoff: time.Millisecond,
		BatchSize:    16,
	}
	require.NoError(t, worker.step(ctx))
	assert.Equal(t, []string{job.ID}, expired)

	// The job went back to pending and can be claimed again.
	opts.ClaimTTL = time.Minute
	consumer.Options = opts
	claimed, err := consumer.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestStaleExpirationIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	keys := KeysForPrefix("Q")
	opts := testOptions()
	opts.MaxAttempts = 5
	opts.ClaimTTL = -time.Second
	producer := &Producer{Redis: instance.Client, Keys: keys}
	consumer := &Consumer{
		Redis:   instance.Client,
		Keys:    keys,
		Claimer: "w1",
		Options: opts,
	}

	// First delivery fails fast, leaving its expired expiration entry
	// behind.
	job := testJob("topic-a")
	_, err := producer.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = consumer.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, consumer.Nack(ctx, job.ID, "boom"))

	// The retry is re-claimed with a healthy TTL before the expiration
	// worker sees the stale entry.
	opts.ClaimTTL = time.Minute
	consumer.Options = opts
	require.Eventually(t, func() bool {
		_, claimErr := consumer.Claim(ctx)
		return claimErr == nil
	}, 5*time.Second, 50*time.Millisecond)

	var expired []string
	worker := &ExpirationWorker{
		Log:   zaptest.NewLogger(t),
		Redis: instance.Client,
		Callback: func(ctx context.Context, jobID, claimer string, attempt int) error {
			expired = append(expired, jobID)
			return consumer.Requeue(ctx, jobID, attempt, "claim expired")
		},
		Keys:         keys,
		EmptyBackoff: time.Millisecond,
		BatchSize:    16,
	}
	// The stale entry is dropped without firing; the worker then sleeps
	// until the live claim's expiration.
	stepCtx, stepCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer stepCancel()
	assert.ErrorIs(t, worker.step(stepCtx), context.DeadlineExceeded)
	assert.Empty(t, expired)

	// A direct requeue of the first delivery is a no-op too.
	require.NoError(t, consumer.Requeue(ctx, job.ID, 1, "claim expired"))
	pending, err := instance.Client.LLen(ctx, keys.Pending).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// The second claim is still live and settles normally.
	require.NoError(t, consumer.Ack(ctx, job.ID))
}
