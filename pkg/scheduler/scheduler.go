// Package scheduler periodically turns due topics into window-run jobs.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/digestd/pkg/types"
	"github.com/tidewire/digestd/pkg/window"
)

// TopicSource lists the topics that may be due for a run.
type TopicSource interface {
	Schedulable(ctx context.Context, now time.Time) ([]*types.Topic, error)
}

// Enqueuer adds jobs to the work queue.
// Duplicate enqueues of the same logical job return false without error.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) (bool, error)
}

// Scheduler computes due windows for all schedulable topics on a fixed tick
// and enqueues one run_window job per window. All jobs it creates carry the
// scheduled trigger, so completed runs advance the topic cursor.
// It is safe to run multiple instances: the queue deduplicates by job ID.
type Scheduler struct {
	// Required components
	Log     *zap.Logger
	Topics  TopicSource
	Queue   Enqueuer
	Windows window.Generator
	// Required config
	Interval time.Duration
	// Optional: overrides the wall clock in tests.
	Now func() time.Time
}

// Run ticks the scheduler until the context is canceled.
// The first tick fires immediately. Tick errors are logged, not fatal: a
// transient store or queue outage must not take the scheduler down.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Error("Scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one scheduling pass.
func (s *Scheduler) tick(ctx context.Context) error {
	now := s.now()
	topics, err := s.Topics.Schedulable(ctx, now)
	if err != nil {
		return err
	}
	var enqueued, deduped uint
	for _, topic := range topics {
		due := s.Windows.Due(window.Schedule{
			Interval:  topic.Interval(),
			CursorEnd: topic.CursorEnd,
			Mode:      topic.Mode,
		}, now)
		for _, w := range due {
			job := types.NewRunWindowJob(types.RunWindowSpec{
				UserID:  topic.UserID,
				TopicID: topic.ID,
				Window:  w.Window,
				Mode:    w.Mode,
				Depth:   topic.Depth,
			}, types.TriggerScheduled, now)
			inserted, err := s.Queue.Enqueue(ctx, job)
			if err != nil {
				return err
			}
			if inserted {
				enqueued++
				s.Log.Debug("Enqueued window run",
					zap.String("job_id", job.ID),
					zap.String("topic_id", topic.ID),
					zap.Time("window_start", w.Start),
					zap.Time("window_end", w.End),
					zap.String("mode", string(w.Mode)))
			} else {
				deduped++
			}
		}
	}
	s.Log.Info("Scheduler tick",
		zap.Int("topics", len(topics)),
		zap.Uint("enqueued", enqueued),
		zap.Uint("deduped", deduped))
	return nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
