package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tidewire/digestd/pkg/types"
	"github.com/tidewire/digestd/pkg/window"
)

type fakeSource struct {
	topics []*types.Topic
	err    error
}

func (f *fakeSource) Schedulable(ctx context.Context, now time.Time) ([]*types.Topic, error) {
	return f.topics, f.err
}

type fakeQueue struct {
	jobs []*types.Job
	seen map[string]bool
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *types.Job) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[job.ID] {
		return false, nil
	}
	f.seen[job.ID] = true
	f.jobs = append(f.jobs, job)
	return true, nil
}

func newTestScheduler(t *testing.T, source *fakeSource, queue *fakeQueue, now time.Time) *Scheduler {
	return &Scheduler{
		Log:    zaptest.NewLogger(t),
		Topics: source,
		Queue:  queue,
		Windows: window.Generator{Config: window.Config{
			Strategy:    window.StrategyFixed,
			MaxLookback: 7 * 24 * time.Hour,
		}},
		Interval: time.Minute,
		Now:      func() time.Time { return now },
	}
}

func TestTickEnqueuesDueWindows(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(49 * time.Hour)
	source := &fakeSource{topics: []*types.Topic{{
		ID:              "t1",
		UserID:          "u1",
		ScheduleEnabled: true,
		IntervalMinutes: 24 * 60,
		Mode:            types.ModeNormal,
		Depth:           50,
		CursorEnd:       &cursor,
	}}}
	queue := &fakeQueue{}
	s := newTestScheduler(t, source, queue, now)

	require.NoError(t, s.tick(context.Background()))
	require.Len(t, queue.jobs, 2)
	for i, job := range queue.jobs {
		assert.Equal(t, types.KindRunWindow, job.Kind)
		assert.Equal(t, types.TriggerScheduled, job.Trigger)
		require.NotNil(t, job.RunWindow)
		assert.Equal(t, "u1", job.RunWindow.UserID)
		assert.Equal(t, "t1", job.RunWindow.TopicID)
		assert.Equal(t, cursor.Add(time.Duration(i)*24*time.Hour), job.RunWindow.Window.Start)
	}

	// A second tick at the same time re-derives the same jobs; the queue
	// dedups them all.
	require.NoError(t, s.tick(context.Background()))
	assert.Len(t, queue.jobs, 2)
}

func TestTickBootstrapsNewTopic(t *testing.T) {
	now := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{topics: []*types.Topic{{
		ID:              "t1",
		UserID:          "u1",
		ScheduleEnabled: true,
		IntervalMinutes: 60,
		Mode:            types.ModeLow,
	}}}
	queue := &fakeQueue{}
	s := newTestScheduler(t, source, queue, now)

	require.NoError(t, s.tick(context.Background()))
	require.Len(t, queue.jobs, 1)
	w := queue.jobs[0].RunWindow.Window
	assert.Equal(t, now.Add(-time.Hour), w.Start)
	assert.Equal(t, now, w.End)
	assert.Equal(t, types.ModeLow, queue.jobs[0].RunWindow.Mode)
}

func TestTickErrorsAreNotFatal(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	queue := &fakeQueue{}
	now := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, source, queue, now)
	s.Interval = 10 * time.Millisecond

	// Run survives failing ticks and stops on context cancel only.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTickQueueErrorAborts(t *testing.T) {
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(25 * time.Hour)
	source := &fakeSource{topics: []*types.Topic{{
		ID:              "t1",
		UserID:          "u1",
		ScheduleEnabled: true,
		IntervalMinutes: 24 * 60,
		Mode:            types.ModeNormal,
		CursorEnd:       &cursor,
	}}}
	queue := &fakeQueue{err: errors.New("redis down")}
	s := newTestScheduler(t, source, queue, now)
	assert.Error(t, s.tick(context.Background()))
}
