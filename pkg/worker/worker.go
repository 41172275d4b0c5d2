// Package worker claims jobs from the queue one at a time and drives the
// content pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/digestd/pkg/events"
	"github.com/tidewire/digestd/pkg/jobqueue"
	"github.com/tidewire/digestd/pkg/metrics"
	"github.com/tidewire/digestd/pkg/pipeline"
	"github.com/tidewire/digestd/pkg/settings"
	"github.com/tidewire/digestd/pkg/types"
)

// Runtime settings names.
const (
	// ABTestFlag is the A/B test feature toggle.
	ABTestFlag = "features.abtest"
	// LLMSettings is the opaque LLM configuration passed to window runs.
	LLMSettings = "pipeline.llm"
)

// Queue is the consumer side of the job queue.
type Queue interface {
	Claim(ctx context.Context) (*types.Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, reason string) error
}

// Directory is the subset of the topic store the worker needs.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	TopicExists(ctx context.Context, topicID string) (bool, error)
	CreditsUsed(ctx context.Context, userID string) (monthly, daily int64, err error)
	AddCreditsUsed(ctx context.Context, userID string, credits int64) error
	AdvanceCursor(ctx context.Context, topicID string, end time.Time) error
	MarkPackSkipped(ctx context.Context, pack *types.CatchupPackSpec, reason string) error
	MarkPackDone(ctx context.Context, packID string) error
}

// Budget holds the per-user credit limits. Zero means unlimited.
type Budget struct {
	MonthlyCredits int64
	DailyCredits   int64
}

// Worker processes queued jobs with single concurrency: at most one pipeline
// run is in flight per worker process. Scale out by running more workers.
type Worker struct {
	// Required components
	Log      *zap.Logger
	Queue    Queue
	Store    Directory
	Settings settings.Backend
	Runner   pipeline.Runner
	Metrics  *metrics.Metrics
	// Optional components
	Events *events.Sink
	// Required config
	Budget      Budget
	IdleBackoff time.Duration // sleep when the queue is empty
	// ABTestDefault is the flag value used when the runtime setting is
	// absent or unreadable.
	ABTestDefault bool
}

// Run processes jobs until the context is canceled. A job claimed before
// cancellation still runs to completion: the pipeline call is never
// interrupted mid-run, the loop only checks the context between jobs.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.step(ctx); err != nil {
			return err
		}
	}
}

// step claims one job, runs it, and settles the claim.
func (w *Worker) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := w.Queue.Claim(ctx)
	if errors.Is(err, jobqueue.ErrNoJob) {
		return w.idle(ctx)
	} else if err != nil {
		return err
	}
	w.Log.Info("Claimed job",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)))
	// The job runs detached from the loop context so shutdown never aborts
	// a pipeline call halfway through.
	runCtx := context.Background()
	start := time.Now()
	outcome, reason, runErr := w.process(runCtx, job)
	dur := time.Since(start)
	w.publish(job, outcome, reason, dur)
	if runErr != nil {
		w.Log.Warn("Job failed",
			zap.String("job_id", job.ID),
			zap.Duration("dur", dur),
			zap.Error(runErr))
		if err := w.Queue.Nack(runCtx, job.ID, runErr.Error()); err != nil {
			return fmt.Errorf("failed to nack job %s: %w", job.ID, err)
		}
		return nil
	}
	w.Log.Info("Job finished",
		zap.String("job_id", job.ID),
		zap.String("outcome", outcome),
		zap.Duration("dur", dur))
	if err := w.Queue.Ack(runCtx, job.ID); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

func (w *Worker) idle(ctx context.Context) error {
	timer := time.NewTimer(w.IdleBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// process routes one job by kind. It returns the outcome label, an optional
// skip reason, and the run error. Metrics are recorded here, before any
// error propagates, so failed runs are counted too.
func (w *Worker) process(ctx context.Context, job *types.Job) (outcome, reason string, err error) {
	switch job.Kind {
	case types.KindRunWindow:
		return w.runWindow(ctx, job)
	case types.KindRunABTest:
		return w.runABTest(ctx, job)
	case types.KindRunAggregateSummary:
		return w.runAggregateSummary(ctx, job)
	case types.KindRunCatchupPack:
		return w.runCatchupPack(ctx, job)
	default:
		// Unknown kinds are rejected at enqueue and decode time already.
		return metrics.OutcomeFailed, "", fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (w *Worker) runWindow(ctx context.Context, job *types.Job) (string, string, error) {
	spec := job.RunWindow
	start := time.Now()
	remaining, reason, err := w.remainingBudget(ctx, spec.UserID)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, time.Since(start), nil)
		return metrics.OutcomeFailed, "", err
	}
	if reason != "" {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeSkipped, time.Since(start), nil)
		w.Log.Info("Skipping window run",
			zap.String("job_id", job.ID),
			zap.String("reason", reason))
		return metrics.OutcomeSkipped, reason, nil
	}
	// Settings are read per run so operators can retune the LLM config
	// without restarting workers.
	llm, err := w.Settings.Load(ctx, LLMSettings)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		w.Log.Warn("Failed to load LLM settings", zap.Error(err))
	}
	res, err := w.Runner.RunOnce(ctx, pipeline.RunRequest{
		UserID:           spec.UserID,
		TopicID:          spec.TopicID,
		Window:           spec.Window,
		Mode:             spec.Mode,
		Depth:            spec.Depth,
		ProviderOverride: spec.ProviderOverride,
		LLM:              llm,
		Budget:           remaining,
	})
	dur := time.Since(start)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, dur, nil)
		return metrics.OutcomeFailed, "", err
	}
	w.Metrics.ObserveRun(job.Kind, metrics.OutcomeOK, dur, res)
	if err := w.Store.AddCreditsUsed(ctx, spec.UserID, res.CreditsUsed); err != nil {
		w.Log.Error("Failed to record credit usage",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	// Only scheduled runs advance the cursor; manual reruns of old windows
	// must not move it. The advance is best-effort: the run already
	// succeeded, and a stale cursor only causes a deduplicated re-run.
	if job.Trigger == types.TriggerScheduled {
		if err := w.Store.AdvanceCursor(ctx, spec.TopicID, spec.Window.End); err != nil {
			w.Log.Error("Failed to advance cursor",
				zap.String("job_id", job.ID),
				zap.String("topic_id", spec.TopicID),
				zap.Error(err))
		}
	}
	return metrics.OutcomeOK, "", nil
}

func (w *Worker) runABTest(ctx context.Context, job *types.Job) (string, string, error) {
	spec := job.ABTest
	start := time.Now()
	enabled, err := settings.Bool(ctx, w.Settings, ABTestFlag, w.ABTestDefault)
	if err != nil {
		w.Log.Warn("Failed to read A/B test flag, using default", zap.Error(err))
	}
	if !enabled {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, time.Since(start), nil)
		return metrics.OutcomeFailed, "", errors.New("abtest feature is disabled")
	}
	res, err := w.Runner.RunComparison(ctx, pipeline.RunRequest{
		UserID:  spec.UserID,
		TopicID: spec.TopicID,
		Window:  spec.Window,
		Mode:    spec.Mode,
	}, spec.Variants)
	dur := time.Since(start)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, dur, nil)
		return metrics.OutcomeFailed, "", err
	}
	// The pipeline reports comparison-wide failures through the result
	// status, not as a transport error. Surface them as job failures so the
	// queue retries the comparison.
	if res.Status == "failed" {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, dur, nil)
		return metrics.OutcomeFailed, "", fmt.Errorf("comparison failed for variants %v", spec.Variants)
	}
	var credits int64
	for _, variant := range res.Variants {
		v := variant
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeOK, dur, &v)
		credits += v.CreditsUsed
	}
	if err := w.Store.AddCreditsUsed(ctx, spec.UserID, credits); err != nil {
		w.Log.Error("Failed to record credit usage",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	// A partial comparison keeps the variants that finished. Rerunning the
	// job would repeat them, so it settles as completed.
	var reason string
	if res.Status == "partial" {
		reason = "partial"
		w.Log.Warn("Comparison finished partially",
			zap.String("job_id", job.ID),
			zap.Int("variants_done", len(res.Variants)))
	}
	return metrics.OutcomeOK, reason, nil
}

func (w *Worker) runAggregateSummary(ctx context.Context, job *types.Job) (string, string, error) {
	spec := job.AggregateSummary
	start := time.Now()
	res, err := w.Runner.AggregateSummary(ctx, spec.UserID, spec.ContentHash)
	dur := time.Since(start)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, dur, nil)
		return metrics.OutcomeFailed, "", err
	}
	// A user with no content is a soft skip: retrying cannot help.
	if res.Status == "missing_user" {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeSkipped, dur, nil)
		return metrics.OutcomeSkipped, "missing_user", nil
	}
	w.Metrics.ObserveRun(job.Kind, metrics.OutcomeOK, dur, &pipeline.RunResult{
		LLMCalls:    res.LLMCalls,
		CreditsUsed: res.CreditsUsed,
	})
	if err := w.Store.AddCreditsUsed(ctx, spec.UserID, res.CreditsUsed); err != nil {
		w.Log.Error("Failed to record credit usage",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	return metrics.OutcomeOK, "", nil
}

func (w *Worker) runCatchupPack(ctx context.Context, job *types.Job) (string, string, error) {
	spec := job.CatchupPack
	start := time.Now()
	skip, err := w.checkPack(ctx, spec)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, time.Since(start), nil)
		return metrics.OutcomeFailed, "", err
	}
	if skip != "" {
		// Persist the skip so a redelivery of the same pack does not flip
		// the decision.
		if err := w.Store.MarkPackSkipped(ctx, spec, skip); err != nil {
			w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, time.Since(start), nil)
			return metrics.OutcomeFailed, "", fmt.Errorf("failed to mark pack skipped: %w", err)
		}
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeSkipped, time.Since(start), nil)
		w.Log.Info("Skipping catch-up pack",
			zap.String("pack_id", spec.PackID),
			zap.String("reason", skip))
		return metrics.OutcomeSkipped, skip, nil
	}
	res, err := w.Runner.CatchupPack(ctx, pipeline.RunRequest{
		UserID:  spec.UserID,
		TopicID: spec.TopicID,
		Window:  spec.Window,
		Mode:    types.ModeCatchUp,
	}, spec.PackID)
	dur := time.Since(start)
	if err != nil {
		w.Metrics.ObserveRun(job.Kind, metrics.OutcomeFailed, dur, nil)
		return metrics.OutcomeFailed, "", err
	}
	w.Metrics.ObserveRun(job.Kind, metrics.OutcomeOK, dur, &pipeline.RunResult{
		LLMCalls:    res.LLMCalls,
		CreditsUsed: res.CreditsUsed,
	})
	if err := w.Store.AddCreditsUsed(ctx, spec.UserID, res.CreditsUsed); err != nil {
		w.Log.Error("Failed to record credit usage",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := w.Store.MarkPackDone(ctx, spec.PackID); err != nil {
		w.Log.Error("Failed to mark pack done",
			zap.String("pack_id", spec.PackID), zap.Error(err))
	}
	return metrics.OutcomeOK, "", nil
}

// checkPack returns a skip reason when the pack must not run: missing user
// or topic, or an exhausted credit budget.
func (w *Worker) checkPack(ctx context.Context, spec *types.CatchupPackSpec) (string, error) {
	userOK, err := w.Store.UserExists(ctx, spec.UserID)
	if err != nil {
		return "", err
	}
	if !userOK {
		return "missing_user", nil
	}
	topicOK, err := w.Store.TopicExists(ctx, spec.TopicID)
	if err != nil {
		return "", err
	}
	if !topicOK {
		return "missing_topic", nil
	}
	_, reason, err := w.remainingBudget(ctx, spec.UserID)
	if err != nil {
		return "", err
	}
	return reason, nil
}

// remainingBudget returns the credits the user may still spend this month,
// and a skip reason when a limit is already exhausted.
func (w *Worker) remainingBudget(ctx context.Context, userID string) (int64, string, error) {
	if w.Budget.MonthlyCredits == 0 && w.Budget.DailyCredits == 0 {
		return 0, "", nil
	}
	monthly, daily, err := w.Store.CreditsUsed(ctx, userID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read credit usage: %w", err)
	}
	if w.Budget.DailyCredits > 0 && daily >= w.Budget.DailyCredits {
		return 0, "daily_budget_exhausted", nil
	}
	if w.Budget.MonthlyCredits > 0 && monthly >= w.Budget.MonthlyCredits {
		return 0, "monthly_budget_exhausted", nil
	}
	var remaining int64
	if w.Budget.MonthlyCredits > 0 {
		remaining = w.Budget.MonthlyCredits - monthly
	}
	if w.Budget.DailyCredits > 0 {
		dailyLeft := w.Budget.DailyCredits - daily
		if remaining == 0 || dailyLeft < remaining {
			remaining = dailyLeft
		}
	}
	return remaining, "", nil
}

func (w *Worker) publish(job *types.Job, outcome, reason string, dur time.Duration) {
	if w.Events == nil {
		return
	}
	ev := events.RunEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Outcome:  outcome,
		Reason:   reason,
		Duration: dur.Seconds(),
	}
	switch job.Kind {
	case types.KindRunWindow:
		ev.UserID, ev.TopicID = job.RunWindow.UserID, job.RunWindow.TopicID
	case types.KindRunABTest:
		ev.UserID, ev.TopicID = job.ABTest.UserID, job.ABTest.TopicID
	case types.KindRunAggregateSummary:
		ev.UserID = job.AggregateSummary.UserID
	case types.KindRunCatchupPack:
		ev.UserID, ev.TopicID = job.CatchupPack.UserID, job.CatchupPack.TopicID
	}
	if err := w.Events.Publish(ev); err != nil {
		w.Log.Warn("Failed to publish run event",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
