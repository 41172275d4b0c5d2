// Package window computes the due, non-overlapping processing windows for a
// topic given its cursor and interval policy.
//
// The generator is pure: the reference time is always passed in by the
// caller, it never reads the wall clock. Disabled topics are filtered
// upstream and never reach this package.
package window

import (
	"time"

	"github.com/tidewire/digestd/pkg/types"
)

// Strategy selects how overdue spans are sliced into windows.
type Strategy string

// Window strategies.
const (
	// StrategyFixed emits one window per interval. Spans older than the
	// lookback bound collapse into a single catch_up window.
	StrategyFixed Strategy = "fixed"
	// StrategyAdaptive always emits a single window covering the due
	// span, aligned to full intervals. Spans older than the lookback
	// bound are clamped like the fixed strategy collapses them.
	StrategyAdaptive Strategy = "adaptive"
)

// Config is the process-wide window generation policy.
type Config struct {
	Strategy Strategy
	// MaxLookback bounds how far behind the cursor may lag before the
	// overdue span collapses into one catch_up window. Values below one
	// interval are treated as one interval.
	MaxLookback time.Duration
}

// Schedule is the per-topic input state.
type Schedule struct {
	Interval  time.Duration
	CursorEnd *time.Time
	Mode      types.Mode
}

// DueWindow is a window paired with the mode the run should use.
type DueWindow struct {
	types.Window
	Mode types.Mode
}

// Generator computes due windows under a fixed config.
type Generator struct {
	Config Config
}

// Due returns the chronologically ordered, contiguous, non-overlapping
// windows that need a pipeline run at the given reference time. It returns
// nil when the topic is not yet due.
//
// Bootstrap policy: a topic that never ran (nil cursor) gets exactly one
// window [now-interval, now].
func (g Generator) Due(sched Schedule, now time.Time) []DueWindow {
	interval := sched.Interval
	if interval <= 0 {
		return nil
	}
	now = now.UTC()
	if sched.CursorEnd == nil {
		return []DueWindow{{
			Window: types.Window{Start: now.Add(-interval), End: now},
			Mode:   sched.Mode,
		}}
	}
	start := sched.CursorEnd.UTC()
	span := now.Sub(start)
	if span < interval {
		return nil // not due yet
	}

	lookback := g.Config.MaxLookback
	if lookback < interval {
		lookback = interval
	}

	if g.Config.Strategy == StrategyAdaptive {
		mode := sched.Mode
		if span > lookback {
			start = now.Add(-lookback)
			span = lookback
			mode = types.ModeCatchUp
		}
		n := span / interval
		return []DueWindow{{
			Window: types.Window{Start: start, End: start.Add(n * interval)},
			Mode:   mode,
		}}
	}

	// Fixed strategy. A span beyond the lookback bound collapses into one
	// catch_up window; everything older than the bound is dropped, which
	// leaves a deliberate gap after extended downtime.
	if span > lookback {
		start = now.Add(-lookback)
		n := now.Sub(start) / interval
		return []DueWindow{{
			Window: types.Window{Start: start, End: start.Add(n * interval)},
			Mode:   types.ModeCatchUp,
		}}
	}

	n := int(span / interval)
	windows := make([]DueWindow, n)
	for i := 0; i < n; i++ {
		windows[i] = DueWindow{
			Window: types.Window{
				Start: start.Add(time.Duration(i) * interval),
				End:   start.Add(time.Duration(i+1) * interval),
			},
			Mode: sched.Mode,
		}
	}
	return windows
}
