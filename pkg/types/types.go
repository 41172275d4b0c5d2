// Package types holds the data model shared by the scheduler, job queue and
// pipeline worker: topics, processing windows and queue jobs.
package types

import (
	"time"
)

// Mode selects the depth/cost profile of a pipeline run.
type Mode string

// Run modes.
const (
	ModeLow    Mode = "low"
	ModeNormal Mode = "normal"
	ModeHigh   Mode = "high"
	// ModeCatchUp marks a single collapsed window covering a span that
	// exceeded the scheduler's lookback bound.
	ModeCatchUp Mode = "catch_up"
)

// Window is one unit of pipeline work for one topic: a contiguous time range
// with Start < End. Windows for the same topic are contiguous and
// non-overlapping; the window generator owns that invariant.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window is well-formed.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Topic is a per-user content stream with its own schedule and cursor.
type Topic struct {
	ID              string
	UserID          string
	ScheduleEnabled bool
	IntervalMinutes int
	Mode            Mode
	Depth           int // 0..100
	// CursorEnd is the end of the last successfully processed window,
	// nil if the topic never ran. It only ever moves forward.
	CursorEnd *time.Time
}

// Interval returns the topic's window length.
func (t *Topic) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}
