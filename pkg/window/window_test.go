package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewire/digestd/pkg/types"
)

var (
	day  = 24 * time.Hour
	hour = time.Hour
)

func fixedGen(lookback time.Duration) Generator {
	return Generator{Config: Config{Strategy: StrategyFixed, MaxLookback: lookback}}
}

func TestDueBootstrap(t *testing.T) {
	g := fixedGen(7 * day)
	now := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	due := g.Due(Schedule{Interval: hour, CursorEnd: nil, Mode: types.ModeNormal}, now)
	require.Len(t, due, 1)
	assert.Equal(t, now.Add(-hour), due[0].Start)
	assert.Equal(t, now, due[0].End)
	assert.Equal(t, types.ModeNormal, due[0].Mode)
}

func TestDueNotYet(t *testing.T) {
	g := fixedGen(7 * day)
	cursor := time.Date(2026, 1, 3, 11, 30, 0, 0, time.UTC)
	now := cursor.Add(30 * time.Minute)
	due := g.Due(Schedule{Interval: hour, CursorEnd: &cursor, Mode: types.ModeNormal}, now)
	assert.Nil(t, due)
}

func TestDueFixedBackToBack(t *testing.T) {
	g := fixedGen(7 * day)
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 3, 6, 0, 0, 0, time.UTC) // 2.25 intervals behind
	due := g.Due(Schedule{Interval: day, CursorEnd: &cursor, Mode: types.ModeHigh}, now)
	require.Len(t, due, 2)
	assert.Equal(t, cursor, due[0].Start)
	assert.Equal(t, cursor.Add(day), due[0].End)
	assert.Equal(t, cursor.Add(day), due[1].Start)
	assert.Equal(t, cursor.Add(2*day), due[1].End)
	for _, w := range due {
		assert.Equal(t, types.ModeHigh, w.Mode)
	}
	// Windows are contiguous and never cross the reference time.
	assert.True(t, due[len(due)-1].End.Before(now) || due[len(due)-1].End.Equal(now))
}

func TestDueInvalidInterval(t *testing.T) {
	g := fixedGen(7 * day)
	now := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, g.Due(Schedule{Interval: 0, Mode: types.ModeNormal}, now))
	assert.Nil(t, g.Due(Schedule{Interval: -time.Hour, Mode: types.ModeNormal}, now))
}

func TestDueCatchUpCollapse(t *testing.T) {
	g := fixedGen(3 * day)
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(10 * day) // way past the lookback bound
	due := g.Due(Schedule{Interval: day, CursorEnd: &cursor, Mode: types.ModeNormal}, now)
	require.Len(t, due, 1)
	w := due[0]
	assert.Equal(t, types.ModeCatchUp, w.Mode)
	// The window is clamped to the lookback bound, leaving a gap after the
	// cursor.
	assert.Equal(t, now.Add(-3*day), w.Start)
	assert.Equal(t, now, w.End)
}

func TestDueLookbackFloor(t *testing.T) {
	// A lookback below one interval behaves like one interval.
	g := fixedGen(time.Minute)
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(hour)
	due := g.Due(Schedule{Interval: hour, CursorEnd: &cursor, Mode: types.ModeLow}, now)
	require.Len(t, due, 1)
	assert.Equal(t, cursor, due[0].Start)
	assert.Equal(t, cursor.Add(hour), due[0].End)
	assert.Equal(t, types.ModeLow, due[0].Mode)
}

func TestDueAdaptive(t *testing.T) {
	g := Generator{Config: Config{Strategy: StrategyAdaptive, MaxLookback: 7 * day}}
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(2*day + 6*hour)
	due := g.Due(Schedule{Interval: day, CursorEnd: &cursor, Mode: types.ModeNormal}, now)
	require.Len(t, due, 1)
	// One window covering the whole due span, aligned to full intervals.
	assert.Equal(t, cursor, due[0].Start)
	assert.Equal(t, cursor.Add(2*day), due[0].End)
	assert.Equal(t, types.ModeNormal, due[0].Mode)
}

func TestDueAdaptiveClamped(t *testing.T) {
	g := Generator{Config: Config{Strategy: StrategyAdaptive, MaxLookback: 3 * day}}
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor.Add(10 * day) // way past the lookback bound
	due := g.Due(Schedule{Interval: day, CursorEnd: &cursor, Mode: types.ModeNormal}, now)
	require.Len(t, due, 1)
	w := due[0]
	// The span is bounded like the fixed strategy: the window starts at the
	// lookback bound, not at the stale cursor.
	assert.Equal(t, types.ModeCatchUp, w.Mode)
	assert.Equal(t, now.Add(-3*day), w.Start)
	assert.Equal(t, now, w.End)
}

func TestDueNoOverlapAcrossTicks(t *testing.T) {
	// Simulate successive scheduler ticks advancing the cursor after each
	// run: emitted windows must tile the timeline without gaps or overlap.
	g := fixedGen(7 * day)
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := cursor
	var all []DueWindow
	for tick := 0; tick < 5; tick++ {
		now = now.Add(10 * hour)
		due := g.Due(Schedule{Interval: 6 * hour, CursorEnd: &cursor, Mode: types.ModeNormal}, now)
		all = append(all, due...)
		if len(due) > 0 {
			cursor = due[len(due)-1].End
		}
	}
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].End, all[i].Start, "window %d", i)
	}
}
