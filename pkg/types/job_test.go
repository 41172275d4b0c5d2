package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDDeterministic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	spec := RunWindowSpec{
		UserID:  "u1",
		TopicID: "t1",
		Window:  Window{Start: start, End: start.Add(time.Hour)},
		Mode:    ModeNormal,
	}
	a := NewRunWindowJob(spec, TriggerScheduled, start)
	b := NewRunWindowJob(spec, TriggerManual, start.Add(time.Minute))
	// Same logical window, same ID, regardless of trigger and creation time.
	assert.Equal(t, a.ID, b.ID)

	spec.Mode = ModeHigh
	c := NewRunWindowJob(spec, TriggerScheduled, start)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestJobIDSeparator(t *testing.T) {
	// Part boundaries matter: ("ab","c") and ("a","bc") must not collide.
	assert.NotEqual(t, JobID(KindRunWindow, "ab", "c"), JobID(KindRunWindow, "a", "bc"))
	assert.Contains(t, JobID(KindRunWindow, "x"), string(KindRunWindow)+":")
}

func TestJobRoundtrip(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewABTestJob(ABTestSpec{
		UserID:   "u1",
		TopicID:  "t1",
		Window:   Window{Start: start, End: start.Add(time.Hour)},
		Mode:     ModeNormal,
		Variants: []string{"base", "concise"},
	}, start)
	buf, err := job.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalJob(buf)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, KindRunABTest, decoded.Kind)
	require.NotNil(t, decoded.ABTest)
	assert.Equal(t, []string{"base", "concise"}, decoded.ABTest.Variants)
}

func TestJobCheck(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewRunWindowJob(RunWindowSpec{
		UserID:  "u1",
		TopicID: "t1",
		Window:  Window{Start: start, End: start.Add(time.Hour)},
		Mode:    ModeNormal,
	}, TriggerScheduled, start)
	require.NoError(t, job.Check())

	missing := *job
	missing.RunWindow = nil
	assert.Error(t, missing.Check())

	badKind := *job
	badKind.Kind = Kind("bogus")
	assert.Error(t, badKind.Check())

	badWindow := *job
	badWindow.RunWindow = &RunWindowSpec{
		Window: Window{Start: start, End: start},
	}
	assert.Error(t, badWindow.Check())

	_, err := UnmarshalJob([]byte("{not json"))
	assert.Error(t, err)
}
