package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the job classes the worker routes on.
type Kind string

// Job kinds.
const (
	KindRunWindow           Kind = "run_window"
	KindRunABTest           Kind = "run_abtest"
	KindRunAggregateSummary Kind = "run_aggregate_summary"
	KindRunCatchupPack      Kind = "run_catchup_pack"
)

// Trigger records who created a job. Only scheduled window runs advance the
// topic cursor.
type Trigger string

// Job triggers.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// RunWindowSpec is the payload of a run_window job.
type RunWindowSpec struct {
	UserID  string `json:"user_id"`
	TopicID string `json:"topic_id"`
	Window  Window `json:"window"`
	Mode    Mode   `json:"mode"`
	Depth   int    `json:"depth"`
	// ProviderOverride forces an LLM provider for this run only.
	// Set by manual admin runs, empty otherwise.
	ProviderOverride string `json:"provider_override,omitempty"`
}

// ABTestSpec is the payload of a run_abtest job: a multi-variant comparison
// over a single window.
type ABTestSpec struct {
	UserID   string   `json:"user_id"`
	TopicID  string   `json:"topic_id"`
	Window   Window   `json:"window"`
	Mode     Mode     `json:"mode"`
	Variants []string `json:"variants"`
}

// AggregateSummarySpec is the payload of a run_aggregate_summary job.
type AggregateSummarySpec struct {
	UserID      string `json:"user_id"`
	ContentHash string `json:"content_hash"`
}

// CatchupPackSpec is the payload of a run_catchup_pack job.
type CatchupPackSpec struct {
	PackID  string `json:"pack_id"`
	UserID  string `json:"user_id"`
	TopicID string `json:"topic_id"`
	Window  Window `json:"window"`
}

// Job is one deterministically-identified unit of queued work. Exactly one
// payload field matching Kind is set.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Trigger   Trigger   `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`

	RunWindow        *RunWindowSpec        `json:"run_window,omitempty"`
	ABTest           *ABTestSpec           `json:"abtest,omitempty"`
	AggregateSummary *AggregateSummarySpec `json:"aggregate_summary,omitempty"`
	CatchupPack      *CatchupPackSpec      `json:"catchup_pack,omitempty"`
}

// NewRunWindowJob builds a run_window job with a deterministic ID derived
// from the (user, topic, window, mode) tuple. Re-enqueuing the same logical
// window yields the same ID and is deduplicated by the queue.
func NewRunWindowJob(spec RunWindowSpec, trigger Trigger, at time.Time) *Job {
	return &Job{
		ID: JobID(KindRunWindow,
			spec.UserID, spec.TopicID,
			epoch(spec.Window.Start), epoch(spec.Window.End),
			string(spec.Mode)),
		Kind:      KindRunWindow,
		Trigger:   trigger,
		CreatedAt: at.UTC(),
		RunWindow: &spec,
	}
}

// NewABTestJob builds a run_abtest job keyed by the same window tuple as the
// regular run, plus the variant set.
func NewABTestJob(spec ABTestSpec, at time.Time) *Job {
	parts := []string{
		spec.UserID, spec.TopicID,
		epoch(spec.Window.Start), epoch(spec.Window.End),
		string(spec.Mode),
	}
	parts = append(parts, spec.Variants...)
	return &Job{
		ID:        JobID(KindRunABTest, parts...),
		Kind:      KindRunABTest,
		Trigger:   TriggerManual,
		CreatedAt: at.UTC(),
		ABTest:    &spec,
	}
}

// NewAggregateSummaryJob builds a run_aggregate_summary job scoped by a
// content hash.
func NewAggregateSummaryJob(spec AggregateSummarySpec, at time.Time) *Job {
	return &Job{
		ID:               JobID(KindRunAggregateSummary, spec.UserID, spec.ContentHash),
		Kind:             KindRunAggregateSummary,
		Trigger:          TriggerManual,
		CreatedAt:        at.UTC(),
		AggregateSummary: &spec,
	}
}

// NewCatchupPackJob builds a run_catchup_pack job keyed by the pack record.
func NewCatchupPackJob(spec CatchupPackSpec, at time.Time) *Job {
	return &Job{
		ID:          JobID(KindRunCatchupPack, spec.PackID, spec.UserID, spec.TopicID),
		Kind:        KindRunCatchupPack,
		Trigger:     TriggerManual,
		CreatedAt:   at.UTC(),
		CatchupPack: &spec,
	}
}

// JobID derives a deterministic job ID from a kind and the identifying parts
// of the work unit. The parts are content-addressed through SHA-256 so the ID
// is always a short, queue-safe token regardless of what the parts contain
// (timestamps with colons included).
func JobID(kind Kind, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, part := range parts {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return string(kind) + ":" + hex.EncodeToString(sum[:8])
}

// Check verifies the job envelope is well-formed: known kind, matching
// payload, ID present.
func (j *Job) Check() error {
	if j.ID == "" {
		return fmt.Errorf("job has empty ID")
	}
	if !strings.HasPrefix(j.ID, string(j.Kind)+":") {
		return fmt.Errorf("job ID %q does not match kind %q", j.ID, j.Kind)
	}
	switch j.Kind {
	case KindRunWindow:
		if j.RunWindow == nil {
			return fmt.Errorf("run_window job without payload")
		}
		if !j.RunWindow.Window.Valid() {
			return fmt.Errorf("run_window job with invalid window")
		}
	case KindRunABTest:
		if j.ABTest == nil {
			return fmt.Errorf("run_abtest job without payload")
		}
	case KindRunAggregateSummary:
		if j.AggregateSummary == nil {
			return fmt.Errorf("run_aggregate_summary job without payload")
		}
	case KindRunCatchupPack:
		if j.CatchupPack == nil {
			return fmt.Errorf("run_catchup_pack job without payload")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

// Marshal encodes the job envelope for queue storage.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob decodes a queue payload back into a job envelope.
func UnmarshalJob(data []byte) (*Job, error) {
	j := new(Job)
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	if err := j.Check(); err != nil {
		return nil, err
	}
	return j, nil
}

func epoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
