// Package pipeline defines the client interface to the content pipeline
// service that ingests, embeds, clusters and digests items for one window.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidewire/digestd/pkg/types"
)

// Runner executes pipeline runs. The worker drives it with one call per
// claimed job; implementations must be safe for sequential reuse.
type Runner interface {
	// RunOnce runs the full pipeline for one window.
	RunOnce(ctx context.Context, req RunRequest) (*RunResult, error)
	// RunComparison runs one window once per variant and reports per-variant
	// outcomes.
	RunComparison(ctx context.Context, req RunRequest, variants []string) (*ComparisonResult, error)
	// AggregateSummary produces a cross-topic summary for a user.
	AggregateSummary(ctx context.Context, userID, contentHash string) (*SummaryResult, error)
	// CatchupPack builds a catch-up digest pack for a window.
	CatchupPack(ctx context.Context, req RunRequest, packID string) (*PackResult, error)
}

// RunRequest describes one pipeline run.
type RunRequest struct {
	UserID           string       `json:"user_id"`
	TopicID          string       `json:"topic_id"`
	Window           types.Window `json:"window"`
	Mode             types.Mode   `json:"mode"`
	Depth            int          `json:"depth"`
	ProviderOverride string       `json:"provider_override,omitempty"`
	// LLM carries the runtime LLM settings document, opaque to this core.
	LLM json.RawMessage `json:"llm,omitempty"`
	// Budget limits the credits the run may spend; 0 means unlimited.
	Budget int64 `json:"budget,omitempty"`
}

// RunResult is the outcome of a successful pipeline run.
type RunResult struct {
	Ingested         int            `json:"ingested"`
	IngestedBySource map[string]int `json:"ingested_by_source"`
	Embedded         int            `json:"embedded"`
	Clustered        int            `json:"clustered"`
	DigestItems      int            `json:"digest_items"`
	LLMCalls         int            `json:"llm_calls"`
	LLMTime          time.Duration  `json:"llm_time"`
	CreditsUsed      int64          `json:"credits_used"`
	CostUSD          float64        `json:"cost_usd"`
}

// ComparisonResult is the outcome of a multi-variant run.
type ComparisonResult struct {
	// Status is "ok", "partial" when only some variants finished, or
	// "failed" when the comparison produced no usable variant.
	Status   string               `json:"status"`
	Variants map[string]RunResult `json:"variants"`
}

// SummaryResult is the outcome of an aggregate summary run.
type SummaryResult struct {
	// Status is "ok", or "missing_user" when the user has no content to
	// summarize. The latter is a soft skip, not an error.
	Status      string `json:"status"`
	SummaryID   string `json:"summary_id,omitempty"`
	LLMCalls    int    `json:"llm_calls"`
	CreditsUsed int64  `json:"credits_used"`
}

// PackResult is the outcome of a catch-up pack run.
type PackResult struct {
	Status      string `json:"status"` // "ok"
	Items       int    `json:"items"`
	LLMCalls    int    `json:"llm_calls"`
	CreditsUsed int64  `json:"credits_used"`
}
