package pipeline

import (
	"context"
	"time"
)

// Static is a fake Runner that returns canned results.
// Used by the all-in-one deployment when no pipeline URL is configured,
// and by tests.
type Static struct {
	// Err, when set, is returned by every call.
	Err error
	// SummaryStatus overrides the status of AggregateSummary results.
	SummaryStatus string
	// ComparisonStatus overrides the status of RunComparison results.
	ComparisonStatus string
}

// RunOnce implements Runner.
func (s *Static) RunOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &RunResult{
		Ingested:         12,
		IngestedBySource: map[string]int{"rss": 8, "web": 4},
		Embedded:         12,
		Clustered:        3,
		DigestItems:      3,
		LLMCalls:         4,
		LLMTime:          2 * time.Second,
		CreditsUsed:      4,
		CostUSD:          0.01,
	}, nil
}

// RunComparison implements Runner.
func (s *Static) RunComparison(ctx context.Context, req RunRequest, variants []string) (*ComparisonResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	status := s.ComparisonStatus
	if status == "" {
		status = "ok"
	}
	res := &ComparisonResult{
		Status:   status,
		Variants: make(map[string]RunResult, len(variants)),
	}
	if status != "failed" {
		for _, v := range variants {
			res.Variants[v] = RunResult{DigestItems: 3, LLMCalls: 4, CreditsUsed: 4}
		}
	}
	return res, nil
}

// AggregateSummary implements Runner.
func (s *Static) AggregateSummary(ctx context.Context, userID, contentHash string) (*SummaryResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	status := s.SummaryStatus
	if status == "" {
		status = "ok"
	}
	return &SummaryResult{
		Status:      status,
		SummaryID:   "summary-" + contentHash,
		LLMCalls:    1,
		CreditsUsed: 1,
	}, nil
}

// CatchupPack implements Runner.
func (s *Static) CatchupPack(ctx context.Context, req RunRequest, packID string) (*PackResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &PackResult{Status: "ok", Items: 5, LLMCalls: 2, CreditsUsed: 2}, nil
}

// Assert Static implements Runner.
var _ Runner = (*Static)(nil)
