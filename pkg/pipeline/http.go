package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
)

// HTTPRunner talks to the pipeline service over its internal HTTP API.
type HTTPRunner struct {
	Client  *http.Client
	BaseURL string
}

// RunOnce implements Runner.
func (h *HTTPRunner) RunOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	res := new(RunResult)
	if err := h.post(ctx, "/v1/runs", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// RunComparison implements Runner.
func (h *HTTPRunner) RunComparison(ctx context.Context, req RunRequest, variants []string) (*ComparisonResult, error) {
	body := struct {
		RunRequest
		Variants []string `json:"variants"`
	}{RunRequest: req, Variants: variants}
	res := new(ComparisonResult)
	if err := h.post(ctx, "/v1/comparisons", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

// AggregateSummary implements Runner.
func (h *HTTPRunner) AggregateSummary(ctx context.Context, userID, contentHash string) (*SummaryResult, error) {
	body := struct {
		UserID      string `json:"user_id"`
		ContentHash string `json:"content_hash"`
	}{UserID: userID, ContentHash: contentHash}
	res := new(SummaryResult)
	if err := h.post(ctx, "/v1/summaries", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

// CatchupPack implements Runner.
func (h *HTTPRunner) CatchupPack(ctx context.Context, req RunRequest, packID string) (*PackResult, error) {
	body := struct {
		RunRequest
		PackID string `json:"pack_id"`
	}{RunRequest: req, PackID: packID}
	res := new(PackResult)
	if err := h.post(ctx, "/v1/packs", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (h *HTTPRunner) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimSuffix(h.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("pipeline returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid pipeline response: %w", err)
	}
	return nil
}

// Assert HTTPRunner implements Runner.
var _ Runner = (*HTTPRunner)(nil)
