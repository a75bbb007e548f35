package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig configures the shared HTTP transport the three remote
// model clients use, grounded on the same bearer-token-over-JSON shape
// the teacher uses for its own remote verification call.
type HTTPConfig struct {
	APIKey  string
	Timeout time.Duration
}

func newHTTPClient(cfg HTTPConfig) *http.Client {
	return &http.Client{Timeout: cfg.Timeout}
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("modelclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("modelclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("modelclient: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelclient: %s returned status %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("modelclient: decode response from %s: %w", url, err)
	}
	return nil
}

// HTTPTier1Client calls a Tier 1 fast-reasoning model over HTTP.
type HTTPTier1Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPTier1Client builds an HTTPTier1Client.
func NewHTTPTier1Client(endpoint string, cfg HTTPConfig, logger *zap.Logger) *HTTPTier1Client {
	return &HTTPTier1Client{endpoint: endpoint, apiKey: cfg.APIKey, client: newHTTPClient(cfg), logger: logger}
}

// tier1WireRequest mirrors tier2WireRequest's pattern of keeping the wire
// shape independent of the request's internal representation: the AX
// payload is either the raw node slice or the compact codec encoding,
// never both.
type tier1WireRequest struct {
	Intent              string   `json:"intent"`
	InteractiveElements any      `json:"interactive_elements"`
	PriorSteps          []string `json:"prior_steps"`
	NoProgressStreak    int      `json:"no_progress_streak"`
}

func (c *HTTPTier1Client) Infer(ctx context.Context, req Tier1Request) (Tier1Response, error) {
	wire := tier1WireRequest{
		Intent:              req.Intent,
		InteractiveElements: axPayload(req.InteractiveElements, req.InteractiveElementsEncoded),
		PriorSteps:          req.PriorSteps,
		NoProgressStreak:    req.NoProgressStreak,
	}
	var resp Tier1Response
	if err := postJSON(ctx, c.client, c.endpoint, c.apiKey, wire, &resp); err != nil {
		c.logger.Warn("tier1 call failed", zap.Error(err))
		return Tier1Response{}, err
	}
	return resp, nil
}

// axPayload selects the compact codec encoding when present, falling back
// to the raw node slice otherwise.
func axPayload(raw any, encoded string) any {
	if encoded != "" {
		return encoded
	}
	return raw
}

// HTTPTier2Client calls a Tier 2 vision model over HTTP.
type HTTPTier2Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPTier2Client builds an HTTPTier2Client.
func NewHTTPTier2Client(endpoint string, cfg HTTPConfig, logger *zap.Logger) *HTTPTier2Client {
	return &HTTPTier2Client{endpoint: endpoint, apiKey: cfg.APIKey, client: newHTTPClient(cfg), logger: logger}
}

// tier2WireRequest swaps the raw screenshot bytes for a request body
// field name matching what a vision endpoint expects, keeping
// Tier2Request itself free of wire-format concerns.
type tier2WireRequest struct {
	Intent         string `json:"intent"`
	AXTree         any    `json:"ax_tree"`
	ScreenshotJPEG []byte `json:"screenshot_jpeg"`
	ScrollY        int    `json:"scroll_y"`
	ViewportHeight int    `json:"viewport_height"`
	DocumentHeight int    `json:"document_height"`
}

func (c *HTTPTier2Client) Infer(ctx context.Context, req Tier2Request) (Tier2Response, error) {
	wire := tier2WireRequest{
		Intent:         req.Intent,
		AXTree:         axPayload(req.AXTree, req.AXTreeEncoded),
		ScreenshotJPEG: req.Screenshot.JPEG,
		ScrollY:        req.ScrollY,
		ViewportHeight: req.ViewportHeight,
		DocumentHeight: req.DocumentHeight,
	}
	var resp Tier2Response
	if err := postJSON(ctx, c.client, c.endpoint, c.apiKey, wire, &resp); err != nil {
		c.logger.Warn("tier2 call failed", zap.Error(err))
		return Tier2Response{}, err
	}
	return resp, nil
}

// HTTPPlannerClient calls the planner model over HTTP.
type HTTPPlannerClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPPlannerClient builds an HTTPPlannerClient.
func NewHTTPPlannerClient(endpoint string, cfg HTTPConfig, logger *zap.Logger) *HTTPPlannerClient {
	return &HTTPPlannerClient{endpoint: endpoint, apiKey: cfg.APIKey, client: newHTTPClient(cfg), logger: logger}
}

func (c *HTTPPlannerClient) Plan(ctx context.Context, req PlanRequest) ([]PlannedSubtask, error) {
	var resp struct {
		Subtasks []PlannedSubtask `json:"subtasks"`
	}
	if err := postJSON(ctx, c.client, c.endpoint, c.apiKey, req, &resp); err != nil {
		c.logger.Warn("planner call failed", zap.Error(err))
		return nil, err
	}
	return resp.Subtasks, nil
}

var (
	_ Tier1Client   = (*HTTPTier1Client)(nil)
	_ Tier2Client   = (*HTTPTier2Client)(nil)
	_ PlannerClient = (*HTTPPlannerClient)(nil)
)
