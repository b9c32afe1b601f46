package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// YellowGatewayConfig configures the HTTP client for a Yellow clearnode.
type YellowGatewayConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// YellowGateway talks to a Yellow-network clearnode over its HTTP API. Each
// call retries transient failures with a linear backoff before giving up.
type YellowGateway struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewYellowGateway(cfg YellowGatewayConfig) (*YellowGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("clearnode base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &YellowGateway{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (g *YellowGateway) Mode() string { return "yellow" }

func (g *YellowGateway) OpenChannel(ctx context.Context, params OpenParams) (Channel, error) {
	payload := map[string]interface{}{
		"partyA":  params.PartyA,
		"partyB":  params.PartyB,
		"deposit": params.Deposit,
		"token":   params.Token,
	}
	var ch Channel
	if err := g.post(ctx, "/channels", payload, &ch); err != nil {
		return Channel{}, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (g *YellowGateway) UpdateAllocation(ctx context.Context, channelID string, allocation map[string]float64) error {
	payload := map[string]interface{}{"allocation": allocation}
	if err := g.post(ctx, "/channels/"+channelID+"/allocation", payload, nil); err != nil {
		return fmt.Errorf("update allocation: %w", err)
	}
	return nil
}

func (g *YellowGateway) CloseChannel(ctx context.Context, channelID string) (string, error) {
	var out struct {
		SettlementTxHash string `json:"settlementTxHash"`
	}
	if err := g.post(ctx, "/channels/"+channelID+"/close", map[string]interface{}{}, &out); err != nil {
		return "", fmt.Errorf("close channel: %w", err)
	}
	return out.SettlementTxHash, nil
}

func (g *YellowGateway) Challenge(ctx context.Context, channelID, initiator string, proposed map[string]float64) (string, error) {
	payload := map[string]interface{}{
		"initiator":          initiator,
		"proposedAllocation": proposed,
	}
	var out struct {
		ChallengeTxHash string `json:"challengeTxHash"`
	}
	if err := g.post(ctx, "/channels/"+channelID+"/challenge", payload, &out); err != nil {
		return "", fmt.Errorf("challenge channel: %w", err)
	}
	return out.ChallengeTxHash, nil
}

func (g *YellowGateway) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempts := g.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decodeErr := decodeResponse(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("clearnode request failed: %w", lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("clearnode unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("clearnode rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode clearnode response: %w", err)
	}
	return nil
}
