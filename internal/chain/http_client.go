package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
)

// NodeClient talks to the node's REST gateway. It implements Oracle,
// HeightSource, Ledger and Quoter against the following endpoints:
//
//	GET  /oracle/price/{token}   {"price":"45000","height":123}
//	GET  /status/height          {"height":123}
//	POST /ledger/submit          {"ref":"A1B2..."}
//	GET  /ledger/tx/{ref}        {"status":"confirmed","reason":""}
//	GET  /ledger/pool/{token}    {"total_balance":"2000","total_locked":"600"}
//	POST /pricing/quote          {"premium":"100"}
type NodeClient struct {
	baseURL string
	client  *http.Client
}

var _ Client = (*NodeClient)(nil)

// NewNodeClient constructs a NodeClient from the chain config.
func NewNodeClient(cfg *config.ChainConfig) *NodeClient {
	return &NodeClient{
		baseURL: cfg.NodeURL,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Oracle / HeightSource
// ──────────────────────────────────────────────────────────────────────────────

// CurrentPrice fetches the oracle quote for token.
func (nc *NodeClient) CurrentPrice(ctx context.Context, token string) (decimal.Decimal, int64, error) {
	body, err := nc.doGet(ctx, "/oracle/price/"+token)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("oracle price: %w", err)
	}

	var resp struct {
		Price  string `json:"price"`
		Height int64  `json:"height"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, 0, fmt.Errorf("oracle price parse: %w", err)
	}
	if resp.Price == "" {
		return decimal.Zero, 0, fmt.Errorf("oracle price: empty price field")
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("oracle price decimal: %w", err)
	}
	return price, resp.Height, nil
}

// CurrentHeight fetches the gateway's view of the chain tip.
func (nc *NodeClient) CurrentHeight(ctx context.Context) (int64, error) {
	body, err := nc.doGet(ctx, "/status/height")
	if err != nil {
		return 0, fmt.Errorf("current height: %w", err)
	}

	var resp struct {
		Height int64 `json:"height"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("current height parse: %w", err)
	}
	if resp.Height <= 0 {
		return 0, fmt.Errorf("current height: non-positive height %d", resp.Height)
	}
	return resp.Height, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────────────────────────────────

// Submit posts an engine action to the ledger gateway. HTTP 4xx responses are
// permanent rejections; everything else (network fault, 5xx, 429) is
// transient and retried by the tracker.
func (nc *NodeClient) Submit(ctx context.Context, action domain.ActionType, payload json.RawMessage) (string, error) {
	reqBody, err := json.Marshal(struct {
		Action  domain.ActionType `json:"action"`
		Payload json.RawMessage   `json:"payload"`
	}{Action: action, Payload: payload})
	if err != nil {
		return "", Permanent(fmt.Errorf("marshal submit body: %w", err))
	}

	body, status, err := nc.doPost(ctx, "/ledger/submit", reqBody)
	if err != nil {
		return "", Transient(fmt.Errorf("submit %s: %w", action, err))
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return "", Transient(fmt.Errorf("submit %s: gateway status %d", action, status))
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return "", Permanent(fmt.Errorf("submit %s: rejected with status %d: %s", action, status, body))
	}

	var resp struct {
		Ref string `json:"ref"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", Transient(fmt.Errorf("submit %s parse: %w", action, err))
	}
	if resp.Ref == "" {
		return "", Transient(fmt.Errorf("submit %s: empty ref", action))
	}
	return resp.Ref, nil
}

// Status fetches the terminal state of a submitted transaction.
func (nc *NodeClient) Status(ctx context.Context, ref string) (ExternalStatus, string, error) {
	body, err := nc.doGet(ctx, "/ledger/tx/"+ref)
	if err != nil {
		return "", "", fmt.Errorf("tx status %s: %w", ref, err)
	}

	var resp struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("tx status %s parse: %w", ref, err)
	}
	switch ExternalStatus(resp.Status) {
	case ExternalPending, ExternalConfirmed, ExternalFailed:
		return ExternalStatus(resp.Status), resp.Reason, nil
	default:
		return "", "", fmt.Errorf("tx status %s: unknown status %q", ref, resp.Status)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// AggregateSource
// ──────────────────────────────────────────────────────────────────────────────

// PoolAggregate fetches the ledger's authoritative pool holdings for token.
func (nc *NodeClient) PoolAggregate(ctx context.Context, token string) (PoolAggregate, error) {
	body, err := nc.doGet(ctx, "/ledger/pool/"+token)
	if err != nil {
		return PoolAggregate{}, fmt.Errorf("pool aggregate: %w", err)
	}

	var resp struct {
		TotalBalance string `json:"total_balance"`
		TotalLocked  string `json:"total_locked"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return PoolAggregate{}, fmt.Errorf("pool aggregate parse: %w", err)
	}
	total, err := decimal.NewFromString(resp.TotalBalance)
	if err != nil {
		return PoolAggregate{}, fmt.Errorf("pool aggregate total decimal: %w", err)
	}
	locked, err := decimal.NewFromString(resp.TotalLocked)
	if err != nil {
		return PoolAggregate{}, fmt.Errorf("pool aggregate locked decimal: %w", err)
	}
	return PoolAggregate{Token: token, TotalBalance: total, TotalLocked: locked}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Quoter
// ──────────────────────────────────────────────────────────────────────────────

// QuotePremium asks the pricing model for a premium quote. The amount comes
// back as a decimal string of base units.
func (nc *NodeClient) QuotePremium(ctx context.Context, params PremiumParams) (decimal.Decimal, error) {
	reqBody, err := json.Marshal(params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("marshal quote params: %w", err)
	}
	body, status, err := nc.doPost(ctx, "/pricing/quote", reqBody)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote premium: %w", err)
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote premium: unexpected status %d", status)
	}

	var resp struct {
		Premium string `json:"premium"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("quote premium parse: %w", err)
	}
	premium, err := decimal.NewFromString(resp.Premium)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote premium decimal: %w", err)
	}
	if premium.LessThanOrEqual(decimal.Zero) || !premium.Equal(premium.Floor()) {
		return decimal.Zero, fmt.Errorf("quote premium: not a positive integer amount: %s", premium)
	}
	return premium, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helpers
// ──────────────────────────────────────────────────────────────────────────────

// doGet performs an HTTP GET and returns the body bytes, or an error for any
// non-200 status code.
func (nc *NodeClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nc.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "vantal-coverpool/1.0")

	resp, err := nc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// doPost performs an HTTP POST with a JSON body. Unlike doGet it hands the
// status code back to the caller, because submission needs to classify
// rejections itself.
func (nc *NodeClient) doPost(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "vantal-coverpool/1.0")
	req.Header.Set("Content-Type", "application/json")

	resp, err := nc.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
