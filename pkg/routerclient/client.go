/**
 * @description
 * This package provides a client for the swap Router API. The Router picks the best
 * route for a token pair and builds the calldata that executes it; both are opaque
 * to this service.
 *
 * Every call is bounded by the client's per-request timeout in addition to the
 * caller's context.
 *
 * @dependencies
 * - bytes, context, encoding/hex, encoding/json, fmt, math/big, net/http, time: Standard Go libraries.
 */
package routerclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds each Router request.
const DefaultTimeout = 5 * time.Second

// Client is a client for the Router API.
type Client struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a new Router API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QuoteRequest asks for the best route selling AmountIn of TokenIn for TokenOut.
type QuoteRequest struct {
	ChainID  int64  `json:"chainId"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	AmountIn string `json:"amountIn"`
}

// Quote is the Router's answer. Route is passed back verbatim to BuildCalldata.
type Quote struct {
	AmountOut    *big.Int
	MinAmountOut *big.Int
	RouteHops    int
	Route        json.RawMessage
}

type quoteResponse struct {
	AmountOut    string          `json:"amountOut"`
	MinAmountOut string          `json:"minAmountOut"`
	RouteHops    int             `json:"routeHops"`
	Route        json.RawMessage `json:"route"`
}

// BuildRequest asks the Router to encode a quoted route.
type BuildRequest struct {
	ChainID   int64           `json:"chainId"`
	Route     json.RawMessage `json:"route"`
	Recipient string          `json:"recipient"`
	Deadline  int64           `json:"deadline"`
}

// SwapInstruction is an executable call produced by the Router.
type SwapInstruction struct {
	To    string
	Data  []byte
	Value *big.Int
}

type buildResponse struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// ErrorResponse represents an error from the Router API.
type ErrorResponse struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("router api error (status %d): %s %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("router api error (status %d)", e.Status)
}

// GetQuote fetches a quote for the pair.
func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var resp quoteResponse
	if err := c.post(ctx, "quote", "/quote", req, &resp); err != nil {
		return nil, err
	}
	amountOut, ok := new(big.Int).SetString(strings.TrimSpace(resp.AmountOut), 10)
	if !ok || amountOut.Sign() < 0 {
		return nil, fmt.Errorf("router returned invalid amountOut %q", resp.AmountOut)
	}
	minAmountOut, ok := new(big.Int).SetString(strings.TrimSpace(resp.MinAmountOut), 10)
	if !ok || minAmountOut.Sign() < 0 {
		return nil, fmt.Errorf("router returned invalid minAmountOut %q", resp.MinAmountOut)
	}
	if len(resp.Route) == 0 {
		return nil, fmt.Errorf("router returned an empty route")
	}
	return &Quote{AmountOut: amountOut, MinAmountOut: minAmountOut, RouteHops: resp.RouteHops, Route: resp.Route}, nil
}

// BuildCalldata turns a quoted route into a call the recipient's account can send.
func (c *Client) BuildCalldata(ctx context.Context, req BuildRequest) (*SwapInstruction, error) {
	var resp buildResponse
	if err := c.post(ctx, "build", "/build", req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.To) == "" {
		return nil, fmt.Errorf("router returned an empty target")
	}
	data, err := decodeHex(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("router returned invalid calldata: %w", err)
	}
	value := new(big.Int)
	if raw := strings.TrimSpace(resp.Value); raw != "" {
		if _, ok := value.SetString(raw, 0); !ok {
			return nil, fmt.Errorf("router returned invalid value %q", resp.Value)
		}
	}
	return &SwapInstruction{To: resp.To, Data: data, Value: value}, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{Status: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=router_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &errResp
		}
		log.Printf("level=warn component=router_client op=%s status=%d code=%q detail=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	return hex.DecodeString(raw)
}
