package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultProbeTimeout = 2 * time.Second

// ProbeOutcome is the result of a reachability probe.
type ProbeOutcome int

const (
	Unreachable ProbeOutcome = iota
	Reachable
	TimedOut
)

func (o ProbeOutcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case TimedOut:
		return "timed_out"
	default:
		return "unreachable"
	}
}

// Client talks to an x402 payment facilitator.
type Client struct {
	BaseURL      string
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
}

// New creates a client with defaults.
func New(baseURL string, probeTimeout time.Duration) *Client {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Client{
		BaseURL:      baseURL,
		ProbeTimeout: probeTimeout,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// PaymentPayload is the signed payment the payer hands over. Its contents are opaque here.
type PaymentPayload map[string]any

// PaymentRequirement describes what a payment must satisfy.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
}

type VerifyResponse struct {
	Valid   bool           `json:"valid"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type SettleResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SupportedResponse struct {
	Schemes  []string `json:"schemes"`
	Networks []string `json:"networks"`
	Assets   []string `json:"assets"`
}

type TxStatusResponse struct {
	Status      string `json:"status"`
	BlockHeight *int64 `json:"blockHeight,omitempty"`
	Error       string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("facilitator error: status=%d body=%s", e.StatusCode, e.Body)
}

// Probe checks GET /health within ProbeTimeout. It never returns an error; the outcome
// says whether live settlement is possible.
func (c *Client) Probe(ctx context.Context) ProbeOutcome {
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return Unreachable
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TimedOut
		}
		return Unreachable
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Unreachable
	}
	return Reachable
}

// Verify checks a payment payload against a requirement.
func (c *Client) Verify(ctx context.Context, payload PaymentPayload, requirement PaymentRequirement) (VerifyResponse, error) {
	var resp VerifyResponse
	err := c.do(ctx, http.MethodPost, "verify", map[string]any{
		"payload":     payload,
		"requirement": requirement,
	}, &resp)
	return resp, err
}

// Settle broadcasts a verified payment.
func (c *Client) Settle(ctx context.Context, payload PaymentPayload, network string) (SettleResponse, error) {
	body := map[string]any{"payload": payload}
	if network != "" {
		body["network"] = network
	}
	var resp SettleResponse
	err := c.do(ctx, http.MethodPost, "settle", body, &resp)
	return resp, err
}

// Supported lists schemes, networks and assets the facilitator accepts.
func (c *Client) Supported(ctx context.Context) (SupportedResponse, error) {
	var resp SupportedResponse
	err := c.do(ctx, http.MethodGet, "supported", nil, &resp)
	return resp, err
}

// TxStatus reports the status of a settled transaction.
func (c *Client) TxStatus(ctx context.Context, txID string) (TxStatusResponse, error) {
	var resp TxStatusResponse
	err := c.do(ctx, http.MethodGet, "tx/"+url.PathEscape(txID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}
