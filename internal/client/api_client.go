// Package client talks to the oracle HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/ledger"
	"github.com/moltbunker/bondoracle/internal/oracle"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 if err is not an APIError
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// APIClient communicates with the oracle HTTP API. Requests are signed when
// a signer is set; otherwise the caller address, if any, is sent in the
// devnet X-Caller header.
type APIClient struct {
	baseURL    string
	signer     *WalletSigner
	caller     common.Address
	httpClient *http.Client
}

// NewAPIClient creates a new HTTP API client. signer may be nil.
func NewAPIClient(baseURL string, signer *WalletSigner) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetCaller sets the unsigned devnet caller identity
func (c *APIClient) SetCaller(addr common.Address) {
	c.caller = addr
}

// do performs a request and decodes the JSON response into out
func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	switch {
	case c.signer != nil:
		addr, sig, msg, err := c.signer.SignAuth()
		if err != nil {
			return err
		}
		req.Header.Set(api.HeaderWalletAddress, addr)
		req.Header.Set(api.HeaderWalletSignature, sig)
		req.Header.Set(api.HeaderWalletMessage, msg)
	case c.caller != (common.Address{}):
		req.Header.Set(api.HeaderCaller, c.caller.Hex())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Code = errResp.Code
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func reportPath(id uint64, suffix string) string {
	return "/v1/reports/" + strconv.FormatUint(id, 10) + suffix
}

// Status retrieves oracle status
func (c *APIClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health retrieves server health. An unhealthy server answers 503, which is
// returned as an error.
func (c *APIClient) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateReport creates a report instance funded with req.Value
func (c *APIClient) CreateReport(ctx context.Context, req api.CreateReportRequest) (*api.CreateReportResponse, error) {
	var resp api.CreateReportResponse
	if err := c.do(ctx, http.MethodPost, "/v1/reports", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report retrieves one report
func (c *APIClient) Report(ctx context.Context, id uint64) (*api.ReportResponse, error) {
	var resp api.ReportResponse
	if err := c.do(ctx, http.MethodGet, reportPath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitInitialReport posts the first bonded report
func (c *APIClient) SubmitInitialReport(ctx context.Context, id uint64, req api.InitialReportRequest) (*api.ReportResponse, error) {
	var resp api.ReportResponse
	if err := c.do(ctx, http.MethodPost, reportPath(id, "/initial"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dispute replaces the current report
func (c *APIClient) Dispute(ctx context.Context, id uint64, req api.DisputeRequest) (*api.ReportResponse, error) {
	var resp api.ReportResponse
	if err := c.do(ctx, http.MethodPost, reportPath(id, "/dispute"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Quote prices a dispute that takes token and posts amount2
func (c *APIClient) Quote(ctx context.Context, id uint64, token common.Address, amount2 *big.Int) (*oracle.DisputeQuote, error) {
	q := url.Values{}
	q.Set("token", token.Hex())
	q.Set("amount2", amount2.String())
	var resp oracle.DisputeQuote
	if err := c.do(ctx, http.MethodGet, reportPath(id, "/quote?"+q.Encode()), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle finalizes a report. gas 0 uses the server default.
func (c *APIClient) Settle(ctx context.Context, id uint64, gas uint64) (*oracle.Settlement, error) {
	var resp oracle.Settlement
	if err := c.do(ctx, http.MethodPost, reportPath(id, "/settle"), api.SettleRequest{Gas: gas}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns every recorded round of a report
func (c *APIClient) History(ctx context.Context, id uint64) ([]types.DisputeRecord, error) {
	var resp []types.DisputeRecord
	if err := c.do(ctx, http.MethodGet, reportPath(id, "/history"), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HistoryRound returns one round; round 0 is the initial report
func (c *APIClient) HistoryRound(ctx context.Context, id, round uint64) (*types.DisputeRecord, error) {
	var resp types.DisputeRecord
	path := reportPath(id, "/history?round="+strconv.FormatUint(round, 10))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ledger returns the claimable balances of addr
func (c *APIClient) Ledger(ctx context.Context, addr common.Address) (*ledger.Balances, error) {
	var resp ledger.Balances
	if err := c.do(ctx, http.MethodGet, "/v1/ledger/"+addr.Hex(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Withdraw claims the caller's ledger balance of token, or native value
func (c *APIClient) Withdraw(ctx context.Context, token common.Address, native bool) (*ledger.Withdrawal, error) {
	var resp ledger.Withdrawal
	req := api.WithdrawRequest{Token: token, Native: native}
	if err := c.do(ctx, http.MethodPost, "/v1/ledger/withdraw", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Advance moves the devnet clock
func (c *APIClient) Advance(ctx context.Context, seconds, blocks uint64) (*types.Instant, error) {
	var resp types.Instant
	req := api.AdvanceRequest{Seconds: seconds, Blocks: blocks}
	if err := c.do(ctx, http.MethodPost, "/v1/devnet/advance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mint credits devnet assets to account. The zero token mints native value.
func (c *APIClient) Mint(ctx context.Context, token, account common.Address, amount *big.Int) (*ledger.Balances, error) {
	var resp ledger.Balances
	req := api.MintRequest{Token: token, Account: account, Amount: amount}
	if err := c.do(ctx, http.MethodPost, "/v1/devnet/mint", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams events matching filter to fn until ctx is done or the
// connection fails. It returns nil when ctx is cancelled.
func (c *APIClient) Watch(ctx context.Context, filter api.SubscriptionFilter, fn func(api.WebSocketMessage)) error {
	u, err := url.Parse(c.baseURL + "/v1/events/ws")
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if len(filter.Types) > 0 {
		names := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	if len(filter.Reports) > 0 {
		ids := make([]string, len(filter.Reports))
		for i, id := range filter.Reports {
			ids[i] = strconv.FormatUint(id, 10)
		}
		q.Set("reports", strings.Join(ids, ","))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg api.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		if msg.Type == "event" {
			fn(msg)
		}
	}
}

// DecodeEvent unpacks the event carried by a stream message
func DecodeEvent(msg api.WebSocketMessage) (events.Event, json.RawMessage, error) {
	var ev struct {
		events.Event
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return events.Event{}, nil, fmt.Errorf("invalid event: %w", err)
	}
	return ev.Event, ev.Data, nil
}
