package txflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TxFlow Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents the username and password used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// FlowRequest represents the payload required to start a transaction flow.
// Addresses are hex strings and amounts are decimal strings so that callers
// do not need the go-ethereum types.
type FlowRequest struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Protocol string          `json:"protocol,omitempty"`
	Params   map[string]any  `json:"params,omitempty"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	Value    json.Number     `json:"value,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	ChainID  uint64          `json:"chain_id"`
	Metadata RequestMetadata `json:"metadata"`
}

// RequestMetadata carries caller supplied context for a flow.
type RequestMetadata struct {
	UserID               string `json:"user_id,omitempty"`
	Description          string `json:"description,omitempty"`
	RiskLevel            string `json:"risk_level,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Priority             int    `json:"priority,omitempty"`
}

// Flow is the client side view of a transaction flow snapshot. The prepared,
// signed and receipt payloads are kept raw so the SDK stays decoupled from the
// server's transaction types.
type Flow struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Request   FlowRequest     `json:"request"`
	Prepared  json.RawMessage `json:"prepared,omitempty"`
	Signed    json.RawMessage `json:"signed,omitempty"`
	Receipt   json.RawMessage `json:"receipt,omitempty"`
	LastError *FlowError      `json:"last_error,omitempty"`
	Attempts  int             `json:"attempts"`
	History   []FlowEvent     `json:"history"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// FlowError represents flow level failures.
type FlowError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FlowEvent is a single status transition in a flow's history.
type FlowEvent struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Confirmation summarises the cost of a flow awaiting user approval.
type Confirmation struct {
	FlowID        string          `json:"flow_id"`
	Request       FlowRequest     `json:"request"`
	Prepared      json.RawMessage `json:"prepared"`
	EstimatedCost json.Number     `json:"estimated_cost"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Statistics aggregates flow outcomes on the server.
type Statistics struct {
	TotalFlows            int64            `json:"total_flows"`
	SuccessfulFlows       int64            `json:"successful_flows"`
	FailedFlows           int64            `json:"failed_flows"`
	CancelledFlows        int64            `json:"cancelled_flows"`
	ByType                map[string]int64 `json:"by_type"`
	AverageGasUsed        float64          `json:"average_gas_used"`
	AverageConfirmationMS float64          `json:"average_confirmation_ms"`
	TotalGasSpent         json.Number      `json:"total_gas_spent"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("txflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("txflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TxFlow Chain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. Servers running without authentication do not expose the
// token endpoint, in which case a 404 APIError is returned and the client can
// be used without a token.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	payload := struct {
		GrantType string `json:"grant_type"`
		Username  string `json:"username"`
		Password  string `json:"password"`
	}{GrantType: "password", Username: creds.Username, Password: creds.Password}
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", payload, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// CreateFlow starts a transaction flow and waits for the synchronous outcome.
// Flows that require confirmation come back in status awaiting_confirmation.
func (c *Client) CreateFlow(ctx context.Context, req FlowRequest) (Flow, error) {
	var f Flow
	if err := c.post(ctx, "/api/v1/flows", req, &f, true); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// QueueFlow enqueues a transaction request for asynchronous processing and
// returns the request identifier assigned by the server.
func (c *Client) QueueFlow(ctx context.Context, req FlowRequest) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.post(ctx, "/api/v1/flows/queue", req, &out, true); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// GetFlow fetches a flow snapshot by identifier.
func (c *Client) GetFlow(ctx context.Context, flowID string) (Flow, error) {
	var f Flow
	endpoint := "/api/v1/flows/" + url.PathEscape(flowID)
	if err := c.get(ctx, endpoint, &f, true); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// ListFlows returns the most recent flows belonging to a user.
func (c *Client) ListFlows(ctx context.Context, userID string, limit int) ([]Flow, error) {
	endpoint := fmt.Sprintf("/api/v1/flows?user=%s", url.QueryEscape(userID))
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var flows []Flow
	if err := c.get(ctx, endpoint, &flows, true); err != nil {
		return nil, err
	}
	return flows, nil
}

// GetConfirmation returns the cost summary for a flow awaiting approval.
func (c *Client) GetConfirmation(ctx context.Context, flowID string) (Confirmation, error) {
	var conf Confirmation
	endpoint := "/api/v1/flows/" + url.PathEscape(flowID) + "/confirmation"
	if err := c.get(ctx, endpoint, &conf, true); err != nil {
		return Confirmation{}, err
	}
	return conf, nil
}

// Confirm approves or rejects a flow awaiting confirmation and returns the
// resulting snapshot.
func (c *Client) Confirm(ctx context.Context, flowID string, approved bool, reason string) (Flow, error) {
	payload := struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason,omitempty"`
	}{Approved: approved, Reason: reason}
	var f Flow
	endpoint := "/api/v1/flows/" + url.PathEscape(flowID) + "/confirm"
	if err := c.post(ctx, endpoint, payload, &f, true); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// Cancel aborts a flow that has not reached a terminal state.
func (c *Client) Cancel(ctx context.Context, flowID, reason string) error {
	payload := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	endpoint := "/api/v1/flows/" + url.PathEscape(flowID) + "/cancel"
	return c.post(ctx, endpoint, payload, nil, true)
}

// Retry re-runs a failed flow and returns the new snapshot.
func (c *Client) Retry(ctx context.Context, flowID string) (Flow, error) {
	var f Flow
	endpoint := "/api/v1/flows/" + url.PathEscape(flowID) + "/retry"
	if err := c.post(ctx, endpoint, struct{}{}, &f, true); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// GetStatistics fetches aggregate flow metrics.
func (c *Client) GetStatistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	if err := c.get(ctx, "/api/v1/statistics", &stats, true); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		// The token is optional: servers with authentication disabled accept
		// bare requests.
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
