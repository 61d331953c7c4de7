// Package actionflow is a Go client for the actionflowd control API.
package actionflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Accept calls wait for session setup on every accepted action, so it is
// longer than a typical REST timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Action is a proposed operation awaiting a user decision.
type Action struct {
	ID             string `json:"id"`
	ActionType     string `json:"actionType"`
	TriggerMessage string `json:"triggerMessage,omitempty"`
}

// Failure describes why a single action could not be executed.
type Failure struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// BatchResult is the per-action outcome of an accept or reject call.
type BatchResult struct {
	Executed []string           `json:"executed"`
	Rejected []string           `json:"rejected"`
	Failed   map[string]Failure `json:"failed"`
}

// Session is a live action session tracked by the daemon.
type Session struct {
	ActionID           string    `json:"actionId"`
	SessionID          string    `json:"sessionId"`
	ChannelID          string    `json:"channelId"`
	ServerID           string    `json:"serverId"`
	ExpectedActionType string    `json:"expectedActionType"`
	CreatedAt          time.Time `json:"createdAt"`
	Deadline           time.Time `json:"deadline,omitempty"`
}

// Health reports daemon liveness and the broadcast transport state.
type Health struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
}

// APIError represents an error response from the control API.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("actionflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("actionflow api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the actionflowd control API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient instantiates a client for the control API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Accept submits an accept decision for the given actions.
func (c *Client) Accept(ctx context.Context, actions ...Action) (BatchResult, error) {
	return c.decide(ctx, "/api/v1/actions/accept", actions)
}

// Reject submits a reject decision for the given actions.
func (c *Client) Reject(ctx context.Context, actions ...Action) (BatchResult, error) {
	return c.decide(ctx, "/api/v1/actions/reject", actions)
}

// Sessions lists the sessions currently awaiting a target broadcast.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Count    int       `json:"count"`
		Sessions []Session `json:"sessions"`
	}
	if err := c.get(ctx, "/api/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Health fetches the daemon health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (c *Client) decide(ctx context.Context, endpoint string, actions []Action) (BatchResult, error) {
	var result BatchResult
	payload := struct {
		Actions []Action `json:"actions"`
	}{Actions: actions}
	if err := c.post(ctx, endpoint, payload, &result); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
