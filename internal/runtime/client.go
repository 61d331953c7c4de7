package runtime

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

	"github.com/google/uuid"

	xerrors "ActionFlow/internal/errors"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const maxErrorBodyBytes = 4 << 10

// Route templates, used as low-cardinality endpoint labels.
const (
	RouteDecide        = "POST /api/agents/{agentId}/plugins/worker/actions/decide"
	RouteCreateSession = "POST /api/messaging/sessions"
	RouteGetSession    = "GET /api/messaging/sessions/{sessionId}"
	RouteSendMessage   = "POST /api/messaging/sessions/{sessionId}/messages"
	RouteUpdateResult  = "PATCH /api/agents/{agentId}/plugins/worker/action/{actionId}/result"
)

// Observer receives the outcome of every runtime call. status is 0 when no
// response was received.
type Observer interface {
	ObserveRuntimeCall(route string, status int, elapsed time.Duration)
}

// APIError carries a non-2xx response from the runtime.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("runtime responded %d", e.StatusCode)
	}
	return fmt.Sprintf("runtime responded %d: %s", e.StatusCode, e.Body)
}

// Client wraps the HTTP interactions with the remote agent runtime. It is
// constructed per user from that user's credentials and is safe for
// concurrent use.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	observer   Observer
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver records call metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient instantiates a client for the runtime described by creds.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "runtime base url is empty")
	}
	parsed, err := url.Parse(strings.TrimRight(creds.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid runtime base url")
	}
	c := &Client{
		baseURL:    parsed,
		apiKey:     creds.APIKey,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Decide records the user's decisions for a batch of actions.
func (c *Client) Decide(ctx context.Context, agentID string, decisions []DecisionItem) (*DecideResult, error) {
	agent, err := pathSegment("agentId", agentID)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("/api/agents/%s/plugins/worker/actions/decide", agent)
	var envelope struct {
		Data DecideResult `json:"data"`
	}
	body := struct {
		Decisions []DecisionItem `json:"decisions"`
	}{Decisions: decisions}
	if err := c.call(ctx, http.MethodPost, endpoint, RouteDecide, body, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// CreateSession opens one runtime conversation for a single action.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var session Session
	if err := c.call(ctx, http.MethodPost, "/api/messaging/sessions", RouteCreateSession, req, &session); err != nil {
		return nil, err
	}
	if session.SessionID == "" {
		return nil, xerrors.New(xerrors.CodeRemoteCallFailed, "runtime returned an empty session id",
			xerrors.WithEndpoint(http.MethodPost, "/api/messaging/sessions"))
	}
	return &session, nil
}

// GetSession fetches the routing coordinates of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionDetails, error) {
	id, err := pathSegment("sessionId", sessionID)
	if err != nil {
		return nil, err
	}
	endpoint := "/api/messaging/sessions/" + id
	var details SessionDetails
	if err := c.call(ctx, http.MethodGet, endpoint, RouteGetSession, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// SendMessage posts the trigger message into a session.
func (c *Client) SendMessage(ctx context.Context, sessionID string, msg MessageRequest) error {
	id, err := pathSegment("sessionId", sessionID)
	if err != nil {
		return err
	}
	endpoint := "/api/messaging/sessions/" + id + "/messages"
	return c.call(ctx, http.MethodPost, endpoint, RouteSendMessage, msg, nil)
}

// UpdateActionResult reports the final outcome of an action.
func (c *Client) UpdateActionResult(ctx context.Context, agentID, actionID string, result ActionResult) error {
	agent, err := pathSegment("agentId", agentID)
	if err != nil {
		return err
	}
	id, err := pathSegment("actionId", actionID)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("/api/agents/%s/plugins/worker/action/%s/result", agent, id)
	return c.call(ctx, http.MethodPatch, endpoint, RouteUpdateResult, result, nil)
}

// pathSegment escapes an opaque identifier for use as a single path segment.
func pathSegment(name, value string) (string, error) {
	switch value {
	case "", ".", "..":
		return "", xerrors.New(xerrors.CodeInvalidArgument, "invalid path segment",
			xerrors.WithMetadata("param", name), xerrors.WithMetadata("value", value))
	}
	return url.PathEscape(value), nil
}

// call expects endpoint to be escaped already; it is neither cleaned nor re-escaped.
func (c *Client) call(ctx context.Context, method, endpoint, route string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request", xerrors.WithEndpoint(method, endpoint))
		}
		body = bytes.NewReader(data)
	}

	rawPath := strings.TrimRight(c.baseURL.EscapedPath(), "/") + endpoint
	unescaped, err := url.PathUnescape(rawPath)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request path", xerrors.WithEndpoint(method, endpoint))
	}
	u := *c.baseURL
	u.Path, u.RawPath = unescaped, rawPath
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "create request", xerrors.WithEndpoint(method, endpoint))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(route, 0, time.Since(start))
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "perform request", xerrors.WithEndpoint(method, endpoint))
	}
	defer resp.Body.Close()
	c.observe(route, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, apiErr, "runtime call failed",
			xerrors.WithEndpoint(method, endpoint), xerrors.WithStatus(resp.StatusCode))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "decode response",
			xerrors.WithEndpoint(method, endpoint), xerrors.WithStatus(resp.StatusCode))
	}
	return nil
}

func (c *Client) observe(route string, status int, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRuntimeCall(route, status, elapsed)
	}
}
