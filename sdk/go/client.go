package sdk

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

	"github.com/gorilla/websocket"

	"teampoints/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the teampoints HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Process submits an action event. A 500 carrying a partial report is
// returned as both the report and an *APIError.
func (c *Client) Process(ctx context.Context, actionType string, participants core.Participants) (ProcessReport, error) {
	if strings.TrimSpace(actionType) == "" {
		return ProcessReport{}, errors.New("actionType is required")
	}
	body := map[string]any{"actionType": actionType, "participants": participants}
	var report ProcessReport
	err := c.do(ctx, http.MethodPost, "/events", body, &report)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Details) > 0 {
		_ = json.Unmarshal(apiErr.Details, &report)
	}
	return report, err
}

// Rules lists the loaded rules ordered by name.
func (c *Client) Rules(ctx context.Context) ([]core.RuleDefinition, error) {
	var rules []core.RuleDefinition
	return rules, c.do(ctx, http.MethodGet, "/rules", nil, &rules)
}

// Rule fetches one rule by name.
func (c *Client) Rule(ctx context.Context, name string) (core.RuleDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return core.RuleDefinition{}, ErrEmptyID
	}
	var rule core.RuleDefinition
	return rule, c.do(ctx, http.MethodGet, "/rules/"+url.PathEscape(name), nil, &rule)
}

// AddRule registers a new rule at runtime.
func (c *Client) AddRule(ctx context.Context, rule core.RuleDefinition) error {
	return c.do(ctx, http.MethodPost, "/rules", rule, nil)
}

// ReloadRules asks the server to re-read its rule source and returns the
// number of rules loaded.
func (c *Client) ReloadRules(ctx context.Context) (int, error) {
	var body struct {
		Loaded int `json:"loaded"`
	}
	err := c.do(ctx, http.MethodPost, "/rules/reload", nil, &body)
	return body.Loaded, err
}

// Groups lists groups ordered by total points.
func (c *Client) Groups(ctx context.Context) ([]core.Group, error) {
	var groups []core.Group
	return groups, c.do(ctx, http.MethodGet, "/groups", nil, &groups)
}

// Group fetches a group and its members.
func (c *Client) Group(ctx context.Context, id core.GroupID) (Group, error) {
	if strings.TrimSpace(string(id)) == "" {
		return Group{}, ErrEmptyID
	}
	var g Group
	return g, c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(string(id)), nil, &g)
}

// GroupHistory returns the group's history, optionally limited to one rule.
func (c *Client) GroupHistory(ctx context.Context, id core.GroupID, rule string) ([]core.HistoryEntry, error) {
	if strings.TrimSpace(string(id)) == "" {
		return nil, ErrEmptyID
	}
	path := "/groups/" + url.PathEscape(string(id)) + "/history"
	if rule != "" {
		path += "?rule=" + url.QueryEscape(rule)
	}
	var history []core.HistoryEntry
	return history, c.do(ctx, http.MethodGet, path, nil, &history)
}

// CapStatus reports the group's accumulator for a capped rule.
func (c *Client) CapStatus(ctx context.Context, id core.GroupID, rule string) (CapStatus, error) {
	if strings.TrimSpace(string(id)) == "" || strings.TrimSpace(rule) == "" {
		return CapStatus{}, ErrEmptyID
	}
	var st CapStatus
	path := fmt.Sprintf("/groups/%s/caps/%s", url.PathEscape(string(id)), url.PathEscape(rule))
	return st, c.do(ctx, http.MethodGet, path, nil, &st)
}

// Persons lists persons ordered by total points.
func (c *Client) Persons(ctx context.Context) ([]core.Person, error) {
	var persons []core.Person
	return persons, c.do(ctx, http.MethodGet, "/persons", nil, &persons)
}

// Person fetches one person with their total.
func (c *Client) Person(ctx context.Context, id core.PersonID) (Person, error) {
	if strings.TrimSpace(string(id)) == "" {
		return Person{}, ErrEmptyID
	}
	var p Person
	return p, c.do(ctx, http.MethodGet, "/persons/"+url.PathEscape(string(id)), nil, &p)
}

// GroupLeaderboard returns the top groups.
func (c *Client) GroupLeaderboard(ctx context.Context, limit int) ([]RankEntry, error) {
	var out []RankEntry
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/leaderboard/groups?limit=%d", limit), nil, &out)
}

// PersonLeaderboard returns the top persons.
func (c *Client) PersonLeaderboard(ctx context.Context, limit int) ([]RankEntry, error) {
	var out []RankEntry
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/leaderboard/persons?limit=%d", limit), nil, &out)
}

// Health probes /healthz and returns status + checks.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	return hs, c.do(ctx, http.MethodGet, "/healthz", nil, &hs)
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A group or person narrows the stream; empty values receive everything.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, group core.GroupID, person core.PersonID, types ...core.EventType) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if group != "" {
		q.Set("group", string(group))
	}
	if person != "" {
		q.Set("person", string(person))
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
