package aipilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AI Pilot HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Build represents the API build model (partial).
type Build struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Prompt        string  `json:"prompt"`
	AppName       string  `json:"app_name,omitempty"`
	Status        string  `json:"status"`
	PreviewURL    *string `json:"preview_url,omitempty"`
	ProductionURL *string `json:"production_url,omitempty"`
	ExportURL     *string `json:"export_url,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Command    string   `json:"command"`
	Result     *string  `json:"result,omitempty"`
	Status     string   `json:"status"`
	Cost       *float64 `json:"cost,omitempty"`
	CostFlag   bool     `json:"cost_flagged"`
	ParentID   *string  `json:"parent_id,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Agent is a named role that executes commands.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// ChainStep reports how one task in a chain fared.
type ChainStep struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	State   string `json:"state"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChainReport summarizes a chain run.
type ChainReport struct {
	RootID    string      `json:"root_id"`
	Steps     []ChainStep `json:"steps"`
	Completed int         `json:"completed"`
	Failed    bool        `json:"failed"`
}

// BudgetSettings is the monthly limit and kill multiplier.
type BudgetSettings struct {
	MonthlyLimit  float64 `json:"monthly_limit"`
	KillThreshold float64 `json:"kill_threshold"`
}

// BudgetStatus is the current month's standing.
type BudgetStatus struct {
	Used     float64 `json:"used"`
	Limit    float64 `json:"limit"`
	Severity string  `json:"severity"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development bearer token and stores it on the client.
// The server must run with dev login enabled.
func (c *Client) DevLogin(ctx context.Context, userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// SubmitBuild starts a build from a prompt. The returned build is in
// processing state; poll GetBuild for the outcome.
func (c *Client) SubmitBuild(ctx context.Context, prompt string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, "builds", map[string]string{"prompt": prompt}, &resp)
	return resp, err
}

// GetBuild fetches one build by id.
func (c *Client) GetBuild(ctx context.Context, id string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodGet, "builds/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// PaginatedBuilds wraps list responses with cursors.
type PaginatedBuilds struct {
	Items      []Build `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListBuilds returns one page of the caller's build history.
func (c *Client) ListBuilds(ctx context.Context, status string, limit int, cursor string) (PaginatedBuilds, error) {
	endpoint := "builds"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedBuilds
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RemixBuild re-submits a prior build's prompt as a new build.
func (c *Client) RemixBuild(ctx context.Context, id string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, "builds/"+url.PathEscape(id)+"/remix", nil, &resp)
	return resp, err
}

// ExportBuild returns a signed, expiring download URL for a completed build.
func (c *Client) ExportBuild(ctx context.Context, id string) (string, error) {
	return c.buildAction(ctx, id, "export")
}

// PreviewBuild returns the build's preview URL, assigning one if needed.
func (c *Client) PreviewBuild(ctx context.Context, id string) (string, error) {
	return c.buildAction(ctx, id, "preview")
}

// DeployBuild returns the build's production URL, assigning one if needed.
func (c *Client) DeployBuild(ctx context.Context, id string) (string, error) {
	return c.buildAction(ctx, id, "deploy")
}

func (c *Client) buildAction(ctx context.Context, id, action string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	endpoint := fmt.Sprintf("builds/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.URL, err
}

// CancelBuild aborts a build that is still processing.
func (c *Client) CancelBuild(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "builds/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ListAgents returns the agent roster.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// RunTask executes one command against an agent and blocks until it settles.
func (c *Client) RunTask(ctx context.Context, agentID, command string) (Task, error) {
	body := map[string]any{"agent_id": agentID, "command": command}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// QueueTask records a task without executing it, for later chain runs.
func (c *Client) QueueTask(ctx context.Context, agentID, command string, parentID *string) (Task, error) {
	body := map[string]any{"agent_id": agentID, "command": command, "queue": true}
	if parentID != nil {
		body["parent_id"] = *parentID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunChain executes the chain rooted at a task, in order.
func (c *Client) RunChain(ctx context.Context, rootID string) (ChainReport, error) {
	var resp ChainReport
	endpoint := fmt.Sprintf("tasks/%s/chain", url.PathEscape(rootID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// BudgetSettings returns the current limit and kill threshold.
func (c *Client) BudgetSettings(ctx context.Context) (BudgetSettings, error) {
	var resp BudgetSettings
	err := c.do(ctx, http.MethodGet, "budget", nil, &resp)
	return resp, err
}

// UpdateBudget changes the settings. Leader only.
func (c *Client) UpdateBudget(ctx context.Context, monthlyLimit, killThreshold float64) (BudgetSettings, error) {
	body := map[string]float64{
		"monthly_limit":  monthlyLimit,
		"kill_threshold": killThreshold,
	}
	var resp BudgetSettings
	err := c.do(ctx, http.MethodPatch, "budget", body, &resp)
	return resp, err
}

// BudgetUsage returns the current month's spend and severity band.
func (c *Client) BudgetUsage(ctx context.Context) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodGet, "budget/usage", nil, &resp)
	return resp, err
}

// EstimateCost prices a command without running it.
func (c *Client) EstimateCost(ctx context.Context, command string) (float64, error) {
	var resp struct {
		Amount float64 `json:"amount"`
	}
	endpoint := "budget/estimate?command=" + url.QueryEscape(command)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Amount, err
}

// Events returns recent audit events after the given cursor (0 for the
// most recent page).
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
