package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task mirrors the API task model.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Bounty          string     `json:"bounty"`
	BountyBaseUnits string     `json:"bountyBaseUnits"`
	Status          string     `json:"status"`
	PosterAddress   string     `json:"posterAddress"`
	AssignedAgent   string     `json:"assignedAgent,omitempty"`
	Result          string     `json:"result,omitempty"`
	PaymentTxID     string     `json:"paymentTxId,omitempty"`
	Settlement      string     `json:"settlement,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	WalletAddress  string    `json:"walletAddress"`
	Capabilities   []string  `json:"capabilities"`
	TasksCompleted int       `json:"tasksCompleted"`
	TotalEarned    string    `json:"totalEarned"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}

type Stats struct {
	TotalTasks     int    `json:"totalTasks"`
	OpenTasks      int    `json:"openTasks"`
	CompletedTasks int    `json:"completedTasks"`
	TotalAgents    int    `json:"totalAgents"`
	TotalPaid      string `json:"totalPaid"`
}

type Health struct {
	Status      string    `json:"status"`
	Service     string    `json:"service"`
	Facilitator string    `json:"facilitator"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// CreateTaskInput is the body of CreateTask. Category may be empty.
type CreateTaskInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category,omitempty"`
	Bounty        string `json:"bounty"`
	PosterAddress string `json:"posterAddress"`
}

type RegisterAgentInput struct {
	Name          string   `json:"name"`
	WalletAddress string   `json:"walletAddress"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status   string
	Category string
}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// CreateTask posts a task with a bounty.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Tasks, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) AcceptTask(ctx context.Context, taskID, agentID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/accept", map[string]string{"agentId": agentID}, &resp)
	return resp, err
}

func (c *Client) SubmitResult(ctx context.Context, taskID, agentID, result string) (Task, error) {
	var resp Task
	body := map[string]string{"agentId": agentID, "result": result}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/submit", body, &resp)
	return resp, err
}

// ApproveTask approves a submitted result and returns the settled task.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/approve", nil, &resp)
	return resp, err
}

func (c *Client) RegisterAgent(ctx context.Context, in RegisterAgentInput) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents/register", in, &resp)
	return resp, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Agents, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events lists journal entries newest first.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]Event, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.EntityKind != "" {
		q.Set("entity_kind", f.EntityKind)
	}
	if f.EntityID != "" {
		q.Set("entity_id", f.EntityID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Events, err
}

func (c *Client) Event(ctx context.Context, id int64) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, "events/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return parseAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
