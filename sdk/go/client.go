package taskforgesdk

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

// Client is a minimal Taskforge HTTP API client.
type Client struct {
	BaseURL    string
	ProjectID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	MilestoneID string   `json:"milestone_id"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Priority    string   `json:"priority"`
	Status      string   `json:"status"`
	DependsOn   []string `json:"depends_on"`
	CreatedAt   string   `json:"created_at"`
}

// Milestone represents the API milestone model.
type Milestone struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	SuccessCriteria string `json:"success_criteria"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// Message represents a log entry from the project transcript.
type Message struct {
	ID        int64          `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// DispatchResult reports the outcome of a dispatch run.
type DispatchResult struct {
	TaskID    string   `json:"task_id"`
	AgentID   string   `json:"agent_id"`
	Attempts  int      `json:"attempts"`
	Completed bool     `json:"completed"`
	State     string   `json:"state"`
	Trail     []string `json:"trail"`
	Response  string   `json:"response,omitempty"`
}

// MilestoneReport summarizes one milestone's progress.
type MilestoneReport struct {
	MilestoneID string  `json:"milestone_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	TotalTasks  int     `json:"total_tasks"`
	Completed   int     `json:"completed"`
	Blocked     int     `json:"blocked"`
}

// ProjectReport summarizes overall project progress.
type ProjectReport struct {
	ProjectID       string            `json:"project_id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	OverallProgress float64           `json:"overall_progress"`
	TotalTasks      int               `json:"total_tasks"`
	Completed       int               `json:"completed"`
	Milestones      []MilestoneReport `json:"milestones"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedMessages wraps message listings with cursors.
type PaginatedMessages struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateMilestone creates a milestone.
func (c *Client) CreateMilestone(ctx context.Context, title, description, successCriteria string) (Milestone, error) {
	body := map[string]any{
		"title":            title,
		"description":      description,
		"success_criteria": successCriteria,
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, c.projectPath("milestones"), body, &resp)
	return resp, err
}

// CreateTask creates a task under a milestone.
func (c *Client) CreateTask(ctx context.Context, milestoneID, title, priority string, dependsOn ...string) (Task, error) {
	body := map[string]any{
		"milestone_id": milestoneID,
		"title":        title,
	}
	if priority != "" {
		body["priority"] = priority
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath("tasks/" + url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetTaskStatus transitions a task.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status, reason string) (Task, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Dispatch runs a task through the orchestrator.
func (c *Client) Dispatch(ctx context.Context, taskID string) (DispatchResult, error) {
	var resp DispatchResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/dispatch", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// TasksPage returns a paginated task listing.
func (c *Client) TasksPage(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.listEndpoint("tasks", limit, cursor)
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MessagesPage returns a paginated message listing.
func (c *Client) MessagesPage(ctx context.Context, limit int, cursor string) (PaginatedMessages, error) {
	endpoint := c.listEndpoint("messages", limit, cursor)
	var resp PaginatedMessages
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Report returns the project progress report.
func (c *Client) Report(ctx context.Context) (ProjectReport, error) {
	var resp ProjectReport
	err := c.do(ctx, http.MethodGet, c.projectPath("report"), nil, &resp)
	return resp, err
}

func (c *Client) listEndpoint(resource string, limit int, cursor string) string {
	endpoint := c.projectPath(resource)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
