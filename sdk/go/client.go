package taskpulsesdk

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

// Client is a minimal TaskPulse HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	IsArchived  bool       `json:"is_archived"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"event_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Contributor struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	TaskCount int    `json:"task_count"`
}

// Dashboard mirrors GET /analytics/dashboard.
type Dashboard struct {
	TotalTasks             int                `json:"total_tasks"`
	TasksByStatus          map[string]int     `json:"tasks_by_status"`
	TasksByPriority        map[string]int     `json:"tasks_by_priority"`
	TasksCompletedToday    int                `json:"tasks_completed_today"`
	TasksCompletedThisWeek int                `json:"tasks_completed_this_week"`
	AvgCompletionHours     *float64           `json:"average_completion_time_hours"`
	TasksOverdue           int                `json:"tasks_overdue"`
	ProductivityScore      float64            `json:"productivity_score"`
	TopContributors        []Contributor      `json:"top_contributors"`
	TotalPrice             float64            `json:"total_price"`
	PriceByStatus          map[string]float64 `json:"price_by_status"`
	PriceByPriority        map[string]float64 `json:"price_by_priority"`
}

type TimeSeriesPoint struct {
	Date           string `json:"date"`
	TasksCreated   int    `json:"tasks_created"`
	TasksCompleted int    `json:"tasks_completed"`
}

// JobResult is the outcome of POST /jobs/{name}. Data is left raw since its
// shape depends on the job.
type JobResult struct {
	Job        string          `json:"job"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	OrgID      string          `json:"organization_id,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked the caller to try again later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// CreateProject creates a project in the caller's organization.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, projectID, title, priority string) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// SetTaskStatus moves a task to status.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%s", url.PathEscape(taskID)), map[string]any{"status": status}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Dashboard fetches dashboard metrics. days <= 0 uses the server default.
func (c *Client) Dashboard(ctx context.Context, days int) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, withQuery("analytics/dashboard", daysQuery(days)), nil, &resp)
	return resp, err
}

// TimeSeries fetches one point per day, oldest first.
func (c *Client) TimeSeries(ctx context.Context, days int) ([]TimeSeriesPoint, error) {
	var resp []TimeSeriesPoint
	err := c.do(ctx, http.MethodGet, withQuery("analytics/timeseries", daysQuery(days)), nil, &resp)
	return resp, err
}

// RunJob runs a job for the caller's organization. params may be nil.
func (c *Client) RunJob(ctx context.Context, name string, params map[string]any) (JobResult, error) {
	var resp JobResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s", url.PathEscape(name)), params, &resp)
	return resp, err
}

func daysQuery(days int) url.Values {
	q := url.Values{}
	if days > 0 {
		q.Set("days", fmt.Sprint(days))
	}
	return q
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
