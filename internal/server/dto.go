package server

import (
	"math"
	"time"

	"taskpulse/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty" example:"#3B82F6"`
}

type CreateTaskRequest struct {
	Title       string     `json:"title" minLength:"1"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty" enum:"todo,in_progress,in_review,done,blocked"`
	Priority    string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Price       *float64   `json:"price,omitempty" minimum:"0"`
}

// UpdateTaskRequest fields left out are unchanged. An explicit null clears
// assignee_id, due_date and price.
type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty" enum:"todo,in_progress,in_review,done,blocked"`
	Priority    *string    `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AssigneeID  *string    `json:"assignee_id,omitempty" nullable:"true"`
	DueDate     *time.Time `json:"due_date,omitempty" nullable:"true"`
	Price       *float64   `json:"price,omitempty" nullable:"true" minimum:"0"`
}

type RunJobRequest struct {
	BatchID    string     `json:"batch_id,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Date       string     `json:"date,omitempty" format:"date"`
	DaysToKeep int        `json:"days_to_keep,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ProjectResponse struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

type TaskResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status" enum:"todo,in_progress,in_review,done,blocked"`
	Priority    string     `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	CreatedByID string     `json:"created_by_id"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	IsArchived  bool       `json:"is_archived"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	OrgID      string         `json:"org_id"`
	Type       string         `json:"event_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type MeResponse struct {
	UserID      string   `json:"user_id"`
	OrgID       string   `json:"org_id"`
	Email       string   `json:"email"`
	FullName    string   `json:"full_name,omitempty"`
	IsAdmin     bool     `json:"is_admin"`
	Permissions []string `json:"permissions"`
}

type SubscriptionResponse struct {
	Tier   string `json:"tier" enum:"free,pro,enterprise"`
	Status string `json:"status"`
	Limits struct {
		MaxUsers           int `json:"max_users"`
		MaxProjects        int `json:"max_projects"`
		MaxTasksPerProject int `json:"max_tasks_per_project"`
	} `json:"limits"`
	Usage struct {
		Users    int `json:"users"`
		Projects int `json:"projects"`
	} `json:"usage"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OrgID:       p.OrgID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		Color:       p.Color,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssigneeID:  t.AssigneeID,
		CreatedByID: t.CreatedByID,
		DueDate:     t.DueDate,
		CompletedAt: t.CompletedAt,
		IsArchived:  t.IsArchived,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.PriceCents != nil {
		amount := float64(*t.PriceCents) / 100
		res.Price = &amount
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

// priceCents converts a decimal amount to integer cents.
func priceCents(amount *float64) *int64 {
	if amount == nil {
		return nil
	}
	c := int64(math.Round(*amount * 100))
	return &c
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
