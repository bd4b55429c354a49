package domain

import "time"

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusInReview   TaskStatus = "in_review"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// Statuses lists every task status in display order.
var Statuses = []TaskStatus{StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusBlocked}

func (s TaskStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

var Priorities = []TaskPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p TaskPriority) Valid() bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

type Organization struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Slug               string           `json:"slug"`
	SubscriptionTier   SubscriptionTier `json:"subscription_tier" enum:"free,pro,enterprise"`
	SubscriptionStatus string           `json:"subscription_status"`
	MaxUsers           int              `json:"max_users"`
	MaxProjects        int              `json:"max_projects"`
	MaxTasksPerProject int              `json:"max_tasks_per_project"`
	CreatedAt          time.Time        `json:"created_at"`
}

type User struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName falls back to the email when no full name is set.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

type Project struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Task struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status" enum:"todo,in_progress,in_review,done,blocked"`
	Priority    TaskPriority `json:"priority" enum:"low,medium,high,urgent"`
	AssigneeID  *string      `json:"assignee_id,omitempty"`
	CreatedByID string       `json:"created_by_id"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	// PriceCents is nil when the task carries no price.
	PriceCents *int64    `json:"price_cents,omitempty"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one immutable row of the tenant event log.
type Event struct {
	ID         int64          `json:"id"`
	OrgID      string         `json:"org_id"`
	Type       string         `json:"event_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Event types appended by mutations. The set is open; readers must not
// assume it is exhaustive.
const (
	EventProjectCreated    = "project_created"
	EventTaskCreated       = "task_created"
	EventTaskUpdated       = "task_updated"
	EventTaskStatusChanged = "task_status_changed"
	EventTaskCompleted     = "task_completed"
	EventTaskArchived      = "task_archived"
	EventTaskDeleted       = "task_deleted"
)

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}
