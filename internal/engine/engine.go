package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/events"
	"taskpulse/internal/repo"
)

// ErrLimitReached is returned when a subscription limit blocks a creation.
var ErrLimitReached = errors.New("subscription limit reached")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.New(conn, dialect),
		Events: events.Writer{Dialect: dialect},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

// writer stamps events with the engine clock.
func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// TierLimits returns the default limits applied to a new organization.
func TierLimits(tier domain.SubscriptionTier) (users, projects, tasksPerProject int) {
	switch tier {
	case domain.TierPro:
		return 25, 50, 1000
	case domain.TierEnterprise:
		return 500, 1000, 10000
	default:
		return 5, 3, 100
	}
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its alphanumeric runs with dashes.
func Slugify(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

type OrgCreateOptions struct {
	ID   string
	Name string
	Slug string
	Tier domain.SubscriptionTier
}

func (e Engine) CreateOrg(ctx context.Context, opts OrgCreateOptions) (domain.Organization, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Organization{}, ValidationError{Field: "name", Message: "required"}
	}
	if opts.Tier == "" {
		opts.Tier = domain.TierFree
	}
	switch opts.Tier {
	case domain.TierFree, domain.TierPro, domain.TierEnterprise:
	default:
		return domain.Organization{}, ValidationError{Field: "tier", Message: fmt.Sprintf("unknown tier %q", opts.Tier)}
	}
	if opts.Slug == "" {
		opts.Slug = Slugify(opts.Name)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	users, projects, tasks := TierLimits(opts.Tier)
	o := domain.Organization{
		ID:                 opts.ID,
		Name:               opts.Name,
		Slug:               opts.Slug,
		SubscriptionTier:   opts.Tier,
		SubscriptionStatus: "active",
		MaxUsers:           users,
		MaxProjects:        projects,
		MaxTasksPerProject: tasks,
		CreatedAt:          e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

type UserCreateOptions struct {
	ID       string
	OrgID    string
	Email    string
	FullName string
	IsAdmin  bool
}

// CreateUser adds a member to an organization, enforcing max_users.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, ValidationError{Field: "email", Message: "valid email required"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	org, err := e.Repo.GetOrg(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.User{}, err
	}
	n, err := e.Repo.CountUsers(ctx, tx, org.ID)
	if err != nil {
		return domain.User{}, err
	}
	if n >= org.MaxUsers {
		return domain.User{}, fmt.Errorf("%w: %d users", ErrLimitReached, org.MaxUsers)
	}
	u := domain.User{
		ID:        opts.ID,
		OrgID:     org.ID,
		Email:     email,
		FullName:  strings.TrimSpace(opts.FullName),
		IsAdmin:   opts.IsAdmin,
		IsActive:  true,
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

type ProjectCreateOptions struct {
	OrgID       string
	Name        string
	Description string
	Color       string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, ValidationError{Field: "name", Message: "required"}
	}
	if opts.Color == "" {
		opts.Color = "#3B82F6"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	org, err := e.Repo.GetOrg(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.Project{}, err
	}
	n, err := e.Repo.CountProjects(ctx, tx, org.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if n >= org.MaxProjects {
		return domain.Project{}, fmt.Errorf("%w: %d projects", ErrLimitReached, org.MaxProjects)
	}
	now := e.now()
	p := domain.Project{
		ID:          uuid.NewString(),
		OrgID:       org.ID,
		OwnerID:     opts.ActorID,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		Color:       opts.Color,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.writer().Append(ctx, tx, org.ID, domain.EventProjectCreated, p.ID, p.ID, opts.ActorID, events.EventPayload{
		"name": p.Name,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	OrgID       string
	ProjectID   string
	Title       string
	Description string
	Status      domain.TaskStatus
	Priority    domain.TaskPriority
	AssigneeID  string
	DueDate     *time.Time
	PriceCents  *int64
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{Field: "title", Message: "required"}
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Status.Valid() {
		return domain.Task{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	if opts.PriceCents != nil && *opts.PriceCents < 0 {
		return domain.Task{}, ValidationError{Field: "price", Message: "must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	org, err := e.Repo.GetOrg(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetProject(ctx, tx, org.ID, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	n, err := e.Repo.CountTasksInProject(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if n >= org.MaxTasksPerProject {
		return domain.Task{}, fmt.Errorf("%w: %d tasks per project", ErrLimitReached, org.MaxTasksPerProject)
	}
	if err := e.ensureMember(ctx, tx, org.ID, opts.AssigneeID); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      opts.Status,
		Priority:    opts.Priority,
		AssigneeID:  optionalString(opts.AssigneeID),
		CreatedByID: opts.ActorID,
		DueDate:     opts.DueDate,
		PriceCents:  opts.PriceCents,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Status == domain.StatusDone {
		t.CompletedAt = &now
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.writer().Append(ctx, tx, org.ID, domain.EventTaskCreated, t.ProjectID, t.ID, opts.ActorID, events.Change(nil, snapshot(t))); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions carries the fields to change; nil means unchanged.
// An empty AssigneeID clears the assignee.
type TaskUpdateOptions struct {
	OrgID        string
	ID           string
	Title        *string
	Description  *string
	Status       *domain.TaskStatus
	Priority     *domain.TaskPriority
	AssigneeID   *string
	DueDate      *time.Time
	ClearDueDate bool
	PriceCents   *int64
	ClearPrice   bool
	ActorID      string
}

// UpdateTask applies opts and appends one event: task_completed when the
// task enters done, task_status_changed for other status moves, otherwise
// task_updated.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, opts.OrgID, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	before := snapshot(t)
	oldStatus := t.Status
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Task{}, ValidationError{Field: "title", Message: "required"}
		}
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return domain.Task{}, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *opts.Priority)}
		}
		t.Priority = *opts.Priority
	}
	if opts.AssigneeID != nil {
		if err := e.ensureMember(ctx, tx, opts.OrgID, *opts.AssigneeID); err != nil {
			return domain.Task{}, err
		}
		t.AssigneeID = optionalString(*opts.AssigneeID)
	}
	if opts.ClearDueDate {
		t.DueDate = nil
	} else if opts.DueDate != nil {
		t.DueDate = opts.DueDate
	}
	if opts.ClearPrice {
		t.PriceCents = nil
	} else if opts.PriceCents != nil {
		if *opts.PriceCents < 0 {
			return domain.Task{}, ValidationError{Field: "price", Message: "must not be negative"}
		}
		t.PriceCents = opts.PriceCents
	}
	now := e.now()
	if opts.Status != nil && *opts.Status != t.Status {
		if !opts.Status.Valid() {
			return domain.Task{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *opts.Status)}
		}
		t.Status = *opts.Status
		if t.Status == domain.StatusDone {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	evtType := domain.EventTaskUpdated
	switch {
	case t.Status != oldStatus && t.Status == domain.StatusDone:
		evtType = domain.EventTaskCompleted
	case t.Status != oldStatus:
		evtType = domain.EventTaskStatusChanged
	}
	if err := e.writer().Append(ctx, tx, opts.OrgID, evtType, t.ProjectID, t.ID, opts.ActorID, events.Change(before, snapshot(t))); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ArchiveTask hides a task from default listings. Archiving twice is a no-op
// that appends nothing.
func (e Engine) ArchiveTask(ctx context.Context, orgID, id, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, orgID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.IsArchived {
		return t, nil
	}
	before := snapshot(t)
	t.IsArchived = true
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.writer().Append(ctx, tx, orgID, domain.EventTaskArchived, t.ProjectID, t.ID, actorID, events.Change(before, snapshot(t))); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, orgID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, orgID, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, orgID, domain.EventTaskDeleted, t.ProjectID, t.ID, actorID, events.Change(snapshot(t), nil)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ensureMember(ctx context.Context, q repo.Querier, orgID, userID string) error {
	if userID == "" {
		return nil
	}
	u, err := e.Repo.GetUser(ctx, q, userID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && u.OrgID != orgID) {
		return ValidationError{Field: "assignee_id", Message: "not a member of this organization"}
	}
	return err
}

// snapshot is the event payload form of a task.
func snapshot(t domain.Task) map[string]any {
	m := map[string]any{
		"title":       t.Title,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"is_archived": t.IsArchived,
	}
	if t.AssigneeID != nil {
		m["assignee_id"] = *t.AssigneeID
	}
	if t.DueDate != nil {
		m["due_date"] = repo.FormatTime(*t.DueDate)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = repo.FormatTime(*t.CompletedAt)
	}
	if t.PriceCents != nil {
		m["price_cents"] = *t.PriceCents
	}
	return m
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
