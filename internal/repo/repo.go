package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/db"
	"taskpulse/internal/domain"
)

// Repo is the SQL access layer. Every tenant-facing query carries an
// org_id predicate; callers never filter tenants after the fact.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// FormatTime renders timestamps the way they are stored: second precision
// RFC3339 in UTC, so lexical order equals chronological order.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return FormatTime(*v)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- projects ---

const projectColumns = `id,org_id,owner_id,name,COALESCE(description,''),color,is_active,created_at,updated_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var active int
	var created, updated string
	if err := scan(&p.ID, &p.OrgID, &p.OwnerID, &p.Name, &p.Description, &p.Color, &active, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	p.IsActive = active == 1
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO projects(id,org_id,owner_id,name,description,color,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		p.ID, p.OrgID, p.OwnerID, p.Name, nullable(p.Description), p.Color, boolInt(p.IsActive), FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, q Querier, orgID, id string) (domain.Project, error) {
	row := q.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE org_id=? AND id=?`), orgID, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE org_id=? ORDER BY created_at DESC, id DESC`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProjects(ctx context.Context, q Querier, orgID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT count(*) FROM projects WHERE org_id=?`), orgID).Scan(&n)
	return n, err
}

// --- tasks ---

const taskColumns = `t.id,t.project_id,t.title,COALESCE(t.description,''),t.status,t.priority,t.assignee_id,t.created_by_id,t.due_date,t.completed_at,t.price_cents,t.is_archived,t.created_at,t.updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var status, priority, created, updated string
	var assignee, due, completed sql.NullString
	var price sql.NullInt64
	var archived int
	if err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &priority, &assignee, &t.CreatedByID, &due, &completed, &price, &archived, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.TaskPriority(priority)
	t.IsArchived = archived == 1
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if price.Valid {
		p := price.Int64
		t.PriceCents = &p
	}
	var err error
	if t.DueDate, err = parseNullTime(due); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(id,project_id,title,description,status,priority,assignee_id,created_by_id,due_date,completed_at,price_cents,is_archived,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.ProjectID, t.Title, nullable(t.Description), string(t.Status), string(t.Priority), nullableStringPtr(t.AssigneeID), t.CreatedByID,
		nullableTimePtr(t.DueDate), nullableTimePtr(t.CompletedAt), nullableInt64Ptr(t.PriceCents), boolInt(t.IsArchived),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET title=?, description=?, status=?, priority=?, assignee_id=?, due_date=?, completed_at=?, price_cents=?, is_archived=?, updated_at=? WHERE id=?`),
		t.Title, nullable(t.Description), string(t.Status), string(t.Priority), nullableStringPtr(t.AssigneeID),
		nullableTimePtr(t.DueDate), nullableTimePtr(t.CompletedAt), nullableInt64Ptr(t.PriceCents), boolInt(t.IsArchived),
		FormatTime(t.UpdatedAt), t.ID)
	return err
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM tasks WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask loads a task only if its project belongs to orgID.
func (r Repo) GetTask(ctx context.Context, q Querier, orgID, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks t JOIN projects p ON p.id=t.project_id WHERE p.org_id=? AND t.id=?`), orgID, id)
	return scanTask(row.Scan)
}

func (r Repo) CountTasksInProject(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT count(*) FROM tasks WHERE project_id=?`), projectID).Scan(&n)
	return n, err
}

type TaskFilters struct {
	OrgID           string
	ProjectID       string
	Status          string
	Priority        string
	AssigneeID      string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if f.OrgID == "" {
		return nil, errors.New("org_id required")
	}
	clauses := []string{"p.org_id=?"}
	args := []any{f.OrgID}
	if f.ProjectID != "" {
		clauses = append(clauses, "t.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "t.priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "t.assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "t.is_archived=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(t.created_at < ? OR (t.created_at = ? AND t.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks t JOIN projects p ON p.id=t.project_id WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY t.created_at DESC, t.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
