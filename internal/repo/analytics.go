package repo

import (
	"context"
	"database/sql"
	"time"

	"taskpulse/internal/domain"
)

// Aggregation queries. Every one of them joins tasks to projects and
// filters on the tenant first.

const tenantTasks = ` FROM tasks t JOIN projects p ON p.id=t.project_id WHERE p.org_id=?`

// TaskHistograms returns all-time task counts grouped by status and by
// priority. Keys appear only for values present in the data.
func (r Repo) TaskHistograms(ctx context.Context, orgID string) (byStatus, byPriority map[string]int, err error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT t.status, count(*)`+tenantTasks+` GROUP BY t.status`), orgID)
	if err != nil {
		return nil, nil, err
	}
	if byStatus, err = scanCounts(rows); err != nil {
		return nil, nil, err
	}
	rows, err = r.DB.QueryContext(ctx, r.q(`SELECT t.priority, count(*)`+tenantTasks+` GROUP BY t.priority`), orgID)
	if err != nil {
		return nil, nil, err
	}
	if byPriority, err = scanCounts(rows); err != nil {
		return nil, nil, err
	}
	return byStatus, byPriority, nil
}

// CountCompletedSince counts done tasks with completed_at >= since.
func (r Repo) CountCompletedSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT count(*)`+tenantTasks+` AND t.status=? AND t.completed_at>=?`),
		orgID, string(domain.StatusDone), FormatTime(since)).Scan(&n)
	return n, err
}

// CompletionHours returns completed_at-created_at in hours for done tasks
// created on or after since.
func (r Repo) CompletionHours(ctx context.Context, orgID string, since time.Time) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT t.created_at, t.completed_at`+tenantTasks+` AND t.status=? AND t.completed_at IS NOT NULL AND t.created_at>=?`),
		orgID, string(domain.StatusDone), FormatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var created, completed string
		if err := rows.Scan(&created, &completed); err != nil {
			return nil, err
		}
		c, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		d, err := parseTime(completed)
		if err != nil {
			return nil, err
		}
		res = append(res, d.Sub(c).Hours())
	}
	return res, rows.Err()
}

// CountOverdue counts tasks due before now that are not done.
func (r Repo) CountOverdue(ctx context.Context, orgID string, now time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT count(*)`+tenantTasks+` AND t.due_date IS NOT NULL AND t.due_date<? AND t.status<>?`),
		orgID, FormatTime(now), string(domain.StatusDone)).Scan(&n)
	return n, err
}

// TopContributors ranks assignees of tasks created on or after since by
// task count, ties broken by ascending user id.
func (r Repo) TopContributors(ctx context.Context, orgID string, since time.Time, limit int) ([]domain.Contributor, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT u.id, COALESCE(u.full_name,''), u.email, count(t.id)
FROM tasks t JOIN projects p ON p.id=t.project_id JOIN users u ON u.id=t.assignee_id
WHERE p.org_id=? AND t.created_at>=?
GROUP BY u.id, u.full_name, u.email
ORDER BY count(t.id) DESC, u.id ASC
LIMIT ?`), orgID, FormatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Contributor{}
	for rows.Next() {
		var u domain.User
		var c domain.Contributor
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &c.TaskCount); err != nil {
			return nil, err
		}
		c.UserID = u.ID
		c.Email = u.Email
		c.Name = u.DisplayName()
		res = append(res, c)
	}
	return res, rows.Err()
}

// PriceSums returns summed price_cents grouped by status and by priority,
// skipping tasks without a price.
func (r Repo) PriceSums(ctx context.Context, orgID string) (byStatus, byPriority map[string]int64, err error) {
	byStatus, err = r.sumCents(ctx, `SELECT t.status, sum(t.price_cents)`+tenantTasks+` AND t.price_cents IS NOT NULL GROUP BY t.status`, orgID)
	if err != nil {
		return nil, nil, err
	}
	byPriority, err = r.sumCents(ctx, `SELECT t.priority, sum(t.price_cents)`+tenantTasks+` AND t.price_cents IS NOT NULL GROUP BY t.priority`, orgID)
	if err != nil {
		return nil, nil, err
	}
	return byStatus, byPriority, nil
}

func (r Repo) sumCents(ctx context.Context, query, orgID string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var k string
		var v sql.NullInt64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if v.Valid {
			res[k] += v.Int64
		}
	}
	return res, rows.Err()
}

// CreatedPerDay counts tasks by UTC creation date for created_at >= since.
func (r Repo) CreatedPerDay(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT substr(t.created_at,1,10) AS day, count(*)`+tenantTasks+` AND t.created_at>=? GROUP BY substr(t.created_at,1,10)`),
		orgID, FormatTime(since))
	if err != nil {
		return nil, err
	}
	return scanCounts(rows)
}

// CompletedPerDay counts done tasks by UTC completion date for
// completed_at >= since.
func (r Repo) CompletedPerDay(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT substr(t.completed_at,1,10) AS day, count(*)`+tenantTasks+` AND t.status=? AND t.completed_at>=? GROUP BY substr(t.completed_at,1,10)`),
		orgID, string(domain.StatusDone), FormatTime(since))
	if err != nil {
		return nil, err
	}
	return scanCounts(rows)
}

// TasksCreatedBetween returns a tenant's tasks with created_at in [start,end),
// archived ones included, oldest first. A zero end leaves the range open.
func (r Repo) TasksCreatedBetween(ctx context.Context, orgID string, start, end time.Time) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + tenantTasks + ` AND t.created_at>=?`
	args := []any{orgID, FormatTime(start)}
	if !end.IsZero() {
		query += ` AND t.created_at<?`
		args = append(args, FormatTime(end))
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query+` ORDER BY t.created_at, t.id`), args...)
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
