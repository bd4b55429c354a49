package repo

import (
	"context"
	"database/sql"

	"taskpulse/internal/domain"
)

const orgColumns = `id,name,slug,subscription_tier,subscription_status,max_users,max_projects,max_tasks_per_project,created_at`

func scanOrg(scan func(...any) error) (domain.Organization, error) {
	var o domain.Organization
	var tier, created string
	if err := scan(&o.ID, &o.Name, &o.Slug, &tier, &o.SubscriptionStatus, &o.MaxUsers, &o.MaxProjects, &o.MaxTasksPerProject, &created); err != nil {
		if err == sql.ErrNoRows {
			return o, ErrNotFound
		}
		return o, err
	}
	o.SubscriptionTier = domain.SubscriptionTier(tier)
	var err error
	o.CreatedAt, err = parseTime(created)
	return o, err
}

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Organization) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO organizations(id,name,slug,subscription_tier,subscription_status,max_users,max_projects,max_tasks_per_project,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		o.ID, o.Name, o.Slug, string(o.SubscriptionTier), o.SubscriptionStatus, o.MaxUsers, o.MaxProjects, o.MaxTasksPerProject, FormatTime(o.CreatedAt))
	return err
}

func (r Repo) GetOrg(ctx context.Context, q Querier, id string) (domain.Organization, error) {
	row := q.QueryRowContext(ctx, r.q(`SELECT `+orgColumns+` FROM organizations WHERE id=?`), id)
	return scanOrg(row.Scan)
}

func (r Repo) GetOrgBySlug(ctx context.Context, slug string) (domain.Organization, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+orgColumns+` FROM organizations WHERE slug=?`), slug)
	return scanOrg(row.Scan)
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		o, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOrgIDs returns every tenant id in a stable order.
func (r Repo) ListOrgIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const userColumns = `id,org_id,email,COALESCE(full_name,''),is_admin,is_active,created_at`

func scanUser(scan func(...any) error) (domain.User, error) {
	var u domain.User
	var admin, active int
	var created string
	if err := scan(&u.ID, &u.OrgID, &u.Email, &u.FullName, &admin, &active, &created); err != nil {
		if err == sql.ErrNoRows {
			return u, ErrNotFound
		}
		return u, err
	}
	u.IsAdmin = admin == 1
	u.IsActive = active == 1
	var err error
	u.CreatedAt, err = parseTime(created)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO users(id,org_id,email,full_name,is_admin,is_active,created_at) VALUES (?,?,?,?,?,?,?)`),
		u.ID, u.OrgID, u.Email, nullable(u.FullName), boolInt(u.IsAdmin), boolInt(u.IsActive), FormatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, q Querier, id string) (domain.User, error) {
	row := q.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE email=?`), email)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context, orgID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE org_id=? ORDER BY created_at, id`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUsers(ctx context.Context, q Querier, orgID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT count(*) FROM users WHERE org_id=?`), orgID).Scan(&n)
	return n, err
}
