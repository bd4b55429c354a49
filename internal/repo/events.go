package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/domain"
)

const eventColumns = `id,org_id,event_type,COALESCE(actor_id,''),COALESCE(project_id,''),COALESCE(subject_id,''),payload_json,occurred_at`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload, occurred string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Type, &e.ActorID, &e.ProjectID, &e.SubjectID, &payload, &occurred); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		var err error
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEvents returns a tenant's events newest first. A positive cursor
// returns only events older than that id.
func (r Repo) ListEvents(ctx context.Context, orgID string, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"org_id=?"}
	args := []any{orgID}
	if evtType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events of every tenant with ids greater than the
// cursor in ascending order. Consumers route each event by its OrgID.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// EventTypeCounts groups a tenant's events with occurred_at in [start,end)
// by type.
func (r Repo) EventTypeCounts(ctx context.Context, orgID string, start, end time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT event_type, count(*) FROM events WHERE org_id=? AND occurred_at>=? AND occurred_at<? GROUP BY event_type`),
		orgID, FormatTime(start), FormatTime(end))
	if err != nil {
		return nil, err
	}
	return scanCounts(rows)
}

// DeleteEventsBefore removes every event strictly older than cutoff, for
// one tenant or, with an empty orgID, for all of them.
func (r Repo) DeleteEventsBefore(ctx context.Context, tx *sql.Tx, orgID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM events WHERE occurred_at<?`
	args := []any{FormatTime(cutoff)}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCounts(rows *sql.Rows) (map[string]int, error) {
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var k sql.NullString
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		if !k.Valid {
			continue
		}
		res[k.String] += n
	}
	return res, rows.Err()
}
