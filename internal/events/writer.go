package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/db"
	"taskpulse/internal/metrics"
)

// Writer appends rows to the event log inside the caller's transaction so
// an event exists only if its mutation commits.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Change builds the conventional before/after payload.
func Change(before, after map[string]any) EventPayload {
	return EventPayload{"before": before, "after": after}
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, orgID, evtType, projectID, subjectID, actorID string, payload EventPayload) error {
	if orgID == "" {
		return errors.New("event org_id required")
	}
	if evtType == "" {
		return errors.New("event type required")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(org_id,event_type,actor_id,project_id,subject_id,payload_json,occurred_at) VALUES (?,?,?,?,?,?,?)`),
		orgID, evtType, nullable(actorID), nullable(projectID), nullable(subjectID), string(data), ts)
	if err != nil {
		return err
	}
	metrics.EventsAppended.WithLabelValues(evtType).Inc()
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
