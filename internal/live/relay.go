package live

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
)

const (
	defaultRelayInterval = time.Second
	defaultRelayBatch    = 200
)

// TaskEvents are the event types relayed when Relay.Types is empty.
var TaskEvents = []string{
	domain.EventTaskCreated,
	domain.EventTaskUpdated,
	domain.EventTaskStatusChanged,
	domain.EventTaskCompleted,
	domain.EventTaskArchived,
	domain.EventTaskDeleted,
}

// EventSource reads the event log across tenants.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Relay polls the event log after a cursor and broadcasts each matching
// event to the connections of its tenant. Only events committed after the
// relay starts are sent.
type Relay struct {
	Source   EventSource
	Hub      *Hub
	Interval time.Duration
	Batch    int
	Types    []string
	Logger   *log.Logger

	filter  eventFilter
	cursor  int64
	started bool
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("live relay: fetch events failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll relays one batch and returns the number of events broadcast. The
// first call only positions the cursor at the end of the log.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.started {
		cur, err := r.Source.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		r.cursor = cur
		r.filter = newEventFilter(r.Types)
		r.started = true
		return 0, nil
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	events, err := r.Source.EventsAfter(ctx, batch, r.cursor)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		r.cursor = evt.ID
		if !r.filter.match(evt.Type) {
			continue
		}
		r.Hub.Broadcast(evt.OrgID, Message{Type: "task_update", Data: evt})
		metrics.LiveBroadcasts.Inc()
		sent++
	}
	return sent, nil
}

// Cursor returns the id of the last event consumed.
func (r *Relay) Cursor() int64 { return r.cursor }

func (r *Relay) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

type eventFilter struct {
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		types = TaskEvents
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	_, ok := f.set[evt]
	return ok
}
