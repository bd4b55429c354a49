// Package jobs holds the background analytics jobs and the scheduler that
// runs them. A job never returns a Go error past its boundary; every
// failure becomes a Result tagged with status "error".
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
	"taskpulse/internal/repo"
)

const (
	ProcessAnalyticsBatch        = "process_analytics_batch"
	GenerateDailyReport          = "generate_daily_report"
	CleanupOldAnalytics          = "cleanup_old_analytics"
	CalculateProductivityMetrics = "calculate_productivity_metrics"

	DefaultDaysToKeep  = 90
	productivityPeriod = 30
	velocityBuckets    = 4
)

// Names lists every job in a stable order.
var Names = []string{ProcessAnalyticsBatch, GenerateDailyReport, CleanupOldAnalytics, CalculateProductivityMetrics}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the tagged outcome of one job run.
type Result struct {
	Job        string    `json:"job"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	OrgID      string    `json:"organization_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Data       any       `json:"data,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// Request names a job and its arguments. Zero values select defaults.
type Request struct {
	Job        string    `json:"job"`
	OrgID      string    `json:"organization_id,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
	Start      time.Time `json:"start,omitempty"`
	End        time.Time `json:"end,omitempty"`
	Date       time.Time `json:"date,omitempty"`
	DaysToKeep int       `json:"days_to_keep,omitempty"`
}

type BatchReport struct {
	BatchID              string         `json:"batch_id"`
	Processed            int            `json:"processed"`
	EventsByType         map[string]int `json:"events_by_type"`
	EventsByOrganization map[string]int `json:"events_by_organization"`
	CompletionRate       float64        `json:"completion_rate"`
	Timestamp            time.Time      `json:"timestamp"`
}

type DailyReport struct {
	Date            string         `json:"date"`
	OrganizationID  string         `json:"organization_id"`
	TasksCreated    int            `json:"tasks_created"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	TasksByPriority map[string]int `json:"tasks_by_priority"`
	UsersActive     int            `json:"users_active"`
	ProjectsActive  int            `json:"projects_active"`
}

type CleanupReport struct {
	DeletedCount int64     `json:"deleted_count"`
	CutoffDate   time.Time `json:"cutoff_date"`
}

type VelocityBucket struct {
	Week           int       `json:"week"`
	Start          time.Time `json:"start"`
	TasksCreated   int       `json:"tasks_created"`
	TasksCompleted int       `json:"tasks_completed"`
}

type ProductivityReport struct {
	OrganizationID     string           `json:"organization_id"`
	PeriodDays         int              `json:"period_days"`
	TotalTasks         int              `json:"total_tasks"`
	CompletedTasks     int              `json:"completed_tasks"`
	AvgCompletionHours *float64         `json:"average_completion_time_hours"`
	VelocityTrend      []VelocityBucket `json:"velocity_trend"`
	CalculatedAt       time.Time        `json:"calculated_at"`
}

// Runner executes jobs against the store.
type Runner struct {
	Repo repo.Repo
	Now  func() time.Time
	// Timeout bounds one run; a run that exceeds it fails as retryable.
	Timeout time.Duration
	Logger  *log.Logger
	Sink    Sink
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run dispatches req to the named job.
func (r Runner) Run(ctx context.Context, req Request) Result {
	switch req.Job {
	case ProcessAnalyticsBatch:
		now := r.now()
		if req.End.IsZero() {
			req.End = now
		}
		if req.Start.IsZero() {
			req.Start = req.End.Add(-time.Hour)
		}
		if req.BatchID == "" {
			req.BatchID = fmt.Sprintf("batch-%d", req.End.Unix())
		}
		return r.ProcessAnalyticsBatch(ctx, req.BatchID, req.OrgID, req.Start, req.End)
	case GenerateDailyReport:
		return r.GenerateDailyReport(ctx, req.OrgID, req.Date)
	case CleanupOldAnalytics:
		return r.CleanupOldAnalytics(ctx, req.OrgID, req.DaysToKeep)
	case CalculateProductivityMetrics:
		return r.CalculateProductivityMetrics(ctx, req.OrgID)
	default:
		now := r.now()
		return Result{Job: req.Job, Status: StatusError, Error: fmt.Sprintf("unknown job %q", req.Job), StartedAt: now, FinishedAt: now}
	}
}

// run is the job boundary: it applies the timeout, converts errors and
// panics into tagged results, records metrics and hands the result to the
// sink.
func (r Runner) run(ctx context.Context, job, orgID string, fn func(ctx context.Context, now time.Time) (any, error)) (res Result) {
	parent := ctx
	started := r.now()
	res = Result{Job: job, OrgID: orgID, StartedAt: started}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusError
			res.Error = fmt.Sprintf("panic: %v", p)
			res.Data = nil
		}
		res.FinishedAt = r.now()
		metrics.JobRuns.WithLabelValues(job, string(res.Status)).Inc()
		metrics.JobDuration.WithLabelValues(job).Observe(float64(res.FinishedAt.Sub(started).Milliseconds()))
		if res.OK() {
			r.logger().Info("job finished", "job", job, "org", orgID, "took", res.FinishedAt.Sub(started))
		} else {
			r.logger().Error("job failed", "job", job, "org", orgID, "err", res.Error, "retryable", res.Retryable)
		}
		if r.Sink != nil {
			if err := r.Sink.Put(context.WithoutCancel(parent), res); err != nil {
				r.logger().Warn("job result not stored", "job", job, "err", err)
			}
		}
	}()

	data, err := fn(ctx, started)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		res.Retryable = errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return res
	}
	res.Status = StatusSuccess
	res.Data = data
	return res
}

// ProcessAnalyticsBatch tallies events with occurred_at in [start,end),
// reading tenant by tenant. An empty orgID covers every tenant.
func (r Runner) ProcessAnalyticsBatch(ctx context.Context, batchID, orgID string, start, end time.Time) Result {
	return r.run(ctx, ProcessAnalyticsBatch, orgID, func(ctx context.Context, now time.Time) (any, error) {
		if !end.After(start) {
			return nil, fmt.Errorf("batch range end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
		}
		orgIDs := []string{orgID}
		if orgID == "" {
			ids, err := r.Repo.ListOrgIDs(ctx)
			if err != nil {
				return nil, fmt.Errorf("list organizations: %w", err)
			}
			orgIDs = ids
		}
		rep := BatchReport{
			BatchID:              batchID,
			EventsByType:         map[string]int{},
			EventsByOrganization: map[string]int{},
			Timestamp:            now,
		}
		for _, orgID := range orgIDs {
			counts, err := r.Repo.EventTypeCounts(ctx, orgID, start, end)
			if err != nil {
				return nil, fmt.Errorf("events for %s: %w", orgID, err)
			}
			for typ, n := range counts {
				rep.EventsByType[typ] += n
				rep.EventsByOrganization[orgID] += n
				rep.Processed += n
			}
		}
		rep.CompletionRate = CompletionRate(rep.EventsByType[domain.EventTaskCompleted], rep.EventsByType[domain.EventTaskCreated])
		return rep, nil
	})
}

// CompletionRate is completed/created×100, 0 when nothing was created.
func CompletionRate(completed, created int) float64 {
	if created == 0 {
		return 0
	}
	return float64(completed) / float64(created) * 100
}

// GenerateDailyReport tallies the tasks a tenant created on one UTC day.
// A zero date means today.
func (r Runner) GenerateDailyReport(ctx context.Context, orgID string, date time.Time) Result {
	return r.run(ctx, GenerateDailyReport, orgID, func(ctx context.Context, now time.Time) (any, error) {
		if orgID == "" {
			return nil, errors.New("organization id required")
		}
		if date.IsZero() {
			date = now
		}
		d := date.UTC()
		start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		tasks, err := r.Repo.TasksCreatedBetween(ctx, orgID, start, start.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("tasks created: %w", err)
		}
		rep := DailyReport{
			Date:            start.Format(time.DateOnly),
			OrganizationID:  orgID,
			TasksCreated:    len(tasks),
			TasksByStatus:   map[string]int{},
			TasksByPriority: map[string]int{},
		}
		users := map[string]struct{}{}
		projects := map[string]struct{}{}
		for _, t := range tasks {
			rep.TasksByStatus[string(t.Status)]++
			rep.TasksByPriority[string(t.Priority)]++
			if t.AssigneeID != nil {
				users[*t.AssigneeID] = struct{}{}
			}
			projects[t.ProjectID] = struct{}{}
		}
		rep.UsersActive = len(users)
		rep.ProjectsActive = len(projects)
		return rep, nil
	})
}

// CleanupOldAnalytics deletes every event older than daysToKeep days in a
// single transaction, for one tenant or for all when orgID is empty.
// daysToKeep <= 0 selects the default of 90.
func (r Runner) CleanupOldAnalytics(ctx context.Context, orgID string, daysToKeep int) Result {
	if daysToKeep <= 0 {
		daysToKeep = DefaultDaysToKeep
	}
	return r.run(ctx, CleanupOldAnalytics, orgID, func(ctx context.Context, now time.Time) (any, error) {
		cutoff := now.Add(-time.Duration(daysToKeep) * 24 * time.Hour)
		tx, err := r.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		n, err := r.Repo.DeleteEventsBefore(ctx, tx, orgID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("delete events: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit cleanup: %w", err)
		}
		metrics.EventsPruned.Add(float64(n))
		return CleanupReport{DeletedCount: n, CutoffDate: cutoff}, nil
	})
}

// CalculateProductivityMetrics summarises the tasks a tenant created in
// the last 30 days, with four 7-day velocity buckets counted from the
// start of that period.
func (r Runner) CalculateProductivityMetrics(ctx context.Context, orgID string) Result {
	return r.run(ctx, CalculateProductivityMetrics, orgID, func(ctx context.Context, now time.Time) (any, error) {
		if orgID == "" {
			return nil, errors.New("organization id required")
		}
		start := now.Add(-productivityPeriod * 24 * time.Hour)
		tasks, err := r.Repo.TasksCreatedBetween(ctx, orgID, start, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("tasks created: %w", err)
		}
		return Productivity(orgID, start, now, tasks), nil
	})
}

// Productivity computes the productivity report from tasks created on or
// after start.
func Productivity(orgID string, start, now time.Time, tasks []domain.Task) ProductivityReport {
	rep := ProductivityReport{
		OrganizationID: orgID,
		PeriodDays:     productivityPeriod,
		TotalTasks:     len(tasks),
		VelocityTrend:  make([]VelocityBucket, 0, velocityBuckets),
		CalculatedAt:   now,
	}
	var sum float64
	var n int
	for _, t := range tasks {
		if t.Status != domain.StatusDone {
			continue
		}
		rep.CompletedTasks++
		if t.CompletedAt != nil {
			sum += t.CompletedAt.Sub(t.CreatedAt).Hours()
			n++
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		rep.AvgCompletionHours = &avg
	}
	for i := 0; i < velocityBuckets; i++ {
		ws := start.Add(time.Duration(i) * 7 * 24 * time.Hour)
		we := ws.Add(7 * 24 * time.Hour)
		b := VelocityBucket{Week: i + 1, Start: ws}
		for _, t := range tasks {
			if t.CreatedAt.Before(ws) || !t.CreatedAt.Before(we) {
				continue
			}
			b.TasksCreated++
			if t.Status == domain.StatusDone {
				b.TasksCompleted++
			}
		}
		rep.VelocityTrend = append(rep.VelocityTrend, b)
	}
	return rep
}
