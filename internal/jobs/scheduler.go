package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"taskpulse/internal/metrics"
)

// Schedule holds the period of each job. A non-positive period disables it.
type Schedule struct {
	Batch         time.Duration
	DailyReport   time.Duration
	Cleanup       time.Duration
	Productivity  time.Duration
	RetentionDays int
}

// DefaultSchedule runs the batch hourly, the daily report daily and the
// cleanup weekly. Productivity metrics run on demand only.
func DefaultSchedule() Schedule {
	return Schedule{
		Batch:         time.Hour,
		DailyReport:   24 * time.Hour,
		Cleanup:       7 * 24 * time.Hour,
		RetentionDays: DefaultDaysToKeep,
	}
}

func (s Schedule) period(job string) time.Duration {
	switch job {
	case ProcessAnalyticsBatch:
		return s.Batch
	case GenerateDailyReport:
		return s.DailyReport
	case CleanupOldAnalytics:
		return s.Cleanup
	case CalculateProductivityMetrics:
		return s.Productivity
	}
	return 0
}

// OrgLister enumerates the tenants for per-tenant jobs.
type OrgLister interface {
	ListOrgIDs(ctx context.Context) ([]string, error)
}

// Scheduler enqueues due jobs onto a bounded worker pool. Each job first
// runs one full period after the scheduler starts.
type Scheduler struct {
	Runner  Runner
	Orgs    OrgLister
	Logger  *log.Logger
	Workers int
	Queue   int
	// Resolution is how often due jobs are checked.
	Resolution time.Duration

	mu       sync.Mutex
	schedule Schedule
	next     map[string]time.Time
}

func NewScheduler(runner Runner, orgs OrgLister, schedule Schedule) *Scheduler {
	return &Scheduler{
		Runner:     runner,
		Orgs:       orgs,
		Logger:     runner.logger(),
		Workers:    2,
		Queue:      64,
		Resolution: time.Second,
		schedule:   schedule,
		next:       map[string]time.Time{},
	}
}

// UpdateSchedule swaps the schedule. Jobs whose period changed restart
// their countdown from the next tick.
func (s *Scheduler) UpdateSchedule(schedule Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range Names {
		if s.schedule.period(job) != schedule.period(job) {
			delete(s.next, job)
		}
	}
	s.schedule = schedule
	s.Logger.Info("schedule updated", "batch", schedule.Batch, "daily_report", schedule.DailyReport, "cleanup", schedule.Cleanup, "productivity", schedule.Productivity)
}

// Due returns the requests that fall due at now and advances their
// deadlines. Per-tenant jobs expand to one request per organization.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]Request, error) {
	s.mu.Lock()
	schedule := s.schedule
	var due []string
	for _, job := range Names {
		p := schedule.period(job)
		if p <= 0 {
			delete(s.next, job)
			continue
		}
		at, ok := s.next[job]
		if !ok {
			s.next[job] = now.Add(p)
			continue
		}
		if now.Before(at) {
			continue
		}
		s.next[job] = now.Add(p)
		due = append(due, job)
	}
	s.mu.Unlock()

	var reqs []Request
	var orgIDs []string
	for _, job := range due {
		switch job {
		case ProcessAnalyticsBatch:
			reqs = append(reqs, Request{
				Job:     job,
				BatchID: fmt.Sprintf("batch-%d", now.Unix()),
				Start:   now.Add(-schedule.Batch),
				End:     now,
			})
		case CleanupOldAnalytics:
			reqs = append(reqs, Request{Job: job, DaysToKeep: schedule.RetentionDays})
		case GenerateDailyReport, CalculateProductivityMetrics:
			if orgIDs == nil {
				ids, err := s.Orgs.ListOrgIDs(ctx)
				if err != nil {
					return reqs, fmt.Errorf("list organizations: %w", err)
				}
				orgIDs = ids
			}
			for _, id := range orgIDs {
				r := Request{Job: job, OrgID: id}
				if job == GenerateDailyReport {
					r.Date = now.UTC().AddDate(0, 0, -1)
				}
				reqs = append(reqs, r)
			}
		}
	}
	return reqs, nil
}

// Run checks for due jobs until ctx is cancelled, then waits for running
// jobs to finish. Requests rejected by a full queue are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	p := newPool(ctx, s.Workers, s.Queue, func(ctx context.Context, req Request) {
		s.Runner.Run(ctx, req)
	})
	defer p.Drain()

	ticker := time.NewTicker(s.Resolution)
	defer ticker.Stop()
	s.Logger.Info("scheduler started", "workers", s.Workers, "queue", s.Queue)
	s.tick(ctx, p, s.Runner.now())
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler stopping", "queued", p.QueueLen())
			return nil
		case <-ticker.C:
			s.tick(ctx, p, s.Runner.now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, p *pool[Request], now time.Time) {
	reqs, err := s.Due(ctx, now)
	if err != nil {
		s.Logger.Error("schedule", "err", err)
	}
	for _, req := range reqs {
		if !p.Submit(req) {
			metrics.JobsDropped.WithLabelValues(req.Job).Inc()
			s.Logger.Warn("job dropped, queue full", "job", req.Job, "org", req.OrgID, "cap", p.QueueCap())
		}
	}
}
