package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/jobs"
	"taskpulse/internal/migrate"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type recordSink struct {
	mu      sync.Mutex
	results []jobs.Result
}

func (s *recordSink) Put(_ context.Context, res jobs.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

type fixture struct {
	ctx     context.Context
	eng     engine.Engine
	runner  jobs.Runner
	sink    *recordSink
	org     domain.Organization
	owner   domain.User
	project domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	f := &fixture{ctx: context.Background(), eng: engine.New(conn, db.SQLite), sink: &recordSink{}}
	f.at(now.AddDate(0, 0, -10))
	f.org, err = f.eng.CreateOrg(f.ctx, engine.OrgCreateOptions{Name: "Acme", Tier: domain.TierPro})
	require.NoError(t, err)
	f.owner, err = f.eng.CreateUser(f.ctx, engine.UserCreateOptions{ID: "u-owner", OrgID: f.org.ID, Email: "owner@acme.test", FullName: "Olive Owner", IsAdmin: true})
	require.NoError(t, err)
	f.project, err = f.eng.CreateProject(f.ctx, engine.ProjectCreateOptions{OrgID: f.org.ID, Name: "Main", ActorID: f.owner.ID})
	require.NoError(t, err)
	f.runner = jobs.Runner{Repo: f.eng.Repo, Now: func() time.Time { return now }, Sink: f.sink}
	return f
}

func (f *fixture) at(ts time.Time) {
	f.eng.Now = func() time.Time { return ts }
}

func (f *fixture) task(t *testing.T, created time.Time, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	f.at(created)
	if opts.OrgID == "" {
		opts.OrgID = f.org.ID
		opts.ProjectID = f.project.ID
	}
	opts.Title = "task"
	if opts.ActorID == "" {
		opts.ActorID = f.owner.ID
	}
	task, err := f.eng.CreateTask(f.ctx, opts)
	require.NoError(t, err)
	return task
}

func (f *fixture) complete(t *testing.T, orgID string, task domain.Task, at time.Time) {
	t.Helper()
	f.at(at)
	done := domain.StatusDone
	_, err := f.eng.UpdateTask(f.ctx, engine.TaskUpdateOptions{OrgID: orgID, ID: task.ID, Status: &done, ActorID: f.owner.ID})
	require.NoError(t, err)
}

func TestCleanupDeletesOnlyOldEvents(t *testing.T) {
	f := newFixture(t)
	for _, age := range []int{10, 95, 200} {
		f.task(t, now.AddDate(0, 0, -age), engine.TaskCreateOptions{})
	}

	res := f.runner.CleanupOldAnalytics(f.ctx, "", 90)
	require.True(t, res.OK(), res.Error)
	rep := res.Data.(jobs.CleanupReport)
	require.Equal(t, int64(2), rep.DeletedCount)
	require.Equal(t, now.AddDate(0, 0, -90), rep.CutoffDate)

	left, err := f.eng.Repo.ListEvents(f.ctx, f.org.ID, 100, 0, "")
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, e := range left {
		require.False(t, e.OccurredAt.Before(rep.CutoffDate))
	}

	again := f.runner.CleanupOldAnalytics(f.ctx, "someone-else", 1)
	require.True(t, again.OK())
	require.Zero(t, again.Data.(jobs.CleanupReport).DeletedCount)

	again = f.runner.CleanupOldAnalytics(f.ctx, "", 0)
	require.True(t, again.OK())
	require.Zero(t, again.Data.(jobs.CleanupReport).DeletedCount)
}

func TestProcessAnalyticsBatch(t *testing.T) {
	f := newFixture(t)
	a := f.task(t, now.Add(-30*time.Minute), engine.TaskCreateOptions{})
	f.task(t, now.Add(-25*time.Minute), engine.TaskCreateOptions{})
	f.complete(t, f.org.ID, a, now.Add(-10*time.Minute))

	f.at(now.AddDate(0, 0, -1))
	other, err := f.eng.CreateOrg(f.ctx, engine.OrgCreateOptions{Name: "Globex"})
	require.NoError(t, err)
	_, err = f.eng.CreateUser(f.ctx, engine.UserCreateOptions{ID: "u-globex", OrgID: other.ID, Email: "g@globex.test", FullName: "Gail"})
	require.NoError(t, err)
	gp, err := f.eng.CreateProject(f.ctx, engine.ProjectCreateOptions{OrgID: other.ID, Name: "Ops", ActorID: "u-globex"})
	require.NoError(t, err)
	f.task(t, now.Add(-5*time.Minute), engine.TaskCreateOptions{OrgID: other.ID, ProjectID: gp.ID, ActorID: "u-globex"})

	res := f.runner.ProcessAnalyticsBatch(f.ctx, "b-1", "", now.Add(-time.Hour), now)
	require.True(t, res.OK(), res.Error)
	rep := res.Data.(jobs.BatchReport)
	require.Equal(t, "b-1", rep.BatchID)
	require.Equal(t, 4, rep.Processed)
	require.Equal(t, map[string]int{"task_created": 3, "task_completed": 1}, rep.EventsByType)
	require.Equal(t, map[string]int{f.org.ID: 3, other.ID: 1}, rep.EventsByOrganization)
	require.InDelta(t, 100.0/3, rep.CompletionRate, 1e-9)
	require.Equal(t, now, rep.Timestamp)

	scoped := f.runner.ProcessAnalyticsBatch(f.ctx, "b-2", other.ID, now.Add(-time.Hour), now)
	require.True(t, scoped.OK(), scoped.Error)
	require.Equal(t, other.ID, scoped.OrgID)
	require.Equal(t, map[string]int{other.ID: 1}, scoped.Data.(jobs.BatchReport).EventsByOrganization)
}

func TestProcessAnalyticsBatchEmptyRange(t *testing.T) {
	f := newFixture(t)
	res := f.runner.ProcessAnalyticsBatch(f.ctx, "b-empty", "", now.AddDate(-1, 0, 0), now.AddDate(-1, 0, 1))
	require.True(t, res.OK(), res.Error)
	rep := res.Data.(jobs.BatchReport)
	require.Zero(t, rep.Processed)
	require.Zero(t, rep.CompletionRate)
	require.Empty(t, rep.EventsByType)
}

func TestProcessAnalyticsBatchRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	res := f.runner.ProcessAnalyticsBatch(f.ctx, "b-bad", "", now, now.Add(-time.Hour))
	require.Equal(t, jobs.StatusError, res.Status)
	require.False(t, res.Retryable)
	require.Len(t, f.sink.results, 1)
}

func TestGenerateDailyReportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	f.task(t, day.Add(9*time.Hour), engine.TaskCreateOptions{Priority: domain.PriorityHigh, AssigneeID: f.owner.ID})
	f.task(t, day.Add(24*time.Hour-time.Second), engine.TaskCreateOptions{})
	f.task(t, day.Add(24*time.Hour), engine.TaskCreateOptions{})
	f.task(t, day.Add(-time.Second), engine.TaskCreateOptions{})

	first := f.runner.GenerateDailyReport(f.ctx, f.org.ID, day.Add(15*time.Hour))
	require.True(t, first.OK(), first.Error)
	rep := first.Data.(jobs.DailyReport)
	require.Equal(t, "2024-06-14", rep.Date)
	require.Equal(t, f.org.ID, rep.OrganizationID)
	require.Equal(t, 2, rep.TasksCreated)
	require.Equal(t, map[string]int{"todo": 2}, rep.TasksByStatus)
	require.Equal(t, map[string]int{"high": 1, "medium": 1}, rep.TasksByPriority)
	require.Equal(t, 1, rep.UsersActive)
	require.Equal(t, 1, rep.ProjectsActive)

	second := f.runner.GenerateDailyReport(f.ctx, f.org.ID, day)
	require.Equal(t, first.Data, second.Data)
}

func TestGenerateDailyReportRequiresOrg(t *testing.T) {
	f := newFixture(t)
	res := f.runner.GenerateDailyReport(f.ctx, "", now)
	require.Equal(t, jobs.StatusError, res.Status)
}

func TestCalculateProductivityMetrics(t *testing.T) {
	f := newFixture(t)
	day := 24 * time.Hour
	a := f.task(t, now.Add(-29*day), engine.TaskCreateOptions{})
	f.complete(t, f.org.ID, a, now.Add(-29*day+10*time.Hour))
	f.task(t, now.Add(-20*day), engine.TaskCreateOptions{})
	c := f.task(t, now.Add(-12*day), engine.TaskCreateOptions{})
	f.complete(t, f.org.ID, c, now.Add(-11*day))
	f.task(t, now.Add(-1*day), engine.TaskCreateOptions{})
	f.task(t, now.Add(-40*day), engine.TaskCreateOptions{})

	res := f.runner.CalculateProductivityMetrics(f.ctx, f.org.ID)
	require.True(t, res.OK(), res.Error)
	rep := res.Data.(jobs.ProductivityReport)
	require.Equal(t, 30, rep.PeriodDays)
	require.Equal(t, 4, rep.TotalTasks)
	require.Equal(t, 2, rep.CompletedTasks)
	require.NotNil(t, rep.AvgCompletionHours)
	require.InDelta(t, 17.0, *rep.AvgCompletionHours, 1e-9)

	start := now.Add(-30 * day)
	require.Len(t, rep.VelocityTrend, 4)
	want := []jobs.VelocityBucket{
		{Week: 1, Start: start, TasksCreated: 1, TasksCompleted: 1},
		{Week: 2, Start: start.Add(7 * day), TasksCreated: 1},
		{Week: 3, Start: start.Add(14 * day), TasksCreated: 1, TasksCompleted: 1},
		{Week: 4, Start: start.Add(21 * day)},
	}
	require.Equal(t, want, rep.VelocityTrend)
}

func TestProductivityWithoutCompletions(t *testing.T) {
	rep := jobs.Productivity("org", now.AddDate(0, 0, -30), now, nil)
	require.Zero(t, rep.TotalTasks)
	require.Nil(t, rep.AvgCompletionHours)
	require.Len(t, rep.VelocityTrend, 4)
}

func TestRunDispatch(t *testing.T) {
	f := newFixture(t)
	res := f.runner.Run(f.ctx, jobs.Request{Job: "rebuild_universe"})
	require.Equal(t, jobs.StatusError, res.Status)
	require.Contains(t, res.Error, "unknown job")

	res = f.runner.Run(f.ctx, jobs.Request{Job: jobs.ProcessAnalyticsBatch})
	require.True(t, res.OK(), res.Error)
	rep := res.Data.(jobs.BatchReport)
	require.Equal(t, "batch-1718452800", rep.BatchID)
}

func TestCompletionRate(t *testing.T) {
	require.Zero(t, jobs.CompletionRate(3, 0))
	require.Equal(t, 50.0, jobs.CompletionRate(1, 2))
}

type orgList []string

func (o orgList) ListOrgIDs(context.Context) ([]string, error) { return o, nil }

func TestSchedulerDue(t *testing.T) {
	s := jobs.NewScheduler(jobs.Runner{}, orgList{"o-1", "o-2"}, jobs.Schedule{
		Batch:         time.Hour,
		DailyReport:   24 * time.Hour,
		Cleanup:       -1,
		RetentionDays: 30,
	})
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 0, 0, 30, 0, time.UTC)

	due, err := s.Due(ctx, start)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = s.Due(ctx, start.Add(59*time.Minute))
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = s.Due(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, jobs.ProcessAnalyticsBatch, due[0].Job)
	require.Equal(t, start, due[0].Start)
	require.Equal(t, start.Add(time.Hour), due[0].End)

	due, err = s.Due(ctx, start.Add(24*time.Hour))
	require.NoError(t, err)
	var reports []jobs.Request
	for _, r := range due {
		if r.Job == jobs.GenerateDailyReport {
			reports = append(reports, r)
		}
	}
	require.Len(t, reports, 2)
	require.Equal(t, "o-1", reports[0].OrgID)
	require.Equal(t, "2024-06-01", reports[0].Date.Format(time.DateOnly))

	s.UpdateSchedule(jobs.Schedule{Batch: time.Hour, DailyReport: 24 * time.Hour, Cleanup: time.Hour, RetentionDays: 30})
	due, err = s.Due(ctx, start.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, jobs.ProcessAnalyticsBatch, due[0].Job)

	due, err = s.Due(ctx, start.Add(26*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, jobs.CleanupOldAnalytics, due[1].Job)
	require.Equal(t, 30, due[1].DaysToKeep)
}
