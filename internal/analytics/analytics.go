// Package analytics turns a tenant's current task table into dashboard
// metrics and dense daily time series.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
)

// ErrTimeout marks an aggregation that ran past its deadline. Callers
// should treat it as retryable.
var ErrTimeout = errors.New("aggregation timed out")

const (
	MinWindowDays     = 1
	MaxWindowDays     = 365
	DefaultWindowDays = 30
	topContributors   = 10
)

// Store is the tenant-scoped query surface the aggregator reads from.
type Store interface {
	TaskHistograms(ctx context.Context, orgID string) (byStatus, byPriority map[string]int, err error)
	CountCompletedSince(ctx context.Context, orgID string, since time.Time) (int, error)
	CompletionHours(ctx context.Context, orgID string, since time.Time) ([]float64, error)
	CountOverdue(ctx context.Context, orgID string, now time.Time) (int, error)
	TopContributors(ctx context.Context, orgID string, since time.Time, limit int) ([]domain.Contributor, error)
	PriceSums(ctx context.Context, orgID string) (byStatus, byPriority map[string]int64, err error)
	CreatedPerDay(ctx context.Context, orgID string, since time.Time) (map[string]int, error)
	CompletedPerDay(ctx context.Context, orgID string, since time.Time) (map[string]int, error)
}

type Aggregator struct {
	Store Store
	Now   func() time.Time
	// Timeout bounds one aggregation; zero disables it.
	Timeout time.Duration
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// ValidWindow reports whether days is an accepted window length.
func ValidWindow(days int) bool {
	return days >= MinWindowDays && days <= MaxWindowDays
}

func (a Aggregator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Timeout > 0 {
		return context.WithTimeout(ctx, a.Timeout)
	}
	return context.WithCancel(ctx)
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// ComputeDashboard builds the dashboard for one tenant. Status, priority
// and price histograms and the overdue count are all-time; the average
// completion time and top contributors only consider tasks created inside
// the window; the completed counters use today and the current ISO week.
func (a Aggregator) ComputeDashboard(ctx context.Context, orgID string, windowDays int) (domain.DashboardMetrics, error) {
	began := time.Now()
	defer func() {
		metrics.AggregationDuration.WithLabelValues("dashboard").Observe(float64(time.Since(began).Milliseconds()))
	}()
	ctx, cancel := a.bound(ctx)
	defer cancel()
	m, err := a.dashboard(ctx, orgID, windowDays)
	return m, classify(ctx, err)
}

func (a Aggregator) dashboard(ctx context.Context, orgID string, windowDays int) (domain.DashboardMetrics, error) {
	now := a.now()
	start := now.Add(-time.Duration(windowDays) * 24 * time.Hour)
	today := dayStart(now)
	week := weekStart(now)

	byStatus, byPriority, err := a.Store.TaskHistograms(ctx, orgID)
	if err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("task histograms: %w", err)
	}
	m := domain.DashboardMetrics{
		TasksByStatus:   zeroFillStatus(byStatus),
		TasksByPriority: map[string]int{},
	}
	for _, v := range byStatus {
		m.TotalTasks += v
	}
	for k, v := range byPriority {
		m.TasksByPriority[k] = v
	}
	if m.TasksCompletedToday, err = a.Store.CountCompletedSince(ctx, orgID, today); err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("completed today: %w", err)
	}
	if m.TasksCompletedThisWeek, err = a.Store.CountCompletedSince(ctx, orgID, week); err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("completed this week: %w", err)
	}
	hours, err := a.Store.CompletionHours(ctx, orgID, start)
	if err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("completion hours: %w", err)
	}
	m.AvgCompletionHours = mean(hours)
	if m.TasksOverdue, err = a.Store.CountOverdue(ctx, orgID, now); err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("overdue: %w", err)
	}
	m.ProductivityScore = ProductivityScore(m.TasksByStatus[string(domain.StatusDone)], m.TotalTasks)
	if m.TopContributors, err = a.Store.TopContributors(ctx, orgID, start, topContributors); err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("top contributors: %w", err)
	}
	if m.TopContributors == nil {
		m.TopContributors = []domain.Contributor{}
	}
	priceStatus, pricePriority, err := a.Store.PriceSums(ctx, orgID)
	if err != nil {
		return domain.DashboardMetrics{}, fmt.Errorf("price sums: %w", err)
	}
	var totalCents int64
	for _, c := range priceStatus {
		totalCents += c
	}
	m.PriceByStatus = make(map[string]float64, len(domain.Statuses))
	for _, s := range domain.Statuses {
		m.PriceByStatus[string(s)] = centsToAmount(priceStatus[string(s)])
	}
	m.TotalPrice = centsToAmount(totalCents)
	m.PriceByPriority = make(map[string]float64, len(pricePriority))
	for k, c := range pricePriority {
		m.PriceByPriority[k] = centsToAmount(c)
	}
	return m, nil
}

// ComputeTimeSeries returns exactly windowDays points, one per UTC day from
// today-windowDays+1 through today, ascending. Counts whose date falls
// outside that range are dropped.
func (a Aggregator) ComputeTimeSeries(ctx context.Context, orgID string, windowDays int) ([]domain.TimeSeriesPoint, error) {
	began := time.Now()
	defer func() {
		metrics.AggregationDuration.WithLabelValues("timeseries").Observe(float64(time.Since(began).Milliseconds()))
	}()
	ctx, cancel := a.bound(ctx)
	defer cancel()
	points, err := a.timeseries(ctx, orgID, windowDays)
	return points, classify(ctx, err)
}

func (a Aggregator) timeseries(ctx context.Context, orgID string, windowDays int) ([]domain.TimeSeriesPoint, error) {
	now := a.now()
	start := now.Add(-time.Duration(windowDays) * 24 * time.Hour)
	points, index := Skeleton(now, windowDays)

	created, err := a.Store.CreatedPerDay(ctx, orgID, start)
	if err != nil {
		return nil, fmt.Errorf("created per day: %w", err)
	}
	completed, err := a.Store.CompletedPerDay(ctx, orgID, start)
	if err != nil {
		return nil, fmt.Errorf("completed per day: %w", err)
	}
	for day, n := range created {
		if i, ok := index[day]; ok {
			points[i].TasksCreated = n
		}
	}
	for day, n := range completed {
		if i, ok := index[day]; ok {
			points[i].TasksCompleted = n
		}
	}
	return points, nil
}

// Skeleton builds the zero-filled series ending on now's UTC date and an
// index from date key to position.
func Skeleton(now time.Time, days int) ([]domain.TimeSeriesPoint, map[string]int) {
	if days < 0 {
		days = 0
	}
	today := dayStart(now)
	points := make([]domain.TimeSeriesPoint, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		d := today.AddDate(0, 0, i-days+1).Format(time.DateOnly)
		points[i] = domain.TimeSeriesPoint{Date: d}
		index[d] = i
	}
	return points, index
}

// ProductivityScore is completed/total×100 rounded to two decimals, 0 when
// total is 0.
func ProductivityScore(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return Round2(float64(completed) / float64(total) * 100)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	avg := sum / float64(len(xs))
	return &avg
}

func zeroFillStatus(in map[string]int) map[string]int {
	out := make(map[string]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[string(s)] = in[string(s)]
	}
	return out
}

func centsToAmount(c int64) float64 {
	return Round2(float64(c) / 100)
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart returns midnight UTC of the Monday on or before t.
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
