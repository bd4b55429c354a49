package domain

// Contributor is one row of the dashboard's top-contributor list.
type Contributor struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	TaskCount int    `json:"task_count"`
}

// DashboardMetrics is the transient aggregator output for one tenant.
type DashboardMetrics struct {
	TotalTasks             int                `json:"total_tasks"`
	TasksByStatus          map[string]int     `json:"tasks_by_status"`
	TasksByPriority        map[string]int     `json:"tasks_by_priority"`
	TasksCompletedToday    int                `json:"tasks_completed_today"`
	TasksCompletedThisWeek int                `json:"tasks_completed_this_week"`
	AvgCompletionHours     *float64           `json:"average_completion_time_hours"`
	TasksOverdue           int                `json:"tasks_overdue"`
	ProductivityScore      float64            `json:"productivity_score"`
	TopContributors        []Contributor      `json:"top_contributors"`
	TotalPrice             float64            `json:"total_price"`
	PriceByStatus          map[string]float64 `json:"price_by_status"`
	PriceByPriority        map[string]float64 `json:"price_by_priority"`
}

// TimeSeriesPoint is one calendar day (UTC) of activity.
type TimeSeriesPoint struct {
	Date           string `json:"date" format:"date"`
	TasksCreated   int    `json:"tasks_created"`
	TasksCompleted int    `json:"tasks_completed"`
}
