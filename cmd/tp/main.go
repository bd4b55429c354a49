package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskpulse/internal/app"
	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/jobs"
	"taskpulse/internal/live"
	"taskpulse/internal/repo"
	"taskpulse/internal/server"
	taskpulsesdk "taskpulse/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "TaskPulse CLI",
	Long: `TaskPulse is a multi-tenant task analytics backend.
- serve: HTTP API, OpenAPI docs and the live task update socket.
- worker: runs the analytics jobs on their configured schedule.
- report: dashboard metrics and daily time series, locally or against a server.
- jobs run: run one job by hand.
Configuration comes from taskpulse.yml (or .toml) in the workspace, then
TASKPULSE_* environment variables and .env.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", envFile, err)
	}
	viper.SetEnvPrefix("TASKPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/taskpulse.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and live update relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				cfg := a.Config
				if addr != "" {
					cfg.Server.Addr = addr
				}
				if basePath != "" {
					cfg.Server.BasePath = basePath
				}
				if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
					return fmt.Errorf("server.jwt_secret (or TASKPULSE_JWT_SECRET) is required")
				}
				hub := live.NewHub(a.Logger)
				defer hub.Close()
				handler, err := server.New(server.Config{
					Engine:            a.Engine,
					Analytics:         a.Analytics,
					Jobs:              a.Jobs,
					Hub:               hub,
					BasePath:          cfg.Server.BasePath,
					DefaultWindowDays: cfg.Analytics.DefaultWindowDays,
					Auth: server.AuthConfig{
						JWTSecret: cfg.Server.JWTSecret,
						DevAuth:   cfg.Server.DevAuth,
						TokenTTL:  cfg.Server.TokenTTL.Duration,
						Logger:    a.Logger,
					},
					Logger: a.Logger,
				})
				if err != nil {
					return err
				}
				relay := &live.Relay{
					Source:   a.Engine.Repo,
					Hub:      hub,
					Interval: cfg.Live.PollInterval.Duration,
					Batch:    cfg.Live.BatchSize,
					Logger:   a.Logger,
				}
				go relay.Run(ctx)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving TaskPulse API",
					"url", "http://"+cfg.Server.Addr+cfg.Server.BasePath,
					"docs", "/docs",
					"metrics", "/metrics",
					"dev_auth", cfg.Server.DevAuth)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run analytics jobs on their schedule",
		Long:  "Runs the scheduled jobs until interrupted. Edits to the worker section of the config file are applied without a restart.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, cfgPath string) error {
				sched := jobs.NewScheduler(a.Jobs, a.Engine.Repo, app.Schedule(a.Config))
				sched.Workers = a.Config.Worker.Workers
				sched.Queue = a.Config.Worker.QueueDepth
				sched.Logger = a.Logger
				if cfgPath != "" {
					loader, err := config.NewLoader(cfgPath, a.Logger)
					if err != nil {
						return err
					}
					loader.OnChange(func(c *config.Config) {
						applyEnv(c)
						sched.UpdateSchedule(app.Schedule(c))
					})
					stopWatch, err := loader.Watch()
					if err != nil {
						a.Logger.Warn("config hot reload disabled", "err", err)
					} else {
						defer stopWatch()
					}
				}
				return sched.Run(ctx)
			})
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				if a.Config.Database.Driver == string(db.Postgres) {
					fmt.Println("postgres schema is up to date")
					return nil
				}
				fmt.Printf("sqlite schema is up to date (%s)\n", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var name, tier, ownerEmail, ownerName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organization and its admin owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				org, owner, err := a.Bootstrap(ctx, name, domain.SubscriptionTier(tier), ownerEmail, ownerName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"organization": org, "owner": owner})
				}
				fmt.Printf("Organization %s (%s, %s tier)\n", org.Name, org.ID, org.SubscriptionTier)
				fmt.Printf("Owner %s (%s)\n", owner.Email, owner.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	cmd.Flags().StringVar(&tier, "tier", string(domain.TierFree), "subscription tier (free, pro, enterprise)")
	cmd.Flags().StringVar(&ownerEmail, "owner-email", "", "admin owner email")
	cmd.Flags().StringVar(&ownerName, "owner-name", "", "admin owner full name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner-email")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				orgs, err := a.Engine.Repo.ListOrgs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				tw := newTable("ID", "Name", "Slug", "Tier", "Users", "Projects", "Tasks/Project")
				for _, o := range orgs {
					tw.AppendRow(table.Row{o.ID, o.Name, o.Slug, o.SubscriptionTier, o.MaxUsers, o.MaxProjects, o.MaxTasksPerProject})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users and API keys"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userAPIKeyCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a user to an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				u, err := a.Engine.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.FullName, "name", "", "full name")
	cmd.Flags().BoolVar(&opts.IsAdmin, "admin", false, "grant organization admin")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				users, err := a.Engine.Repo.ListUsers(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Email", "Name", "Admin", "Active")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.FullName, u.IsAdmin, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key for a user",
		Long:  "Issues a new API key. Only its SHA-256 hash is stored, so the key is printed once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				u, err := a.Engine.Repo.GetUser(ctx, a.DB, userID)
				if err != nil {
					return err
				}
				key := "tp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    u.ID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC(),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": u.ID, "key": key})
				}
				fmt.Printf("API key for %s: %s\n", u.Email, key)
				fmt.Println("Send it as the X-Api-Key header. It will not be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				u, err := a.Engine.Repo.GetUser(ctx, a.DB, userID)
				if err != nil {
					return err
				}
				if ttl <= 0 {
					ttl = a.Config.Server.TokenTTL.Duration
				}
				tok, err := server.SignToken(a.Config.Server.JWTSecret, u.ID, u.OrgID, ttl, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default server.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Run and inspect analytics jobs"}
	j.AddCommand(jobsListCmd())
	j.AddCommand(jobsRunCmd())
	j.AddCommand(jobsLastCmd())
	return j
}

func jobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs and their schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			s := app.Schedule(cfg)
			periods := map[string]time.Duration{
				jobs.ProcessAnalyticsBatch:        s.Batch,
				jobs.GenerateDailyReport:          s.DailyReport,
				jobs.CleanupOldAnalytics:          s.Cleanup,
				jobs.CalculateProductivityMetrics: s.Productivity,
			}
			tw := newTable("Job", "Every")
			for _, name := range jobs.Names {
				every := "on demand"
				if p := periods[name]; p > 0 {
					every = p.String()
				}
				tw.AppendRow(table.Row{name, every})
			}
			tw.Render()
			return nil
		},
	}
}

func jobsRunCmd() *cobra.Command {
	var req jobs.Request
	var start, end, date string
	cmd := &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs.Names,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Job = args[0]
			var err error
			if req.Start, err = parseTimeFlag("start", start); err != nil {
				return err
			}
			if req.End, err = parseTimeFlag("end", end); err != nil {
				return err
			}
			if date != "" {
				if req.Date, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				res := a.Jobs.Run(ctx, req)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.OK() {
					return fmt.Errorf("%s failed: %s", res.Job, res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.OrgID, "org", "", "organization id (empty runs batch and cleanup across all tenants)")
	cmd.Flags().StringVar(&req.BatchID, "batch-id", "", "batch id for process_analytics_batch")
	cmd.Flags().StringVar(&start, "start", "", "batch window start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "batch window end (RFC 3339)")
	cmd.Flags().StringVar(&date, "date", "", "report day for generate_daily_report (YYYY-MM-DD)")
	cmd.Flags().IntVar(&req.DaysToKeep, "days-to-keep", 0, "retention for cleanup_old_analytics")
	return cmd
}

func jobsLastCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "last <job>",
		Short: "Show the last stored result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				store := a.Results()
				if store == nil {
					return fmt.Errorf("no result store configured; set redis.addr")
				}
				res, ok, err := store.Last(ctx, args[0], orgID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no stored result for %s", args[0])
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	return cmd
}

type reportFlags struct {
	orgID     string
	days      int
	serverURL string
	token     string
	apiKey    string
}

func (f *reportFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.orgID, "org", "", "organization id (local mode)")
	cmd.Flags().IntVar(&f.days, "days", 0, "window length in days (default analytics.default_window_days)")
	cmd.Flags().StringVar(&f.serverURL, "server", "", "query a running server instead of the local database")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for --server")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key for --server")
}

func (f *reportFlags) client() *taskpulsesdk.Client {
	c := taskpulsesdk.New(f.serverURL)
	c.BearerToken = firstNonEmpty(f.token, viper.GetString("token"))
	c.APIKey = firstNonEmpty(f.apiKey, viper.GetString("api-key"))
	return c
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Analytics reports"}
	r.AddCommand(reportDashboardCmd())
	r.AddCommand(reportTimeSeriesCmd())
	return r
}

func reportDashboardCmd() *cobra.Command {
	var f reportFlags
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Dashboard metrics for one organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.serverURL != "" {
				m, err := f.client().Dashboard(cmd.Context(), f.days)
				if err != nil {
					return err
				}
				return printJSON(m)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
				days, err := reportDays(a.Config, f.days)
				if err != nil {
					return err
				}
				m, err := a.Analytics.ComputeDashboard(ctx, f.orgID, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printDashboard(m)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func reportTimeSeriesCmd() *cobra.Command {
	var f reportFlags
	cmd := &cobra.Command{
		Use:   "timeseries",
		Short: "Tasks created and completed per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			var points []domain.TimeSeriesPoint
			if f.serverURL != "" {
				remote, err := f.client().TimeSeries(cmd.Context(), f.days)
				if err != nil {
					return err
				}
				for _, p := range remote {
					points = append(points, domain.TimeSeriesPoint(p))
				}
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.App, _ string) error {
					days, err := reportDays(a.Config, f.days)
					if err != nil {
						return err
					}
					points, err = a.Analytics.ComputeTimeSeries(ctx, f.orgID, days)
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(points)
			}
			tw := newTable("Date", "Created", "Completed")
			for _, p := range points {
				tw.AppendRow(table.Row{p.Date, p.TasksCreated, p.TasksCompleted})
			}
			tw.Render()
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func reportDays(cfg *config.Config, days int) (int, error) {
	if days == 0 {
		return cfg.Analytics.DefaultWindowDays, nil
	}
	if days < 1 || days > 365 {
		return 0, fmt.Errorf("--days must be within 1..365")
	}
	return days, nil
}

func printDashboard(m domain.DashboardMetrics) {
	avg := "n/a"
	if m.AvgCompletionHours != nil {
		avg = fmt.Sprintf("%.2fh", *m.AvgCompletionHours)
	}
	summary := newTable("Metric", "Value")
	summary.AppendRows([]table.Row{
		{"Total tasks", m.TotalTasks},
		{"Completed today", m.TasksCompletedToday},
		{"Completed this week", m.TasksCompletedThisWeek},
		{"Average completion", avg},
		{"Overdue", m.TasksOverdue},
		{"Productivity score", fmt.Sprintf("%.2f%%", m.ProductivityScore)},
		{"Total price", fmt.Sprintf("%.2f", m.TotalPrice)},
	})
	summary.Render()

	breakdown := newTable("Status", "Tasks", "Price")
	for _, s := range domain.Statuses {
		breakdown.AppendRow(table.Row{s, m.TasksByStatus[string(s)], fmt.Sprintf("%.2f", m.PriceByStatus[string(s)])})
	}
	breakdown.Render()

	priorities := newTable("Priority", "Tasks", "Price")
	keys := make([]string, 0, len(m.TasksByPriority))
	for k := range m.TasksByPriority {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		priorities.AppendRow(table.Row{k, m.TasksByPriority[k], fmt.Sprintf("%.2f", m.PriceByPriority[k])})
	}
	priorities.Render()

	if len(m.TopContributors) > 0 {
		top := newTable("Contributor", "Email", "Completed")
		for _, c := range m.TopContributors {
			top.AppendRow(table.Row{c.Name, c.Email, c.TaskCount})
		}
		top.Render()
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the config file"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskpulse.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), "taskpulse.yml")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if cfg.Redis.Password != "" {
				cfg.Redis.Password = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			if path == "" {
				path = "defaults"
			}
			fmt.Printf("# source: %s\n", path)
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// --- helpers ---

// loadConfig reads the config file if one exists, then applies environment
// overrides. The returned path is empty when defaults were used.
func loadConfig() (*config.Config, string, error) {
	path := viper.GetString("config")
	if path == "" {
		path = config.Path(viper.GetString("workspace"))
	}
	cfg, err := config.FromFile(path)
	if errors.Is(err, os.ErrNotExist) && viper.GetString("config") == "" {
		cfg, path, err = config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// applyEnv layers TASKPULSE_* variables and flags over file values.
func applyEnv(cfg *config.Config) {
	if v := viper.GetString("database-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis-password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if viper.IsSet("dev-auth") {
		cfg.Server.DevAuth = viper.GetBool("dev-auth")
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(os.Stderr, cfg.Logging.Level)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, path)
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
	}
	return t.UTC(), nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
