// Package app wires configuration into the database, engine, aggregator and
// job runner shared by the server, the worker and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"taskpulse/internal/analytics"
	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/jobs"
	"taskpulse/internal/migrate"
	"taskpulse/internal/repo"
)

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Analytics analytics.Aggregator
	Jobs      jobs.Runner
	Logger    *log.Logger

	results *jobs.RedisSink
}

// NewLogger returns a text logger at level writing to w.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", level, err)
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "taskpulse",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.TextFormatter,
	}), nil
}

// Open connects to the configured database, applies migrations and builds
// the services. Job results go to the log and, when redis.addr is set, to
// Redis as well.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, Workspace: workspace, DSN: cfg.Database.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, dbCfg.Dialect())
	a := &App{
		Config: cfg,
		DB:     conn,
		Engine: e,
		Analytics: analytics.Aggregator{
			Store:   e.Repo,
			Timeout: positive(cfg.Analytics.QueryTimeout.Duration),
		},
		Logger: logger,
	}
	var sink jobs.Sink = jobs.LogSink{Logger: logger}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rs, err := jobs.NewRedisSink(ctx, jobs.RedisOptions{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			TTL:      positive(cfg.Redis.ResultTTL.Duration),
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("redis result sink: %w", err)
		}
		a.results = rs
		sink = jobs.MultiSink{sink, rs}
	}
	a.Jobs = jobs.Runner{
		Repo:    e.Repo,
		Timeout: positive(cfg.Worker.JobTimeout.Duration),
		Logger:  logger,
		Sink:    sink,
	}
	return a, nil
}

// Results returns the Redis result store, or nil when none is configured.
func (a *App) Results() *jobs.RedisSink { return a.results }

func (a *App) Close() error {
	var errs []error
	if a.results != nil {
		errs = append(errs, a.results.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

// Schedule converts the worker section into scheduler periods. Intervals
// set to "off" disable the job.
func Schedule(cfg *config.Config) jobs.Schedule {
	w := cfg.Worker
	return jobs.Schedule{
		Batch:         positive(w.BatchInterval.Duration),
		DailyReport:   positive(w.DailyReportInterval.Duration),
		Cleanup:       positive(w.CleanupInterval.Duration),
		Productivity:  positive(w.ProductivityInterval.Duration),
		RetentionDays: w.RetentionDays,
	}
}

// Bootstrap ensures an organization with the given name exists and has an
// admin owner with ownerEmail. Running it twice returns the existing rows.
func (a *App) Bootstrap(ctx context.Context, orgName string, tier domain.SubscriptionTier, ownerEmail, ownerName string) (domain.Organization, domain.User, error) {
	e := a.Engine
	org, err := e.Repo.GetOrgBySlug(ctx, engine.Slugify(orgName))
	if errors.Is(err, repo.ErrNotFound) {
		org, err = e.CreateOrg(ctx, engine.OrgCreateOptions{Name: orgName, Tier: tier})
	}
	if err != nil {
		return domain.Organization{}, domain.User{}, err
	}
	owner, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ownerEmail)))
	switch {
	case err == nil:
		if owner.OrgID != org.ID {
			return domain.Organization{}, domain.User{}, fmt.Errorf("%s already belongs to another organization", ownerEmail)
		}
		return org, owner, nil
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Organization{}, domain.User{}, err
	}
	owner, err = e.CreateUser(ctx, engine.UserCreateOptions{OrgID: org.ID, Email: ownerEmail, FullName: ownerName, IsAdmin: true})
	if err != nil {
		return domain.Organization{}, domain.User{}, fmt.Errorf("create owner: %w", err)
	}
	return org, owner, nil
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
