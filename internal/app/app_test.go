package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/jobs"
)

func TestOpenAndBootstrap(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug")
	require.NoError(t, err)
	ctx := context.Background()

	a, err := Open(ctx, t.TempDir(), config.Default(), logger)
	require.NoError(t, err)
	defer a.Close()
	require.Nil(t, a.Results())
	require.Equal(t, 10*time.Second, a.Analytics.Timeout)

	org, owner, err := a.Bootstrap(ctx, "Acme Corp", domain.TierPro, "Owner@Acme.test", "Olive Owner")
	require.NoError(t, err)
	require.Equal(t, "acme-corp", org.Slug)
	require.Equal(t, domain.TierPro, org.SubscriptionTier)
	require.True(t, owner.IsAdmin)
	require.Equal(t, "owner@acme.test", owner.Email)

	again, sameOwner, err := a.Bootstrap(ctx, "Acme Corp", domain.TierPro, "owner@acme.test", "")
	require.NoError(t, err)
	require.Equal(t, org.ID, again.ID)
	require.Equal(t, owner.ID, sameOwner.ID)

	_, _, err = a.Bootstrap(ctx, "Globex", domain.TierFree, "owner@acme.test", "")
	require.Error(t, err)

	res := a.Jobs.Run(ctx, jobs.Request{Job: jobs.CleanupOldAnalytics, OrgID: org.ID})
	require.True(t, res.OK(), res.Error)
	require.Contains(t, buf.String(), jobs.CleanupOldAnalytics)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "loud")
	require.Error(t, err)
}

func TestScheduleHonoursOff(t *testing.T) {
	cfg := config.Default()
	s := Schedule(cfg)
	require.Equal(t, time.Hour, s.Batch)
	require.Equal(t, 24*time.Hour, s.DailyReport)
	require.Zero(t, s.Productivity)
	require.Equal(t, 90, s.RetentionDays)
}
