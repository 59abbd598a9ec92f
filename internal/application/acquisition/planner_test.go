package acquisition

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

var mexicoCity = time.FixedZone("CST", -6*60*60)

func TestPlanDaily(t *testing.T) {
	settings := fiscal.DefaultSyncSettings(uuid.New())
	at := time.Date(2024, 3, 14, 3, 1, 0, 0, mexicoCity)

	r, ok := PlanDaily(settings, at)
	require.True(t, ok)
	assert.Equal(t, "2024-03-11..2024-03-14", r.String())

	_, ok = PlanDaily(settings, at.Add(time.Hour))
	assert.False(t, ok, "outside the configured hour")

	last := at.UTC()
	settings.LastDailyRunAt = &last
	_, ok = PlanDaily(settings, at.Add(30*time.Minute))
	assert.False(t, ok, "already ran this hour")
	_, ok = PlanDaily(settings, at.AddDate(0, 0, 1))
	assert.True(t, ok, "next day runs again")

	settings.DailyEnabled = false
	_, ok = PlanDaily(settings, at.AddDate(0, 0, 2))
	assert.False(t, ok)
}

func TestPlanWeekly(t *testing.T) {
	settings := &fiscal.SyncSettings{
		WeeklyEnabled: true,
		WeeklyDay:     time.Monday,
		WeeklyHour:    4,
		WeeklyMinute:  30,
		LookbackDays:  14,
	}
	monday := time.Date(2024, 3, 18, 4, 30, 0, 0, mexicoCity)

	tests := []struct {
		name string
		at   time.Time
		due  bool
	}{
		{"on the minute", monday, true},
		{"two minutes early", monday.Add(-2 * time.Minute), true},
		{"two minutes late", monday.Add(2 * time.Minute), true},
		{"three minutes late", monday.Add(3 * time.Minute), false},
		{"wrong hour", monday.Add(time.Hour), false},
		{"wrong day", monday.AddDate(0, 0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := PlanWeekly(settings, tt.at)
			assert.Equal(t, tt.due, ok)
		})
	}

	r, ok := PlanWeekly(settings, monday)
	require.True(t, ok)
	assert.Equal(t, "2024-03-04..2024-03-17", r.String(), "from look-back to yesterday")

	last := monday.Add(-time.Minute)
	settings.LastWeeklyRunAt = &last
	_, ok = PlanWeekly(settings, monday.Add(time.Minute))
	assert.False(t, ok, "one firing per window")
	_, ok = PlanWeekly(settings, monday.AddDate(0, 0, 7))
	assert.True(t, ok)
}

func TestService_RunSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	settings := fiscal.DefaultSyncSettings(f.tenant.ID)
	settings.DailyHour = 3
	settings.WeeklyEnabled = true
	settings.WeeklyDay = time.Thursday
	settings.WeeklyHour = 3
	settings.WeeklyMinute = 0
	require.NoError(t, f.settings.Save(ctx, settings))

	at := time.Date(2024, 3, 14, 3, 1, 0, 0, mexicoCity)
	require.NoError(t, f.svc.RunSchedules(ctx, at))

	page, err := f.requests.ListByTenant(ctx, f.tenant.ID, shared.Filter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 4, page.Total, "daily and weekly, both directions")
	for _, req := range page.Items {
		assert.True(t, req.AutoGenerated)
		assert.Contains(t, req.RequestedBy, "scheduler:")
	}

	stored, err := f.settings.Get(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastDailyRunAt)
	require.NotNil(t, stored.LastWeeklyRunAt)

	// The next tick within the same window submits nothing.
	require.NoError(t, f.svc.RunSchedules(ctx, at.Add(time.Minute)))
	page, err = f.requests.ListByTenant(ctx, f.tenant.ID, shared.Filter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 4, page.Total)
}
