package acquisition

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

const (
	// dailyLookback covers documents the authority publishes late.
	dailyLookback = 3
	// weeklyWindow is the tolerance, in minutes, around the weekly minute.
	weeklyWindow = 2
	// weeklyCooldown keeps one weekly window from firing twice.
	weeklyCooldown = 2*weeklyWindow*time.Minute + time.Minute
)

// PlanDaily returns the range of the daily acquisition when it is due at
// now: the configured hour, not yet run during this hour of this day. The
// range is the last three days up to today.
func PlanDaily(s *fiscal.SyncSettings, now time.Time) (fiscal.DateRange, bool) {
	if !s.DailyEnabled || now.Hour() != s.DailyHour {
		return fiscal.DateRange{}, false
	}
	if last := s.LastDailyRunAt; last != nil {
		l := last.In(now.Location())
		if l.Format(time.DateOnly) == now.Format(time.DateOnly) && l.Hour() == now.Hour() {
			return fiscal.DateRange{}, false
		}
	}
	r, err := fiscal.NewDateRange(now.AddDate(0, 0, -dailyLookback), now)
	return r, err == nil
}

// PlanWeekly returns the range of the weekly acquisition when it is due at
// now: the configured weekday and hour, within two minutes of the configured
// minute. The range runs from LookbackDays ago to yesterday.
func PlanWeekly(s *fiscal.SyncSettings, now time.Time) (fiscal.DateRange, bool) {
	if !s.WeeklyEnabled || now.Weekday() != s.WeeklyDay || now.Hour() != s.WeeklyHour {
		return fiscal.DateRange{}, false
	}
	diff := now.Minute() - s.WeeklyMinute
	if diff < -weeklyWindow || diff > weeklyWindow {
		return fiscal.DateRange{}, false
	}
	if last := s.LastWeeklyRunAt; last != nil && now.Sub(*last) < weeklyCooldown {
		return fiscal.DateRange{}, false
	}
	days := s.LookbackDays
	if days <= 0 {
		days = 7
	}
	r, err := fiscal.NewDateRange(now.AddDate(0, 0, -days), now.AddDate(0, 0, -1))
	return r, err == nil
}

// RunSchedules submits the daily and weekly acquisitions due at now for
// every active tenant, both directions each. It is meant to run every
// minute; the last-run stamps keep it from submitting twice.
func (s *Service) RunSchedules(ctx context.Context, now time.Time) error {
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		settings, err := s.settings.Get(ctx, tenant.ID)
		if err != nil {
			s.logger.Warn("failed to read sync settings", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
			continue
		}

		dirty := false
		if r, ok := PlanDaily(settings, now); ok {
			s.submitBoth(ctx, tenant, r, "daily")
			at := now.UTC()
			settings.LastDailyRunAt = &at
			dirty = true
		}
		if r, ok := PlanWeekly(settings, now); ok {
			s.submitBoth(ctx, tenant, r, "weekly")
			at := now.UTC()
			settings.LastWeeklyRunAt = &at
			dirty = true
		}
		if !dirty {
			continue
		}
		settings.UpdatedAt = now.UTC()
		if err := s.settings.Save(ctx, settings); err != nil {
			s.logger.Error("failed to stamp schedule run", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) submitBoth(ctx context.Context, tenant *fiscal.Tenant, r fiscal.DateRange, schedule string) {
	for _, direction := range []fiscal.Direction{fiscal.DirectionReceived, fiscal.DirectionIssued} {
		req, err := s.Submit(ctx, SubmitCommand{
			TenantID:    tenant.ID,
			Range:       r,
			Direction:   direction,
			RequestedBy: "scheduler:" + schedule,
			Auto:        true,
		})
		if err != nil {
			s.logger.Error("scheduled submission failed",
				zap.String("tenant_id", tenant.ID.String()),
				zap.String("schedule", schedule),
				zap.String("direction", string(direction)),
				zap.Error(err))
			continue
		}
		s.logger.Info("scheduled submission",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("schedule", schedule),
			zap.String("direction", string(direction)),
			zap.String("range", r.String()),
			zap.String("request_id", req.ID.String()))
	}
}
