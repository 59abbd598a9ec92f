package fiscal

import (
	"fmt"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Tenant is one taxpayer company served by the system.
type Tenant struct {
	ID         uuid.UUID
	RFC        string
	Name       string
	Active     bool
	LastSyncAt *time.Time
}

// LookbackChoices are the allowed weekly look-back windows in days.
var LookbackChoices = []int{7, 14, 21, 30, 60, 90, 120, 150, 180, 270, 365}

// SyncSettings are the per-tenant schedule and reconciliation switches.
type SyncSettings struct {
	TenantID         uuid.UUID
	DailyEnabled     bool
	DailyHour        int
	WeeklyEnabled    bool
	WeeklyDay        time.Weekday
	WeeklyHour       int
	WeeklyMinute     int
	LookbackDays     int
	ReconcileEnabled bool
	LastDailyRunAt   *time.Time
	LastWeeklyRunAt  *time.Time
	UpdatedAt        time.Time
}

// DefaultSyncSettings returns the settings used when a tenant never saved any.
func DefaultSyncSettings(tenantID uuid.UUID) *SyncSettings {
	return &SyncSettings{
		TenantID:     tenantID,
		DailyEnabled: true,
		DailyHour:    3,
		WeeklyDay:    time.Monday,
		WeeklyHour:   4,
		LookbackDays: 7,
	}
}

// Validate checks hours, minutes and the look-back window.
func (s *SyncSettings) Validate() error {
	if s.DailyHour < 0 || s.DailyHour > 23 || s.WeeklyHour < 0 || s.WeeklyHour > 23 {
		return shared.NewDomainError("INVALID_INPUT", "hours must be between 0 and 23")
	}
	if s.WeeklyMinute < 0 || s.WeeklyMinute > 59 {
		return shared.NewDomainError("INVALID_INPUT", "minute must be between 0 and 59")
	}
	if s.WeeklyDay < time.Sunday || s.WeeklyDay > time.Saturday {
		return shared.NewDomainError("INVALID_INPUT", "weekly day must be between 0 and 6")
	}
	for _, c := range LookbackChoices {
		if c == s.LookbackDays {
			return nil
		}
	}
	return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("look-back of %d days is not allowed", s.LookbackDays))
}
