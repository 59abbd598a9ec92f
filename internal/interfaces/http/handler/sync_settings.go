package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cfdisync/backend/internal/domain/fiscal"
)

// SyncSettingsStore reads and writes a tenant's acquisition schedule.
type SyncSettingsStore interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*fiscal.SyncSettings, error)
	Save(ctx context.Context, s *fiscal.SyncSettings) error
}

// SyncSettingsBody is the schedule as the API reads and writes it. Hours
// are in the scheduler timezone; weekly_day is 0 (Sunday) to 6.
type SyncSettingsBody struct {
	DailyEnabled     bool       `json:"daily_enabled"`
	DailyHour        int        `json:"daily_hour" binding:"gte=0,lte=23"`
	WeeklyEnabled    bool       `json:"weekly_enabled"`
	WeeklyDay        int        `json:"weekly_day" binding:"gte=0,lte=6"`
	WeeklyHour       int        `json:"weekly_hour" binding:"gte=0,lte=23"`
	WeeklyMinute     int        `json:"weekly_minute" binding:"gte=0,lte=59"`
	LookbackDays     int        `json:"lookback_days" binding:"required"`
	ReconcileEnabled bool       `json:"reconcile_enabled"`
	LastDailyRunAt   *time.Time `json:"last_daily_run_at,omitempty"`
	LastWeeklyRunAt  *time.Time `json:"last_weekly_run_at,omitempty"`
}

func toSyncSettingsBody(s *fiscal.SyncSettings) SyncSettingsBody {
	return SyncSettingsBody{
		DailyEnabled:     s.DailyEnabled,
		DailyHour:        s.DailyHour,
		WeeklyEnabled:    s.WeeklyEnabled,
		WeeklyDay:        int(s.WeeklyDay),
		WeeklyHour:       s.WeeklyHour,
		WeeklyMinute:     s.WeeklyMinute,
		LookbackDays:     s.LookbackDays,
		ReconcileEnabled: s.ReconcileEnabled,
		LastDailyRunAt:   s.LastDailyRunAt,
		LastWeeklyRunAt:  s.LastWeeklyRunAt,
	}
}

// SyncSettingsHandler serves the schedule endpoints.
type SyncSettingsHandler struct {
	BaseHandler
	settings SyncSettingsStore
}

// NewSyncSettingsHandler creates the handler.
func NewSyncSettingsHandler(settings SyncSettingsStore) *SyncSettingsHandler {
	return &SyncSettingsHandler{settings: settings}
}

// Get returns the tenant's schedule, or the defaults when none was saved.
func (h *SyncSettingsHandler) Get(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	s, err := h.settings.Get(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toSyncSettingsBody(s))
}

// Update replaces the tenant's schedule. Run stamps are kept from the
// stored settings; the body cannot move them.
func (h *SyncSettingsHandler) Update(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	var body SyncSettingsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.BindError(c, err)
		return
	}
	s, err := h.settings.Get(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	s.DailyEnabled = body.DailyEnabled
	s.DailyHour = body.DailyHour
	s.WeeklyEnabled = body.WeeklyEnabled
	s.WeeklyDay = time.Weekday(body.WeeklyDay)
	s.WeeklyHour = body.WeeklyHour
	s.WeeklyMinute = body.WeeklyMinute
	s.LookbackDays = body.LookbackDays
	s.ReconcileEnabled = body.ReconcileEnabled
	if err := h.settings.Save(c.Request.Context(), s); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toSyncSettingsBody(s))
}
