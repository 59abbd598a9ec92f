package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc is the body of a scheduled entry. now is already in the
// trigger's location.
type TickFunc func(ctx context.Context, now time.Time) error

type entryKind int

const (
	entryEvery entryKind = iota
	entryDaily
	entryTick
)

type cronEntry struct {
	name     string
	kind     entryKind
	interval time.Duration
	hour     int
	fn       TickFunc

	lastRun  time.Time
	lastDate string
}

// due reports whether the entry should fire at now and records the firing.
func (e *cronEntry) due(now time.Time) bool {
	switch e.kind {
	case entryEvery:
		if !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.interval {
			return false
		}
		e.lastRun = now
		return true
	case entryDaily:
		date := now.Format(time.DateOnly)
		if now.Hour() != e.hour || e.lastDate == date {
			return false
		}
		e.lastDate = date
		return true
	default:
		return true
	}
}

// CronTriggerConfig configures the trigger
type CronTriggerConfig struct {
	// CheckInterval is the ticker resolution.
	CheckInterval time.Duration
	Location      *time.Location
}

// DefaultCronTriggerConfig returns default cron trigger configuration
func DefaultCronTriggerConfig() CronTriggerConfig {
	return CronTriggerConfig{CheckInterval: time.Minute, Location: time.UTC}
}

// CronTrigger fires registered entries from a single ticker: fixed
// intervals (poll), once a day at an hour (revalidation), or every tick
// (the per-tenant schedule check, which decides itself what is due).
type CronTrigger struct {
	config CronTriggerConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries []*cronEntry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCronTrigger creates a stopped trigger
func NewCronTrigger(cfg CronTriggerConfig, log *zap.Logger) *CronTrigger {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CronTrigger{config: cfg, logger: log.Named("scheduler.cron")}
}

// Every runs fn on the first tick and then whenever interval has elapsed.
func (c *CronTrigger) Every(name string, interval time.Duration, fn TickFunc) {
	c.add(&cronEntry{name: name, kind: entryEvery, interval: interval, fn: fn})
}

// DailyAt runs fn once per calendar day, on the first tick within hour.
func (c *CronTrigger) DailyAt(name string, hour int, fn TickFunc) {
	c.add(&cronEntry{name: name, kind: entryDaily, hour: hour, fn: fn})
}

// EveryTick runs fn on every tick
func (c *CronTrigger) EveryTick(name string, fn TickFunc) {
	c.add(&cronEntry{name: name, kind: entryTick, fn: fn})
}

func (c *CronTrigger) add(e *cronEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Start launches the ticker loop
func (c *CronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("cron trigger started",
		zap.Int("entries", len(c.entries)),
		zap.Duration("check_interval", c.config.CheckInterval),
		zap.String("location", c.config.Location.String()))
	return nil
}

// Stop ends the loop and waits for the current tick to finish
func (c *CronTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("cron trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CronTrigger) runLoop(ctx context.Context) {
	defer c.wg.Done()

	c.Tick(ctx, time.Now())
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.Tick(ctx, t)
		}
	}
}

// Tick runs every entry due at now, in registration order. Entry errors
// and panics are logged; they never stop the other entries.
func (c *CronTrigger) Tick(ctx context.Context, now time.Time) {
	now = now.In(c.config.Location)

	c.mu.Lock()
	var due []*cronEntry
	for _, e := range c.entries {
		if e.due(now) {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := c.fire(ctx, e, now); err != nil {
			c.logger.Error("scheduled entry failed", zap.String("entry", e.name), zap.Error(err))
		}
	}
}

func (c *CronTrigger) fire(ctx context.Context, e *cronEntry, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry %s panicked: %v", e.name, r)
		}
	}()
	c.logger.Debug("firing scheduled entry", zap.String("entry", e.name))
	return e.fn(ctx, now)
}
