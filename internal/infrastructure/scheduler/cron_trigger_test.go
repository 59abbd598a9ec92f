package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type firings struct{ times []time.Time }

func (f *firings) fn(_ context.Context, now time.Time) error {
	f.times = append(f.times, now)
	return nil
}

func TestCronTrigger_Every(t *testing.T) {
	c := NewCronTrigger(DefaultCronTriggerConfig(), zap.NewNop())
	var poll firings
	c.Every("poll", 5*time.Minute, poll.fn)

	base := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	for m := 0; m <= 11; m++ {
		c.Tick(context.Background(), base.Add(time.Duration(m)*time.Minute))
	}
	require.Len(t, poll.times, 3)
	assert.Equal(t, base, poll.times[0])
	assert.Equal(t, base.Add(5*time.Minute), poll.times[1])
	assert.Equal(t, base.Add(10*time.Minute), poll.times[2])
}

func TestCronTrigger_DailyAtUsesLocation(t *testing.T) {
	mx, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	c := NewCronTrigger(CronTriggerConfig{CheckInterval: time.Minute, Location: mx}, zap.NewNop())
	var sweep firings
	c.DailyAt("revalidation", 6, sweep.fn)

	// 06:00 in Mexico City is 12:00 UTC (no DST since 2022).
	day := time.Date(2024, 5, 20, 11, 59, 0, 0, time.UTC)
	c.Tick(context.Background(), day)
	assert.Empty(t, sweep.times)

	c.Tick(context.Background(), day.Add(time.Minute))
	c.Tick(context.Background(), day.Add(2*time.Minute))
	require.Len(t, sweep.times, 1, "once per day")
	assert.Equal(t, 6, sweep.times[0].Hour())
	assert.Equal(t, mx, sweep.times[0].Location())

	c.Tick(context.Background(), day.Add(24*time.Hour+time.Minute))
	assert.Len(t, sweep.times, 2)
}

func TestCronTrigger_FailingEntryDoesNotStopOthers(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	c := NewCronTrigger(DefaultCronTriggerConfig(), zap.New(core))
	var plans firings
	c.EveryTick("boom", func(context.Context, time.Time) error { panic("nil tenant") })
	c.EveryTick("failing", func(context.Context, time.Time) error { return errors.New("db down") })
	c.EveryTick("plans", plans.fn)

	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), now)
	c.Tick(context.Background(), now.Add(time.Minute))

	assert.Len(t, plans.times, 2)
	assert.Equal(t, 4, logs.FilterMessage("scheduled entry failed").Len())
}

func TestCronTrigger_StartRunsImmediately(t *testing.T) {
	c := NewCronTrigger(CronTriggerConfig{CheckInterval: time.Hour}, nil)
	fired := make(chan struct{}, 1)
	c.EveryTick("plans", func(context.Context, time.Time) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("first tick not run on start")
	}
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
