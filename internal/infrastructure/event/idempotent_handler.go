package event

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cfdisync/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// DefaultIdempotencyTTL is how long a delivered event id is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStats is a snapshot of an IdempotentHandler's counters.
type IdempotencyStats struct {
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

// IdempotentHandler runs the wrapped handler at most once per event id. The
// id is claimed in a KeyedLocker (Redis in production) and kept for the TTL;
// a failed run releases the claim so a redelivery can retry.
type IdempotentHandler struct {
	handler shared.EventHandler
	locker  shared.KeyedLocker
	ttl     time.Duration
	logger  *zap.Logger

	processed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewIdempotentHandler wraps handler. A non-positive ttl uses DefaultIdempotencyTTL.
func NewIdempotentHandler(handler shared.EventHandler, locker shared.KeyedLocker, ttl time.Duration, logger *zap.Logger) *IdempotentHandler {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotentHandler{handler: handler, locker: locker, ttl: ttl, logger: logger}
}

// EventTypes delegates to the wrapped handler
func (h *IdempotentHandler) EventTypes() []string {
	return h.handler.EventTypes()
}

// Handle claims the event id, then runs the wrapped handler.
func (h *IdempotentHandler) Handle(ctx context.Context, ev shared.DomainEvent) error {
	key := "event:" + ev.EventID().String()
	release, err := h.locker.TryLock(ctx, key, h.ttl)
	switch {
	case errors.Is(err, shared.ErrLockHeld):
		h.duplicates.Add(1)
		h.logger.Debug("duplicate event skipped",
			zap.String("event_id", ev.EventID().String()),
			zap.String("event_type", ev.EventType()))
		return nil
	case err != nil:
		// The store is down; run anyway rather than drop the event.
		h.logger.Warn("idempotency check failed, processing anyway",
			zap.String("event_id", ev.EventID().String()), zap.Error(err))
		release = nil
	}

	if err := h.handler.Handle(ctx, ev); err != nil {
		h.failed.Add(1)
		if release != nil {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				h.logger.Warn("failed to release idempotency claim", zap.String("key", key), zap.Error(rerr))
			}
		}
		return err
	}
	h.processed.Add(1)
	return nil
}

// Stats returns the counters
func (h *IdempotentHandler) Stats() IdempotencyStats {
	return IdempotencyStats{
		Processed:  h.processed.Load(),
		Duplicates: h.duplicates.Load(),
		Failed:     h.failed.Load(),
	}
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)
