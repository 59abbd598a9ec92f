// Package event dispatches domain events raised by aggregates to in-process
// handlers such as the audit trail and the accounting status push.
package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/cfdisync/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// InMemoryEventBus delivers events synchronously, in registration order.
type InMemoryEventBus struct {
	registry *HandlerRegistry
	logger   *zap.Logger
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		registry: NewHandlerRegistry(),
		logger:   logger.Named("event.bus"),
	}
}

// Publish hands every event to its handlers. A failing handler does not stop
// the others; all failures are returned joined.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	var errs []error
	for _, ev := range events {
		for _, handler := range b.registry.GetHandlers(ev.EventType()) {
			if err := b.dispatch(ctx, handler, ev); err != nil {
				b.logger.Error("handler failed to process event",
					zap.String("event_type", ev.EventType()),
					zap.String("event_id", ev.EventID().String()),
					zap.String("aggregate_id", ev.AggregateID().String()),
					zap.Error(err),
				)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers handler for eventTypes, or for the handler's own
// EventTypes when none are given.
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	b.registry.Register(handler, eventTypes...)
	b.logger.Debug("handler subscribed", zap.Strings("event_types", eventTypes))
}

// Unsubscribe removes a handler
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.registry.Unregister(handler)
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, handler shared.EventHandler, ev shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked on %s: %v", ev.EventType(), r)
		}
	}()
	return handler.Handle(ctx, ev)
}

// PublishAndClear publishes the pending events of an aggregate and clears
// them, so a retried save cannot deliver them twice.
func PublishAndClear(ctx context.Context, pub shared.EventPublisher, agg interface {
	GetDomainEvents() []shared.DomainEvent
	ClearDomainEvents()
}) error {
	events := agg.GetDomainEvents()
	if len(events) == 0 {
		return nil
	}
	agg.ClearDomainEvents()
	return pub.Publish(ctx, events...)
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
