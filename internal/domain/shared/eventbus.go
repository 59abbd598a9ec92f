package shared

import "context"

// EventHandler reacts to published events. Handlers run in the publisher's
// goroutine, so a slow handler slows the acquisition or sweep that raised
// the event.
type EventHandler interface {
	Handle(ctx context.Context, event DomainEvent) error
	// EventTypes filters delivery; nil or empty means every type.
	EventTypes() []string
}

// EventPublisher is what services depend on to announce state changes.
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

// EventSubscriber is the wiring side of the bus.
type EventSubscriber interface {
	Subscribe(handler EventHandler, eventTypes ...string)
	Unsubscribe(handler EventHandler)
}

type EventBus interface {
	EventPublisher
	EventSubscriber
}
