// internal/service/event_bus.go
package service

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usblink-service/internal/model"
)

// EventBus fans link events out to subscribers in publish order
type EventBus struct {
	subscribers map[string]chan model.LinkEvent
	events      chan model.LinkEvent
	mutex       sync.RWMutex
	closed      bool
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string]chan model.LinkEvent),
		events:      make(chan model.LinkEvent, 1000),
		logger:      logger,
	}
}

// Start distributes events until Close is called
func (eb *EventBus) Start() {
	for event := range eb.events {
		eb.distributeEvent(event)
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for id, subscriber := range eb.subscribers {
		close(subscriber)
		delete(eb.subscribers, id)
	}
}

// Publish queues an event without blocking
func (eb *EventBus) Publish(event model.LinkEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	if eb.closed {
		return
	}

	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Subscribe registers a subscriber for all events
func (eb *EventBus) Subscribe() (string, <-chan model.LinkEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	id := uuid.NewString()
	subscriber := make(chan model.LinkEvent, 100)
	if eb.closed {
		close(subscriber)
		return id, subscriber
	}
	eb.subscribers[id] = subscriber
	return id, subscriber
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(id string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if subscriber, exists := eb.subscribers[id]; exists {
		close(subscriber)
		delete(eb.subscribers, id)
	}
}

// Close stops accepting events; Start returns after draining the queue
func (eb *EventBus) Close() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.events)
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.LinkEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for id, subscriber := range eb.subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
			eb.logger.Debug("Dropping event for slow subscriber",
				zap.String("subscriber_id", id),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}
