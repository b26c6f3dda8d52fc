package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/process-engine/log"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine.
const (
	WorkflowRegistered = "workflow_registered"
	InstanceStarted    = "instance_started"
	InstanceCompleted  = "instance_completed"
	ActivityStarted    = "activity_started"
	ActivityWaiting    = "activity_waiting"
	ActivityJoining    = "activity_joining"
	ActivityCompleted  = "activity_completed"
	SubWorkflowStarted = "sub_workflow_started"
	TimerFired         = "timer_fired"
	ErrorOccurred      = "error_occurred"
)

// Event represents a process lifecycle event.
type Event struct {
	Type               string
	WorkflowID         string
	InstanceID         uint64
	ActivityInstanceID int64
	ActivityID         string
	Time               time.Time
	Data               map[string]interface{}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[string][]subscription
	nextID       uint64
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *slog.Logger
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}

	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type. The returned function
// removes the subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(eventType, id) })
	}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(eb.handlers, eventType)
		return
	}
	eb.handlers[eventType] = subs
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// The read lock is held across the send so Stop cannot close the channel under it.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
// Execution is subject to a 5-second timeout unless the context specifies otherwise.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Unprocessed events are discarded.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	handlers := make([]EventHandler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	return handlers
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		log.EventTypeKey, event.Type,
		log.InstanceIDKey, event.InstanceID,
		log.ActivityInstanceIDKey, event.ActivityInstanceID,
		"error", err,
	)
}
