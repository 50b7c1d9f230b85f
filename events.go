// Observer pattern interfaces for the supervision core's anomaly and
// degradation events. Events use the CloudEvents specification for
// standardized format and interoperability with external consumers
// (dashboards, log pipelines); the core only emits.
package supervise

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Observer is notified of supervision events. Observers register with a
// Subject and should handle events quickly to avoid blocking peers.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for registration tracking.
	ObserverID() string
}

// Subject accepts observers and fans events out to them. Emission is
// best-effort: observer errors are logged, never propagated, so a
// misbehaving consumer cannot disturb supervision.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered to the
	// given event types. An empty filter receives everything.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to all matching observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
}

// Event type constants for supervision events, using CloudEvents
// reverse-domain notation.
const (
	// Module lifecycle events
	EventTypeModuleLoaded   = "com.corehost.supervise.module.loaded"
	EventTypeModuleUnloaded = "com.corehost.supervise.module.unloaded"
	EventTypeModulePaused   = "com.corehost.supervise.module.paused"
	EventTypeModuleResumed  = "com.corehost.supervise.module.resumed"
	EventTypeModuleSafeMode = "com.corehost.supervise.module.safemode"

	// Anomaly flag events
	EventTypeAnomalyFlagged = "com.corehost.supervise.flag.raised"
	EventTypeFlagCleared    = "com.corehost.supervise.flag.cleared"

	// Fallback events
	EventTypeFallbackActivated = "com.corehost.supervise.fallback.activated"

	// Monitor events
	EventTypeResourceLimitWarning = "com.corehost.supervise.resource.limit_warning"
	EventTypeResourceMonitorError = "com.corehost.supervise.resource.monitor_error"
	EventTypeModuleDegradation    = "com.corehost.supervise.diagnostics.degradation"
	EventTypeDiagnosticsError     = "com.corehost.supervise.diagnostics.error"
	EventTypeModuleReconnected    = "com.corehost.supervise.diagnostics.reconnected"
	EventTypeScalerPaused         = "com.corehost.supervise.scaler.paused"
	EventTypeScalerResumed        = "com.corehost.supervise.scaler.resumed"

	// Batch load events
	EventTypeBatchLoaded     = "com.corehost.supervise.batch.loaded"
	EventTypeBatchRolledBack = "com.corehost.supervise.batch.rolledback"
)

// NewEvent creates a CloudEvent with the supervision core's conventions:
// UUIDv7 id, JSON-encoded data, current timestamp.
func NewEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// newEventID generates a UUIDv7 event id; v7 includes a timestamp, which
// keeps ids time-ordered. Falls back to v4 if v7 generation fails.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// emitEvent publishes a supervision event through the subject, if one is
// configured. Emission failure must never disturb the caller, so errors
// are logged and swallowed.
func emitEvent(ctx context.Context, subject Subject, logger Logger, eventType, source string, data map[string]any) {
	if subject == nil {
		return
	}
	if err := subject.NotifyObservers(ctx, NewEvent(eventType, source, data)); err != nil && logger != nil {
		logger.Debug("Failed to emit event", "eventType", eventType, "source", source, "error", err)
	}
}

// FunctionalObserver creates observers from plain functions, convenient
// for hosts that just forward events to a log or queue.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver wraps handler as an Observer with the given id.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

type observerEntry struct {
	observer   Observer
	eventTypes map[string]struct{} // nil means all events
}

// EventBus is the in-process Subject implementation shared by the
// supervision components. It is safe for concurrent use.
type EventBus struct {
	mu        sync.RWMutex
	observers []observerEntry
	logger    Logger
}

// NewEventBus creates an event bus. The logger may be nil.
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{logger: logger}
}

// RegisterObserver implements Subject.
func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	var filter map[string]struct{}
	if len(eventTypes) > 0 {
		filter = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, observerEntry{observer: observer, eventTypes: filter})
	return nil
}

// UnregisterObserver implements Subject. Unknown observers are ignored.
func (b *EventBus) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.observers[:0]
	for _, entry := range b.observers {
		if entry.observer.ObserverID() != observer.ObserverID() {
			kept = append(kept, entry)
		}
	}
	b.observers = kept
	return nil
}

// NotifyObservers implements Subject. Observer errors are logged and do
// not stop delivery to the remaining observers.
func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	b.mu.RLock()
	entries := make([]observerEntry, len(b.observers))
	copy(entries, b.observers)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.eventTypes != nil {
			if _, ok := entry.eventTypes[event.Type()]; !ok {
				continue
			}
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil && b.logger != nil {
			b.logger.Debug("Observer failed to handle event",
				"observer", entry.observer.ObserverID(), "eventType", event.Type(), "error", err)
		}
	}
	return nil
}
