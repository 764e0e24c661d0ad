package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventTypeProvisioningChanged = "resource.provisioning_changed"
	EventTypeResourceDeleted     = "resource.deleted"
	EventTypeEnvironmentChanged  = "environment.state_changed"
	EventTypeMonitorArmed        = "monitor.armed"
	EventTypeMonitorCorrected    = "monitor.corrected"
	EventTypeNoCapacity          = "capacity.unavailable"
)

// Event severities.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var errPublisherStopped = errors.New("event publisher stopped")

// Event is a lifecycle notification about a resource record, an environment
// or a placement decision.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	EnvironmentID string                 `json:"environment_id,omitempty"`
	Message       string                 `json:"message"`
	Level         string                 `json:"level"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants event.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to in-process subscribers. A nil or
// disabled publisher accepts and drops everything, so components can
// publish unconditionally.
//
// In async mode events go through a bounded buffer drained by one
// goroutine; a full buffer drops the event and reports it to the caller.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewEventPublisher starts a publisher for cfg.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.dispatch()
	return ep, nil
}

// Subscribe registers fn for every event accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an ID and time, then delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func (ep *EventPublisher) dispatch() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown delivers the buffered events and stops the dispatcher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.stop == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishProvisioningChanged(resourceID, resourceType, status, reason string) error {
	level := EventLevelInfo
	if status == "Failed" || status == "Cancelled" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:       EventTypeProvisioningChanged,
		Source:     "broker",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("resource %s is %s", resourceID, status),
		Level:      level,
		Data:       map[string]interface{}{"resource_type": resourceType, "status": status, "reason": reason},
	})
}

func (ep *EventPublisher) PublishResourceDeleted(resourceID, resourceType string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceDeleted,
		Source:     "broker",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("resource %s deleted", resourceID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"resource_type": resourceType},
	})
}

// PublishEnvironmentChanged reports a state transition. Transitions into
// Failed are errors.
func (ep *EventPublisher) PublishEnvironmentChanged(environmentID, from, to, reason string) error {
	level := EventLevelInfo
	if to == "Failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:          EventTypeEnvironmentChanged,
		Source:        "environment",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("environment %s moved from %s to %s", environmentID, from, to),
		Level:         level,
		Data:          map[string]interface{}{"from": from, "to": to, "reason": reason},
	})
}

func (ep *EventPublisher) PublishMonitorArmed(environmentID, current, target string, timeout time.Duration) error {
	return ep.Publish(Event{
		Type:          EventTypeMonitorArmed,
		Source:        "monitor",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("watching %s -> %s for %s", current, target, timeout),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"current_state": current,
			"target_state":  target,
			"timeout":       timeout.String(),
		},
	})
}

// PublishMonitorCorrected reports the action taken on an environment stuck
// in stuckState.
func (ep *EventPublisher) PublishMonitorCorrected(environmentID, stuckState, action string) error {
	return ep.Publish(Event{
		Type:          EventTypeMonitorCorrected,
		Source:        "monitor",
		EnvironmentID: environmentID,
		Message:       fmt.Sprintf("environment %s stuck in %s, applied %s", environmentID, stuckState, action),
		Level:         EventLevelWarning,
		Data:          map[string]interface{}{"state": stuckState, "action": action},
	})
}

func (ep *EventPublisher) PublishNoCapacity(location, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeNoCapacity,
		Source:  "capacity",
		Message: fmt.Sprintf("no capacity in %s: %s", location, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"location": location},
	})
}

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(event Event) bool {
		return eventLevelRank[event.Level] >= floor
	}
}

// FilterByType accepts the listed event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// LogEvents returns a subscriber writing each event to logger, with warning
// and error events logged at warn level.
func LogEvents(logger *Logger) EventSubscriber {
	zl := logger.Zerolog()
	return func(event Event) {
		var e *zerolog.Event
		if event.Level == EventLevelInfo {
			e = zl.Info()
		} else {
			e = zl.Warn()
		}
		e.Str("event_type", event.Type).
			Str("event_id", event.ID).
			Str("source", event.Source)
		if event.ResourceID != "" {
			e.Str("resource_id", event.ResourceID)
		}
		if event.EnvironmentID != "" {
			e.Str("environment_id", event.EnvironmentID)
		}
		e.Fields(event.Data).Msg(event.Message)
	}
}
