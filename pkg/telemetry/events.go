package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// Event is one status or journal event published to subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Subject is the block UID, zone or environment the event is about.
	Subject string `json:"subject,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains the status record or other event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeBlockStatus = "block.status"
	EventTypeZoneStatus  = "zone.status"
	EventTypeJournal     = "journal"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrBufferFull is returned by Publish when the async buffer has no room.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans engine status records out to subscribers. It implements
// engine.StatusSink. Subscribers see events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.StatusSink = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// BlockStatus implements engine.StatusSink.
func (ep *EventPublisher) BlockStatus(status engine.BlockStatus) {
	level := EventLevelInfo
	message := fmt.Sprintf("Block %s ready", status.UID)
	if !status.Ready {
		level = EventLevelWarning
		message = fmt.Sprintf("Block %s not ready", status.UID)
	}
	if len(status.BlockErrors) > 0 || len(status.PropertyErrors) > 0 {
		level = EventLevelError
		message = fmt.Sprintf("Block %s: %s", status.UID, firstError(status))
	}

	_ = ep.Publish(Event{
		Type:    EventTypeBlockStatus,
		Source:  "engine",
		Subject: status.UID,
		Message: message,
		Level:   level,
		Data:    map[string]interface{}{"status": status},
	})
}

// ZoneStatus implements engine.StatusSink.
func (ep *EventPublisher) ZoneStatus(status engine.ZoneStatus) {
	level := EventLevelInfo
	message := fmt.Sprintf("Zone %s healthy on %s", status.Zone, status.Environment)
	if !status.Healthy {
		level = EventLevelError
		message = fmt.Sprintf("Zone %s failed on %s: %s", status.Zone, status.Environment, status.Error)
	}

	_ = ep.Publish(Event{
		Type:    EventTypeZoneStatus,
		Source:  "engine",
		Subject: status.Zone,
		Message: message,
		Level:   level,
		Data:    map[string]interface{}{"status": status},
	})
}

// PublishJournalEvent republishes a journal entry to subscribers.
func (ep *EventPublisher) PublishJournalEvent(event engine.JournalEvent) error {
	level := EventLevelInfo
	if strings.HasSuffix(event.Kind, ".failed") || event.Kind == engine.EventLockup {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Timestamp: event.Timestamp,
		Type:      EventTypeJournal,
		Source:    event.Kind,
		Subject:   event.Subject,
		Message:   event.Message,
		Level:     level,
	})
}

func firstError(status engine.BlockStatus) string {
	if len(status.BlockErrors) > 0 {
		return status.BlockErrors[0]
	}
	// Map order is random; report the smallest key.
	var key string
	for k := range status.PropertyErrors {
		if key == "" || k < key {
			key = k
		}
	}
	return key + ": " + status.PropertyErrors[key]
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySubject creates a filter that only allows events about one subject.
func FilterBySubject(subject string) EventFilter {
	return func(event Event) bool {
		return event.Subject == subject
	}
}
