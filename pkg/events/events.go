package events

import (
	"context"
	"sync"
	"time"

	"github.com/aivillage/hub/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskClaimed   EventType = "task.claimed"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskRecovered EventType = "task.recovered"
	EventAgentStarted  EventType = "agent.started"
	EventAgentStopped  EventType = "agent.stopped"
)

// Event is a hub lifecycle event. TaskID is zero for agent-level events.
type Event struct {
	Type      EventType
	Timestamp time.Time
	AgentID   string
	TaskID    int64
	Message   string
	Metadata  map[string]any
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.AgentID = types.NormalizeAgentID(event.AgentID)

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogSink is the subset of the storage surface the drain writes to
type LogSink interface {
	AppendLog(ctx context.Context, entry *types.LogEntry) error
}

// Drain subscribes to the broker and persists every event as a log entry
// until ctx is cancelled. Persistence failures are dropped silently; events
// are diagnostics, never control flow.
func Drain(ctx context.Context, b *Broker, sink LogSink) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			entry := &types.LogEntry{
				AgentID:   event.AgentID,
				Level:     types.LogInfo,
				Message:   string(event.Type) + ": " + event.Message,
				Metadata:  event.Metadata,
				CreatedAt: event.Timestamp,
			}
			if event.TaskID != 0 {
				id := event.TaskID
				entry.TaskID = &id
			}
			_ = sink.AppendLog(ctx, entry)
		case <-ctx.Done():
			return
		}
	}
}
