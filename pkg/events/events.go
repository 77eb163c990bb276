// Package events provides the in-process event bus feeding the WebSocket
// surface.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Event is a single envelope pushed to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Event types published by the engine.
const (
	EventTypeJobUpdate    = "job_update"
	EventTypeNotification = "notification"
)

// Bus fans events out to named subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	subscribers map[string]chan Event
	mutex       sync.RWMutex
	nextID      int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe registers a named subscriber and returns its channel.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ch := make(chan Event, 100)
	b.subscribers[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if ch, exists := b.subscribers[name]; exists {
		delete(b.subscribers, name)
		close(ch)
	}
}

// Publish broadcasts an event to every subscriber.
func (b *Bus) Publish(eventType string, data any) {
	b.mutex.Lock()
	b.nextID++
	event := Event{
		ID:        fmt.Sprintf("%s-%d", time.Now().Format("20060102-150405"), b.nextID),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	subscribers := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subscribers = append(subscribers, ch)
	}
	b.mutex.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop rather than block
		}
	}
}

// JobUpdateEvent builds the payload broadcast on every job transition.
func JobUpdateEvent(jobID, status string, progress int) map[string]any {
	return map[string]any{
		"job_id":   jobID,
		"status":   status,
		"progress": progress,
	}
}

// ApprovalNotificationEvent builds the payload sent when a job needs a
// user decision.
func ApprovalNotificationEvent(jobID, approvalID, command, model string, estimatedCost float64) map[string]any {
	return map[string]any{
		"kind":           "approval_request",
		"job_id":         jobID,
		"approval_id":    approvalID,
		"command":        command,
		"model":          model,
		"estimated_cost": estimatedCost,
	}
}
