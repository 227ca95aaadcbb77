// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (scheduler,
// conversation loop, notifier) to subscribers (the WebSocket handler,
// a future metrics collector). The bus is nil-safe: Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceScheduler identifies events from the cron scheduler.
	SourceScheduler = "scheduler"
	// SourceLoop identifies events from the conversation loop.
	SourceLoop = "loop"
	// SourceChat identifies events from chat and voice sessions.
	SourceChat = "chat"
	// SourceNotify identifies events from the notification dispatcher.
	SourceNotify = "notify"
)

// Kind constants describe the type of event within a source.
const (
	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled task has finished.
	// Data: task_name, status, duration_ms.
	KindTaskComplete = "task_complete"
	// KindTaskSkipped signals a task run was deduplicated or
	// short-circuited. Data: task_name, reason.
	KindTaskSkipped = "task_skipped"
	// KindBreakerTripped signals a task was disabled after repeated
	// failures. Data: task_name, failures, max_retries.
	KindBreakerTripped = "breaker_tripped"

	// KindLLMCall signals the start of a model call.
	// Data: round, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: round, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindSessionStart signals a chat or voice session was created.
	// Data: session_id, conversation_type.
	KindSessionStart = "session_start"
	// KindSessionComplete signals a session ended.
	// Data: session_id.
	KindSessionComplete = "session_complete"

	// KindNotificationSent signals an email notification went out.
	// Data: cadence, subject.
	KindNotificationSent = "notification_sent"
	// KindDigestSent signals a digest batch was flushed.
	// Data: items.
	KindDigestSent = "digest_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so
	// Unsubscribe can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
