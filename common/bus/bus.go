package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/logger"
)

// TimeoutError is returned when a waiter's window elapses with no matching
// message.
type TimeoutError struct {
	TaskID         string
	MessageRef     string
	CorrelationKey string
	Timeout        time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no message for ref=%q key=%q within %s (task %s)",
		e.MessageRef, e.CorrelationKey, e.Timeout, e.TaskID)
}

// Message is one correlated payload in flight.
type Message struct {
	ID             string    `json:"id"`
	MessageRef     string    `json:"messageRef"`
	CorrelationKey string    `json:"correlationKey"`
	Payload        any       `json:"payload"`
	PublishedAt    time.Time `json:"publishedAt"`
}

type waiter struct {
	taskID     string
	messageRef string // empty matches any ref
	ch         chan Message
}

// WaiterInfo describes a registered waiter for introspection.
type WaiterInfo struct {
	TaskID         string `json:"taskId"`
	MessageRef     string `json:"messageRef"`
	CorrelationKey string `json:"correlationKey"`
}

// Stats is an aggregate snapshot of bus state.
type Stats struct {
	QueuedMessages int `json:"queuedMessages"`
	Waiters        int `json:"waiters"`
	QueuedKeys     int `json:"queuedKeys"`
	WaiterKeys     int `json:"waiterKeys"`
}

// Bus is the process-wide rendezvous between publishers and receive nodes,
// keyed by correlation key with a per-entry messageRef filter. One mutex
// guards all state; the lock is never held across a suspension.
type Bus struct {
	mu      sync.Mutex
	queued  map[string][]Message // correlationKey -> FIFO
	waiters map[string][]*waiter // correlationKey -> FIFO
	log     *logger.Logger
}

// New creates an empty bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		queued:  make(map[string][]Message),
		waiters: make(map[string][]*waiter),
		log:     log,
	}
}

// Publish delivers a payload to the head matching waiter, or queues it when
// none is registered. Returns whether delivery was synchronous.
func (b *Bus) Publish(messageRef, correlationKey string, payload any) bool {
	msg := Message{
		ID:             uuid.New().String(),
		MessageRef:     messageRef,
		CorrelationKey: correlationKey,
		Payload:        payload,
		PublishedAt:    time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ws := b.waiters[correlationKey]
	for i, w := range ws {
		if w.messageRef != "" && w.messageRef != messageRef {
			continue
		}
		b.waiters[correlationKey] = append(ws[:i:i], ws[i+1:]...)
		if len(b.waiters[correlationKey]) == 0 {
			delete(b.waiters, correlationKey)
		}
		w.ch <- msg
		b.log.Debug("message delivered",
			"message_ref", messageRef, "correlation_key", correlationKey, "task_id", w.taskID)
		return true
	}

	b.queued[correlationKey] = append(b.queued[correlationKey], msg)
	b.log.Debug("message queued",
		"message_ref", messageRef, "correlation_key", correlationKey,
		"queue_depth", len(b.queued[correlationKey]))
	return false
}

// WaitForMessage consumes the first queued message matching the ref filter,
// or blocks until one is published, the timeout elapses, or the context is
// cancelled. An empty messageRef matches any message on the key.
func (b *Bus) WaitForMessage(ctx context.Context, taskID, messageRef, correlationKey string, timeout time.Duration) (Message, error) {
	b.mu.Lock()

	q := b.queued[correlationKey]
	for i, msg := range q {
		if messageRef != "" && msg.MessageRef != messageRef {
			continue
		}
		b.queued[correlationKey] = append(q[:i:i], q[i+1:]...)
		if len(b.queued[correlationKey]) == 0 {
			delete(b.queued, correlationKey)
		}
		b.mu.Unlock()
		return msg, nil
	}

	w := &waiter{
		taskID:     taskID,
		messageRef: messageRef,
		ch:         make(chan Message, 1),
	}
	b.waiters[correlationKey] = append(b.waiters[correlationKey], w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		if msg, delivered := b.removeWaiter(correlationKey, w); delivered {
			return msg, nil
		}
		return Message{}, &TimeoutError{
			TaskID:         taskID,
			MessageRef:     messageRef,
			CorrelationKey: correlationKey,
			Timeout:        timeout,
		}
	case <-ctx.Done():
		if msg, delivered := b.removeWaiter(correlationKey, w); delivered {
			return msg, nil
		}
		return Message{}, ctx.Err()
	}
}

// removeWaiter unregisters a waiter. A concurrent Publish may already have
// removed it and buffered a message; that message wins over the timeout.
func (b *Bus) removeWaiter(correlationKey string, w *waiter) (Message, bool) {
	b.mu.Lock()
	ws := b.waiters[correlationKey]
	for i, cand := range ws {
		if cand == w {
			b.waiters[correlationKey] = append(ws[:i:i], ws[i+1:]...)
			if len(b.waiters[correlationKey]) == 0 {
				delete(b.waiters, correlationKey)
			}
			break
		}
	}
	b.mu.Unlock()

	select {
	case msg := <-w.ch:
		return msg, true
	default:
		return Message{}, false
	}
}

// QueuedMessages returns the undelivered messages for a correlation key.
func (b *Bus) QueuedMessages(correlationKey string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.queued[correlationKey]))
	copy(out, b.queued[correlationKey])
	return out
}

// Waiters returns all registered waiters.
func (b *Bus) Waiters() []WaiterInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []WaiterInfo
	for key, ws := range b.waiters {
		for _, w := range ws {
			out = append(out, WaiterInfo{
				TaskID:         w.taskID,
				MessageRef:     w.messageRef,
				CorrelationKey: key,
			})
		}
	}
	return out
}

// Clear drops all queued messages for a correlation key and returns how
// many were dropped.
func (b *Bus) Clear(correlationKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queued[correlationKey])
	delete(b.queued, correlationKey)
	return n
}

// Stats returns an aggregate snapshot.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		QueuedKeys: len(b.queued),
		WaiterKeys: len(b.waiters),
	}
	for _, q := range b.queued {
		s.QueuedMessages += len(q)
	}
	for _, ws := range b.waiters {
		s.Waiters += len(ws)
	}
	return s
}
