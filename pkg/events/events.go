// Package events provides the fire-and-forget notification boundary
// between the execution core and external consumers. The core publishes
// into a bounded queue and never blocks on delivery; when the queue is
// full the event is dropped and counted.
package events

import (
	"time"

	"github.com/google/uuid"

	"codeforge/pkg/logx"
	"codeforge/pkg/metrics"
)

// Type identifies the kind of notification.
type Type string

const (
	TypeProjectStatusChanged Type = "project_status_changed"
	TypeTaskStarted          Type = "task_started"
	TypeTaskCompleted        Type = "task_completed"
	TypeTaskFailed           Type = "task_failed"
	TypeSandboxLog           Type = "sandbox_log"
)

// Event is one notification emitted by the core.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	ProjectName string            `json:"project_name,omitempty"`
	SubtaskID   string            `json:"subtask_id,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Sink accepts events without blocking the publisher.
type Sink interface {
	Publish(event Event)
}

// Queue is a bounded, non-blocking event sink. Consumers drain Events().
type Queue struct {
	ch      chan Event
	logger  *logx.Logger
	metrics *metrics.Recorder
}

// NewQueue creates a queue holding at most size undelivered events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		ch:      make(chan Event, size),
		logger:  logx.NewLogger("events"),
		metrics: metrics.Default(),
	}
}

// Publish enqueues an event, filling in id and timestamp when absent.
// It never blocks: a full queue drops the event and increments the drop
// counter, because the core must not stall on subscriber delivery.
func (q *Queue) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case q.ch <- event:
	default:
		q.metrics.ObserveEventDropped()
		q.logger.Warn("Event queue full, dropping %s event for project %s", event.Type, event.ProjectName)
	}
}

// Events exposes the receive side for a draining consumer.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Close closes the queue. Publish must not be called afterwards.
func (q *Queue) Close() {
	close(q.ch)
}

// NopSink discards all events. Useful for tests and batch runs without an
// API layer attached.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}
