// Package eventmirror publishes adapter activity onto an event bus so that
// external tooling can observe sessions without sitting on the ACP wire.
// With no bus URL configured the mirror runs on an in-memory bus; with a
// NATS URL it becomes a cross-process feed.
package eventmirror

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the mirror bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a generated id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription on a bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish side of the mirror. Subjects use NATS conventions, so
// subscribers may use `*` (one token) and `>` (tail) wildcards regardless of
// which implementation backs the bus.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// Event types emitted by the mirror.
const (
	TypeNotification = "session.notification"
	TypeTurnStarted  = "session.turn_started"
	TypeTurnFinished = "session.turn_finished"
	TypeUsage        = "session.usage"
	TypeBreaker      = "breaker.state_changed"
)

// BreakerSubject carries circuit breaker transitions.
const BreakerSubject = "ampacp.breaker"

// SessionSubject returns the subject for one session's events of one kind.
func SessionSubject(sessionID, kind string) string {
	return fmt.Sprintf("ampacp.session.%s.%s", sessionID, kind)
}
