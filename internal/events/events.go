// Package events carries the monitor stream: every task, stage, step, and
// agent transition in the runtime is published as an event so external
// observers can follow execution without touching runtime state.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the runtime.
const (
	TypeTaskCreated      = "task.created"
	TypeTaskFinished     = "task.finished"
	TypeStageAdded       = "stage.added"
	TypeStageStarted     = "stage.started"
	TypeStageFinished    = "stage.finished"
	TypeStageFailed      = "stage.failed"
	TypeStepStatus       = "step.status"
	TypeAgentRegistered  = "agent.registered"
	TypeAgentState       = "agent.state"
	TypeMessageDelivered = "message.delivered"
)

// Event is one monitor record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh ID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the monitor transport. The memory backend is the default; the NATS
// backend mirrors the same subjects to an external broker.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	// Subscribe registers a handler for a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > matches the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
