// internal/events/types.go
package events

import (
	"time"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

// EventType represents the type of event.
type EventType string

const (
	// Monitoring events
	PositionStatusChanged EventType = "position.status_changed"

	// Delivery events
	NotificationSent   EventType = "notification.sent"
	NotificationFailed EventType = "notification.failed"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// StatusChangedEvent wraps a range transition detected by the registry.
type StatusChangedEvent struct {
	BaseEvent
	Change domain.PositionStatusChange
}

// NewStatusChangedEvent builds a StatusChangedEvent stamped with the change time.
func NewStatusChangedEvent(change domain.PositionStatusChange) StatusChangedEvent {
	return StatusChangedEvent{
		BaseEvent: BaseEvent{EventType: PositionStatusChanged, EventTime: change.Timestamp},
		Change:    change,
	}
}

// NotificationEvent reports the terminal outcome of a delivery.
type NotificationEvent struct {
	BaseEvent
	Notification domain.Notification
}

// NewNotificationEvent builds a sent or failed notification event.
func NewNotificationEvent(typ EventType, n domain.Notification, at time.Time) NotificationEvent {
	return NotificationEvent{
		BaseEvent:    BaseEvent{EventType: typ, EventTime: at},
		Notification: n,
	}
}
