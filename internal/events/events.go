package events

import "time"

// Type classifies domain events for routing.
type Type string

const (
	ChatCreated    Type = "chat.created"
	MessageCreated Type = "message.created"
	ChatAssigned   Type = "chat.assigned"
	ChatClosed     Type = "chat.closed"
	MessageFailed  Type = "message.failed"
	AssignmentDead Type = "assignment.dead"
)

// Event is one domain occurrence scoped to a chat. Events for the same
// chat are delivered to handlers in publication order.
type Event struct {
	Type       Type        `json:"type"`
	ChatID     uint        `json:"chatId"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    interface{} `json:"payload,omitempty"`
}

// New creates an event stamped with the current instant.
func New(eventType Type, chatID uint, payload interface{}) Event {
	return Event{
		Type:       eventType,
		ChatID:     chatID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// ChatAssignedPayload carries the downstream notification data for an
// assignment.
type ChatAssignedPayload struct {
	AgentID uint `json:"agentId"`
}

// MessageCreatedPayload identifies the persisted message behind the event.
type MessageCreatedPayload struct {
	MessageID uint   `json:"messageId"`
	Direction string `json:"direction"`
}
