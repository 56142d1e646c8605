package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Session events
	EventSessionStarted   EventType = "session.started"
	EventSessionPaused    EventType = "session.paused"
	EventSessionResumed   EventType = "session.resumed"
	EventSessionEnded     EventType = "session.ended"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionDisputed  EventType = "session.disputed"

	// Escrow events
	EventEscrowLocked   EventType = "escrow.locked"
	EventEscrowSettled  EventType = "escrow.settled"
	EventEscrowRefunded EventType = "escrow.refunded"

	// Wallet events
	EventWalletCredited EventType = "wallet.credited"
	EventPaymentFailed  EventType = "payment.failed"
)

// AllEventTypes lists every type a notification subscriber may care about.
var AllEventTypes = []EventType{
	EventSessionStarted,
	EventSessionPaused,
	EventSessionResumed,
	EventSessionEnded,
	EventSessionCancelled,
	EventSessionDisputed,
	EventEscrowLocked,
	EventEscrowSettled,
	EventEscrowRefunded,
	EventWalletCredited,
	EventPaymentFailed,
}

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Subject is the usage or account the event is about
	Subject string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, subject string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Payload:   payload,
	}
}

// Recipients returns the payer and payee ids carried in the payload, if any.
func (e Event) Recipients() []string {
	var out []string
	for _, key := range []string{"payer_id", "payee_id", "account_id"} {
		if v, ok := e.Payload[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}
