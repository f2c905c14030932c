package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, e.g.
// "outbox." receives every outbox event.
const (
	KindConnectivityChanged = "connectivity.changed"
	KindOutboxEnqueued      = "outbox.enqueued"
	KindOutboxDelivered     = "outbox.delivered"
	KindOutboxRetry         = "outbox.retry"
	KindOutboxExhausted     = "outbox.exhausted"
	KindMessageSendFailed   = "message.send_failed"
	KindMessageSent         = "message.sent"
	KindConversationCreated = "conversation.created"
	KindTimelineUpdated     = "timeline.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}

// OutboxResult is the payload of outbox.delivered, outbox.retry and
// outbox.exhausted events. CreatedConversationID is set when delivering the
// entry created the conversation.
type OutboxResult struct {
	MessageID             string
	ConversationID        string
	CreatedConversationID string
	RetryCount            int
	Err                   error
}
