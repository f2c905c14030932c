package chat

import (
	"slices"
	"strings"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Unconfirmed reports whether a message in this status exists only locally.
func (s Status) Unconfirmed() bool {
	return s == StatusSending || s == StatusFailed
}

// Message is a single chat entry. ID is generated by the sending client and
// correlates the optimistic and confirmed versions of the same message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	CreatedAt      time.Time
	Status         Status
	ReadBy         []string
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// ReadByUser reports whether userID appears in ReadBy.
func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Conversation is a chat thread.
type Conversation struct {
	ID              string
	ParticipantIDs  []string
	DisplayName     string
	LastMessageText string
	LastMessageAt   time.Time
}

// IsGroup reports whether the conversation has more than two participants.
func (c Conversation) IsGroup() bool {
	return len(c.ParticipantIDs) > 2
}

// Peers returns the participants other than self, in conversation order.
func (c Conversation) Peers(self string) []string {
	peers := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != self {
			peers = append(peers, id)
		}
	}
	return peers
}

// Title returns the display name, falling back to a formatted list of the
// other participants ("Ana", "Ana & Bo", "Ana, Bo & Cy").
func (c Conversation) Title(self string) string {
	if strings.TrimSpace(c.DisplayName) != "" {
		return c.DisplayName
	}
	peers := c.Peers(self)
	switch len(peers) {
	case 0:
		return ""
	case 1:
		return peers[0]
	default:
		return strings.Join(peers[:len(peers)-1], ", ") + " & " + peers[len(peers)-1]
	}
}

// OutboxEntry is a durably queued message that has not been confirmed by the
// remote store. Participants is only set when the conversation itself has not
// been created yet.
type OutboxEntry struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Text           string
	CreatedAt      time.Time
	RetryCount     int
	Participants   []string
}

// NeedsConversation reports whether the conversation must be created on send.
func (e OutboxEntry) NeedsConversation() bool {
	return len(e.Participants) > 0
}

// Message rebuilds the optimistic message this entry was queued for.
func (e OutboxEntry) Message() Message {
	return Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Text:           e.Text,
		CreatedAt:      e.CreatedAt,
		Status:         StatusSending,
	}
}

// Presence is the last known online state of a participant. It is never
// persisted.
type Presence struct {
	UserID     string
	Online     bool
	LastSeenAt time.Time
}
