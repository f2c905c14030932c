// Package remote defines the contracts the sync engine needs from the
// authoritative remote store and presence service.
package remote

import (
	"context"

	"github.com/matheus3301/convsync/internal/chat"
)

// Store is the authoritative message store.
type Store interface {
	// Subscribe delivers full, ordered message snapshots for a conversation.
	// The channel is closed when ctx is done or the feed ends.
	Subscribe(ctx context.Context, conversationID string) (<-chan []chat.Message, error)
	// SendMessage writes a message with a client-chosen id.
	SendMessage(ctx context.Context, conversationID, senderID, text, messageID string) error
	// MarkRead adds reader to the read set of every message in ids.
	MarkRead(ctx context.Context, conversationID string, ids []string, readerID string) error
	// CreateConversation creates a conversation with its first message and
	// returns the server-assigned conversation id.
	CreateConversation(ctx context.Context, participants []string, senderID, text, messageID string) (string, error)
	// Conversation returns conversation metadata.
	Conversation(ctx context.Context, conversationID string) (chat.Conversation, error)
}

// Presence is the presence and typing service.
type Presence interface {
	// SubscribePresence delivers presence changes for one user.
	SubscribePresence(ctx context.Context, userID string) (<-chan chat.Presence, error)
	// SubscribeTyping delivers the set of users currently typing in a conversation.
	SubscribeTyping(ctx context.Context, conversationID string) (<-chan []string, error)
	// SetTyping advertises whether userID is typing in a conversation.
	SetTyping(ctx context.Context, conversationID, userID string, typing bool) error
}

// Backend is a complete remote implementation.
type Backend interface {
	Store
	Presence
}
