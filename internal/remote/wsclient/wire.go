package wsclient

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/convsync/internal/chat"
)

// Command types sent by the client.
const (
	cmdSendMessage        = "message.send"
	cmdMarkRead           = "message.markRead"
	cmdCreateConversation = "conversation.create"
	cmdGetConversation    = "conversation.get"
	cmdSubscribe          = "conversation.subscribe"
	cmdUnsubscribe        = "conversation.unsubscribe"
	cmdPresenceSubscribe  = "presence.subscribe"
	cmdPresenceUnsub      = "presence.unsubscribe"
	cmdTypingSubscribe    = "typing.subscribe"
	cmdTypingUnsub        = "typing.unsubscribe"
	cmdSetTyping          = "typing.set"
)

// Event types pushed by the server.
const (
	evtAuthenticated = "authenticated"
	evtResponse      = "response"
	evtSnapshot      = "conversation.snapshot"
	evtPresence      = "presence.changed"
	evtTyping        = "typing.changed"
)

// Envelope is the wire format of every server frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame. RequestID correlates the response.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload"`
}

// AuthenticatedPayload carries the identity of the connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload describes a rejected command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsePayload answers one command.
type ResponsePayload struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// WireMessage is a message on the wire.
type WireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         string    `json:"status"`
	ReadBy         []string  `json:"readBy,omitempty"`
}

// SnapshotPayload is the full ordered message list of a conversation.
type SnapshotPayload struct {
	ConversationID string        `json:"conversationId"`
	Messages       []WireMessage `json:"messages"`
}

// PresencePayload is a presence change of one user.
type PresencePayload struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// TypingPayload is the set of users typing in a conversation.
type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// ConversationPayload is conversation metadata.
type ConversationPayload struct {
	ID              string    `json:"id"`
	ParticipantIDs  []string  `json:"participantIds"`
	DisplayName     string    `json:"displayName,omitempty"`
	LastMessageText string    `json:"lastMessageText,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
}

type sendMessageArgs struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	MessageID      string `json:"messageId"`
}

type markReadArgs struct {
	ConversationID string   `json:"conversationId"`
	IDs            []string `json:"ids"`
	ReaderID       string   `json:"readerId"`
}

type createConversationArgs struct {
	Participants []string `json:"participants"`
	SenderID     string   `json:"senderId"`
	Text         string   `json:"text"`
	MessageID    string   `json:"messageId"`
}

type createConversationResult struct {
	ConversationID string `json:"conversationId"`
}

type conversationArgs struct {
	ConversationID string `json:"conversationId"`
}

type userArgs struct {
	UserID string `json:"userId"`
}

type setTypingArgs struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

func (w WireMessage) message() chat.Message {
	st := chat.Status(w.Status)
	if !st.Valid() {
		st = chat.StatusSent
	}
	return chat.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Text:           w.Text,
		CreatedAt:      w.CreatedAt,
		Status:         st,
		ReadBy:         w.ReadBy,
	}
}

func (c ConversationPayload) conversation() chat.Conversation {
	return chat.Conversation{
		ID:              c.ID,
		ParticipantIDs:  c.ParticipantIDs,
		DisplayName:     c.DisplayName,
		LastMessageText: c.LastMessageText,
		LastMessageAt:   c.LastMessageAt,
	}
}
