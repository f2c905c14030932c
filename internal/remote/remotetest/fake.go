// Package remotetest provides an in-memory remote backend for tests.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/remote"
)

// SendCall records one SendMessage or CreateConversation request.
type SendCall struct {
	ConversationID string
	SenderID       string
	Text           string
	MessageID      string
	Participants   []string
}

// MarkReadCall records one MarkRead request.
type MarkReadCall struct {
	ConversationID string
	IDs            []string
	ReaderID       string
}

// TypingCall records one SetTyping request.
type TypingCall struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type conversation struct {
	meta chat.Conversation
	msgs []chat.Message
}

// Fake is a goroutine-safe in-memory remote.Backend. Successful writes are
// reflected to live subscriptions as new snapshots.
type Fake struct {
	mu       sync.Mutex
	convs    map[string]*conversation
	feeds    map[string][]chan []chat.Message
	presence map[string][]chan chat.Presence
	typing   map[string][]chan []string
	nextConv int

	sends     []SendCall
	creates   []SendCall
	markReads []MarkReadCall
	typingSet []TypingCall

	// Fail hooks return a non-nil error to fail the call.
	SendErr     func(call SendCall) error
	CreateErr   func(call SendCall) error
	MarkReadErr func(call MarkReadCall) error

	// SendGate, when set, blocks SendMessage until it is closed or receives.
	SendGate chan struct{}
	// Now stamps messages written through SendMessage and CreateConversation.
	Now func() time.Time
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		convs:    make(map[string]*conversation),
		feeds:    make(map[string][]chan []chat.Message),
		presence: make(map[string][]chan chat.Presence),
		typing:   make(map[string][]chan []string),
		Now:      time.Now,
	}
}

var _ remote.Backend = (*Fake)(nil)

// AddConversation registers a conversation with optional initial messages.
func (f *Fake) AddConversation(c chat.Conversation, msgs ...chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = &conversation{meta: c, msgs: cloneAll(msgs)}
	f.publishLocked(c.ID)
}

// PutMessages replaces the server-side messages of a conversation and pushes
// a snapshot to subscribers.
func (f *Fake) PutMessages(conversationID string, msgs ...chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convLocked(conversationID)
	c.msgs = cloneAll(msgs)
	f.publishLocked(conversationID)
}

// Messages returns the server-side messages of a conversation.
func (f *Fake) Messages(conversationID string) []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[conversationID]; ok {
		return cloneAll(c.msgs)
	}
	return nil
}

// Sends returns recorded SendMessage calls.
func (f *Fake) Sends() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sends)
}

// Creates returns recorded CreateConversation calls.
func (f *Fake) Creates() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.creates)
}

// MarkReads returns recorded MarkRead calls.
func (f *Fake) MarkReads() []MarkReadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.markReads)
}

// TypingCalls returns recorded SetTyping calls.
func (f *Fake) TypingCalls() []TypingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.typingSet)
}

// Subscribers returns the number of live message feeds for a conversation.
func (f *Fake) Subscribers(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.feeds[conversationID])
}

// PresenceSubscribers returns the number of live presence feeds for a user.
func (f *Fake) PresenceSubscribers(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presence[userID])
}

// SetPresence pushes a presence change for p.UserID.
func (f *Fake) SetPresence(p chat.Presence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.presence[p.UserID] {
		pushLatest(ch, p)
	}
}

// SetTypingUsers pushes the typing set of a conversation.
func (f *Fake) SetTypingUsers(conversationID string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.typing[conversationID] {
		pushLatest(ch, slices.Clone(users))
	}
}

// Subscribe implements remote.Store. The current snapshot is delivered first.
func (f *Fake) Subscribe(ctx context.Context, conversationID string) (<-chan []chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []chat.Message, 16)
	f.feeds[conversationID] = append(f.feeds[conversationID], ch)
	if c, ok := f.convs[conversationID]; ok {
		ch <- cloneAll(c.msgs)
	} else {
		ch <- nil
	}
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.feeds[conversationID] = removeChan(f.feeds[conversationID], ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// SendMessage implements remote.Store.
func (f *Fake) SendMessage(ctx context.Context, conversationID, senderID, text, messageID string) error {
	call := SendCall{ConversationID: conversationID, SenderID: senderID, Text: text, MessageID: messageID}
	if f.SendGate != nil {
		select {
		case <-f.SendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, call)
	if f.SendErr != nil {
		if err := f.SendErr(call); err != nil {
			return err
		}
	}
	c := f.convLocked(conversationID)
	if slices.ContainsFunc(c.msgs, func(m chat.Message) bool { return m.ID == messageID }) {
		return nil
	}
	c.msgs = append(c.msgs, chat.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      f.Now(),
		Status:         chat.StatusSent,
	})
	c.meta.LastMessageText = text
	c.meta.LastMessageAt = f.Now()
	f.publishLocked(conversationID)
	return nil
}

// MarkRead implements remote.Store.
func (f *Fake) MarkRead(_ context.Context, conversationID string, ids []string, readerID string) error {
	call := MarkReadCall{ConversationID: conversationID, IDs: slices.Clone(ids), ReaderID: readerID}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, call)
	if f.MarkReadErr != nil {
		if err := f.MarkReadErr(call); err != nil {
			return err
		}
	}
	c := f.convLocked(conversationID)
	for i := range c.msgs {
		if slices.Contains(ids, c.msgs[i].ID) && !slices.Contains(c.msgs[i].ReadBy, readerID) {
			c.msgs[i].ReadBy = append(c.msgs[i].ReadBy, readerID)
			c.msgs[i].Status = chat.StatusRead
		}
	}
	f.publishLocked(conversationID)
	return nil
}

// CreateConversation implements remote.Store.
func (f *Fake) CreateConversation(_ context.Context, participants []string, senderID, text, messageID string) (string, error) {
	call := SendCall{SenderID: senderID, Text: text, MessageID: messageID, Participants: slices.Clone(participants)}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, call)
	if f.CreateErr != nil {
		if err := f.CreateErr(call); err != nil {
			return "", err
		}
	}
	f.nextConv++
	id := fmt.Sprintf("conv-%d", f.nextConv)
	now := f.Now()
	f.convs[id] = &conversation{
		meta: chat.Conversation{ID: id, ParticipantIDs: slices.Clone(participants), LastMessageText: text, LastMessageAt: now},
		msgs: []chat.Message{{ID: messageID, ConversationID: id, SenderID: senderID, Text: text, CreatedAt: now, Status: chat.StatusSent}},
	}
	return id, nil
}

// Conversation implements remote.Store.
func (f *Fake) Conversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok {
		return chat.Conversation{}, remote.Errorf(remote.CodeNotFound, "conversation %s", conversationID)
	}
	meta := c.meta
	meta.ParticipantIDs = slices.Clone(meta.ParticipantIDs)
	return meta, nil
}

// SubscribePresence implements remote.Presence.
func (f *Fake) SubscribePresence(ctx context.Context, userID string) (<-chan chat.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan chat.Presence, 4)
	f.presence[userID] = append(f.presence[userID], ch)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.presence[userID] = removeChan(f.presence[userID], ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// SubscribeTyping implements remote.Presence.
func (f *Fake) SubscribeTyping(ctx context.Context, conversationID string) (<-chan []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []string, 4)
	f.typing[conversationID] = append(f.typing[conversationID], ch)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.typing[conversationID] = removeChan(f.typing[conversationID], ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// SetTyping implements remote.Presence.
func (f *Fake) SetTyping(_ context.Context, conversationID, userID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingSet = append(f.typingSet, TypingCall{ConversationID: conversationID, UserID: userID, Typing: typing})
	return nil
}

func (f *Fake) convLocked(id string) *conversation {
	c, ok := f.convs[id]
	if !ok {
		c = &conversation{meta: chat.Conversation{ID: id}}
		f.convs[id] = c
	}
	return c
}

func (f *Fake) publishLocked(conversationID string) {
	c, ok := f.convs[conversationID]
	if !ok {
		return
	}
	for _, ch := range f.feeds[conversationID] {
		pushLatest(ch, cloneAll(c.msgs))
	}
}

// pushLatest sends v, dropping the oldest buffered value when full.
func pushLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func removeChan[T any](list []chan T, ch chan T) []chan T {
	return slices.DeleteFunc(list, func(c chan T) bool { return c == ch })
}

func cloneAll(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return nil
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
