package wsclient

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
)

// feed is one live server-push subscription.
type feed struct {
	kind    string
	unsub   string
	target  string
	args    any
	deliver func(payload json.RawMessage)
	close   func()
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

func (c *Client) publish(kind, target string, payload json.RawMessage) {
	c.feedsMu.Lock()
	defer c.feedsMu.Unlock()
	for _, f := range c.feeds {
		if f.kind == kind && f.target == target {
			f.deliver(payload)
		}
	}
}

// addFeed registers f and asks the server to start pushing. A rejected
// subscription fails; while disconnected it is sent again on reconnect.
func (c *Client) addFeed(ctx context.Context, f *feed) error {
	c.feedsMu.Lock()
	id := c.nextID
	c.nextID++
	c.feeds[id] = f
	c.feedsMu.Unlock()

	remove := func() bool {
		c.feedsMu.Lock()
		defer c.feedsMu.Unlock()
		if _, ok := c.feeds[id]; !ok {
			return false
		}
		delete(c.feeds, id)
		f.close()
		for _, other := range c.feeds {
			if other.kind == f.kind && other.target == f.target {
				return false
			}
		}
		return true
	}

	if err := c.request(ctx, f.kind, f.args, nil); err != nil && !isUnavailable(err) {
		remove()
		return err
	}

	go func() {
		<-ctx.Done()
		if last := remove(); last {
			unsubCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			if err := c.request(unsubCtx, f.unsub, f.args, nil); err != nil && !isUnavailable(err) {
				c.logger.Debug("unsubscribe failed", zap.String("type", f.unsub), zap.String("target", f.target), zap.Error(err))
			}
		}
	}()
	return nil
}

// resubscribe replays every distinct live subscription on a new connection.
func (c *Client) resubscribe(ctx context.Context) {
	type key struct{ kind, target string }
	c.feedsMu.Lock()
	seen := make(map[key]*feed)
	for _, f := range c.feeds {
		seen[key{f.kind, f.target}] = f
	}
	c.feedsMu.Unlock()

	for _, f := range seen {
		if err := c.request(ctx, f.kind, f.args, nil); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("type", f.kind), zap.String("target", f.target), zap.Error(err))
		}
	}
}

// Subscribe implements remote.Store.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (<-chan []chat.Message, error) {
	ch := make(chan []chat.Message, 4)
	f := &feed{
		kind:   cmdSubscribe,
		unsub:  cmdUnsubscribe,
		target: conversationID,
		args:   conversationArgs{ConversationID: conversationID},
		deliver: func(payload json.RawMessage) {
			var p SnapshotPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			msgs := make([]chat.Message, len(p.Messages))
			for i, w := range p.Messages {
				msgs[i] = w.message()
			}
			pushLatest(ch, msgs)
		},
		close: func() { close(ch) },
	}
	if err := c.addFeed(ctx, f); err != nil {
		return nil, err
	}
	return ch, nil
}

// SubscribePresence implements remote.Presence.
func (c *Client) SubscribePresence(ctx context.Context, userID string) (<-chan chat.Presence, error) {
	ch := make(chan chat.Presence, 4)
	f := &feed{
		kind:   cmdPresenceSubscribe,
		unsub:  cmdPresenceUnsub,
		target: userID,
		args:   userArgs{UserID: userID},
		deliver: func(payload json.RawMessage) {
			var p PresencePayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			pushLatest(ch, chat.Presence{UserID: p.UserID, Online: p.Online, LastSeenAt: p.LastSeenAt})
		},
		close: func() { close(ch) },
	}
	if err := c.addFeed(ctx, f); err != nil {
		return nil, err
	}
	return ch, nil
}

// SubscribeTyping implements remote.Presence.
func (c *Client) SubscribeTyping(ctx context.Context, conversationID string) (<-chan []string, error) {
	ch := make(chan []string, 4)
	f := &feed{
		kind:   cmdTypingSubscribe,
		unsub:  cmdTypingUnsub,
		target: conversationID,
		args:   conversationArgs{ConversationID: conversationID},
		deliver: func(payload json.RawMessage) {
			var p TypingPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			pushLatest(ch, p.UserIDs)
		},
		close: func() { close(ch) },
	}
	if err := c.addFeed(ctx, f); err != nil {
		return nil, err
	}
	return ch, nil
}

// SendMessage implements remote.Store.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, text, messageID string) error {
	return c.request(ctx, cmdSendMessage, sendMessageArgs{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		MessageID:      messageID,
	}, nil)
}

// MarkRead implements remote.Store.
func (c *Client) MarkRead(ctx context.Context, conversationID string, ids []string, readerID string) error {
	return c.request(ctx, cmdMarkRead, markReadArgs{ConversationID: conversationID, IDs: ids, ReaderID: readerID}, nil)
}

// CreateConversation implements remote.Store.
func (c *Client) CreateConversation(ctx context.Context, participants []string, senderID, text, messageID string) (string, error) {
	var res createConversationResult
	err := c.request(ctx, cmdCreateConversation, createConversationArgs{
		Participants: participants,
		SenderID:     senderID,
		Text:         text,
		MessageID:    messageID,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.ConversationID, nil
}

// Conversation implements remote.Store.
func (c *Client) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var res ConversationPayload
	if err := c.request(ctx, cmdGetConversation, conversationArgs{ConversationID: conversationID}, &res); err != nil {
		return chat.Conversation{}, err
	}
	return res.conversation(), nil
}

// SetTyping implements remote.Presence.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	return c.request(ctx, cmdSetTyping, setTypingArgs{ConversationID: conversationID, UserID: userID, Typing: typing}, nil)
}
