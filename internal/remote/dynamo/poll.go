package dynamo

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/remote"
)

// poll runs fetch every interval and sends the result when it differs from
// the last one sent. The first successful result is always sent. out is
// closed when ctx is done.
func poll[T any](ctx context.Context, c *Client, what string, interval time.Duration, fetch func(context.Context) (T, error), equal func(a, b T) bool, out chan T) {
	defer close(out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last T
		sent bool
	)
	for {
		v, err := fetch(ctx)
		c.observe(err)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("poll failed", zap.String("feed", what), zap.Error(err))
		case !sent || !equal(last, v):
			select {
			case out <- v:
				last, sent = v, true
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// firstFetch runs fetch once so a rejected subscription fails fast. A
// connectivity failure is not fatal: the feed keeps polling.
func firstFetch[T any](ctx context.Context, c *Client, fetch func(context.Context) (T, error)) error {
	_, err := fetch(ctx)
	if err != nil && !remote.Temporary(err) {
		return err
	}
	c.observe(err)
	return nil
}

// Subscribe implements remote.Store by polling the conversation's messages.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (<-chan []chat.Message, error) {
	fetch := func(ctx context.Context) ([]chat.Message, error) { return c.messages(ctx, conversationID) }
	if err := firstFetch(ctx, c, fetch); err != nil {
		return nil, err
	}
	out := make(chan []chat.Message, 1)
	go poll(ctx, c, "messages:"+conversationID, c.interval, fetch, sameMessages, out)
	return out, nil
}

// SubscribePresence implements remote.Presence by polling the user's presence item.
func (c *Client) SubscribePresence(ctx context.Context, userID string) (<-chan chat.Presence, error) {
	fetch := func(ctx context.Context) (chat.Presence, error) { return c.presence(ctx, userID) }
	out := make(chan chat.Presence, 1)
	go poll(ctx, c, "presence:"+userID, c.interval, fetch, func(a, b chat.Presence) bool {
		return a.Online == b.Online && a.LastSeenAt.Equal(b.LastSeenAt)
	}, out)
	return out, nil
}

// SubscribeTyping implements remote.Presence by polling typing indicators.
func (c *Client) SubscribeTyping(ctx context.Context, conversationID string) (<-chan []string, error) {
	fetch := func(ctx context.Context) ([]string, error) { return c.typingUsers(ctx, conversationID) }
	out := make(chan []string, 1)
	go poll(ctx, c, "typing:"+conversationID, c.interval, fetch, slices.Equal[[]string], out)
	return out, nil
}
