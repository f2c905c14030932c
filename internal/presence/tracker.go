// Package presence follows the online state and typing activity of the other
// participants of a conversation and advertises our own typing state.
package presence

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/remote"
)

type subscription struct {
	cancel context.CancelFunc
}

// Tracker keeps one presence subscription per tracked participant and an
// optional typing subscription for the conversation. Presence state is held
// in memory only.
type Tracker struct {
	ctx      context.Context
	remote   remote.Presence
	self     string
	onChange func()
	logger   *zap.Logger

	mu        sync.Mutex
	subs      map[string]*subscription
	presence  map[string]chat.Presence
	typing    []string
	typingSub *subscription
	closed    bool
}

// NewTracker creates a tracker. onChange is called from subscription
// goroutines after every state change and must not block.
func NewTracker(ctx context.Context, p remote.Presence, self string, onChange func(), logger *zap.Logger) *Tracker {
	if onChange == nil {
		onChange = func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		ctx:      ctx,
		remote:   p,
		self:     self,
		onChange: onChange,
		logger:   logger,
		subs:     make(map[string]*subscription),
		presence: make(map[string]chat.Presence),
	}
}

// Track opens a presence subscription for userID. Tracking an id twice,
// tracking ourselves or tracking after Close is a no-op.
//
// The slot is reserved under the lock and the subscription is opened without
// it, so Snapshot never waits on the remote store.
func (t *Tracker) Track(userID string) error {
	t.mu.Lock()
	if t.closed || userID == "" || userID == t.self {
		t.mu.Unlock()
		return nil
	}
	if _, ok := t.subs[userID]; ok {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(t.ctx)
	sub := &subscription{cancel: cancel}
	t.subs[userID] = sub
	t.mu.Unlock()

	ch, err := t.remote.SubscribePresence(ctx, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[userID] != sub {
		// Untracked or closed meanwhile.
		cancel()
		return nil
	}
	if err != nil {
		delete(t.subs, userID)
		cancel()
		return err
	}
	go t.consumePresence(userID, sub, ch)
	return nil
}

func (t *Tracker) consumePresence(userID string, sub *subscription, ch <-chan chat.Presence) {
	for p := range ch {
		p.UserID = userID
		t.mu.Lock()
		if t.subs[userID] != sub {
			t.mu.Unlock()
			continue
		}
		t.presence[userID] = p
		t.mu.Unlock()
		t.onChange()
	}
}

// Untrack cancels the subscription for userID and forgets its presence.
func (t *Tracker) Untrack(userID string) {
	t.mu.Lock()
	sub, ok := t.subs[userID]
	if ok {
		delete(t.subs, userID)
		delete(t.presence, userID)
	}
	t.mu.Unlock()
	if ok {
		sub.cancel()
		t.onChange()
	}
}

// TrackOnly reconciles the tracked set with ids.
func (t *Tracker) TrackOnly(ids []string) error {
	t.mu.Lock()
	var stale []string
	for id := range t.subs {
		if !slices.Contains(ids, id) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		t.Untrack(id)
	}
	var firstErr error
	for _, id := range ids {
		if err := t.Track(id); err != nil {
			t.logger.Warn("presence subscription failed", zap.String("user_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Tracked returns the tracked user ids in sorted order.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := slices.Collect(maps.Keys(t.subs))
	slices.Sort(ids)
	return ids
}

// WatchTyping subscribes to typing activity in a conversation, replacing any
// previous typing subscription.
func (t *Tracker) WatchTyping(conversationID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.typingSub != nil {
		t.typingSub.cancel()
		t.typing = nil
	}
	ctx, cancel := context.WithCancel(t.ctx)
	sub := &subscription{cancel: cancel}
	t.typingSub = sub
	t.mu.Unlock()

	ch, err := t.remote.SubscribeTyping(ctx, conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typingSub != sub {
		// Replaced or closed meanwhile.
		cancel()
		return nil
	}
	if err != nil {
		t.typingSub = nil
		cancel()
		return err
	}
	go t.consumeTyping(sub, ch)
	return nil
}

func (t *Tracker) consumeTyping(sub *subscription, ch <-chan []string) {
	for users := range ch {
		others := slices.DeleteFunc(slices.Clone(users), func(id string) bool { return id == t.self || id == "" })
		slices.Sort(others)
		t.mu.Lock()
		if t.typingSub != sub {
			t.mu.Unlock()
			continue
		}
		t.typing = slices.Compact(others)
		t.mu.Unlock()
		t.onChange()
	}
}

// Snapshot returns copies of the known presence and typing state.
func (t *Tracker) Snapshot() (map[string]chat.Presence, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.presence), slices.Clone(t.typing)
}

// Close cancels every subscription. The tracker cannot be reused.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	typingSub := t.typingSub
	t.subs = make(map[string]*subscription)
	t.presence = make(map[string]chat.Presence)
	t.typingSub = nil
	t.typing = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	if typingSub != nil {
		typingSub.cancel()
	}
}
