package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/remote"
)

const typingTimeout = 5 * time.Second

type typingUpdate struct {
	conversationID string
	typing         bool
}

// Advertiser turns input field edits into typing start/stop signals. Only
// transitions between empty and non-empty input are sent, in order.
type Advertiser struct {
	remote remote.Presence
	self   string
	logger *zap.Logger

	mu             sync.Mutex
	conversationID string
	typing         bool
	closed         bool
	updates        chan typingUpdate
	done           chan struct{}
}

// NewAdvertiser creates an advertiser and starts its delivery goroutine.
func NewAdvertiser(p remote.Presence, conversationID, self string, logger *zap.Logger) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Advertiser{
		remote:         p,
		self:           self,
		logger:         logger,
		conversationID: conversationID,
		updates:        make(chan typingUpdate, 16),
		done:           make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Advertiser) run() {
	defer close(a.done)
	for u := range a.updates {
		ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
		err := a.remote.SetTyping(ctx, u.conversationID, a.self, u.typing)
		cancel()
		if err != nil {
			a.logger.Debug("typing update failed",
				zap.String("conversation_id", u.conversationID),
				zap.Bool("typing", u.typing),
				zap.Error(err))
		}
	}
}

// Update reports the current input text.
func (a *Advertiser) Update(text string) {
	a.set(text != "")
}

// Reset stops advertising typing, e.g. after the message was sent.
func (a *Advertiser) Reset() {
	a.set(false)
}

// Typing reports whether we are currently advertising typing.
func (a *Advertiser) Typing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typing
}

// SetConversation rebinds the advertiser once a draft conversation exists.
func (a *Advertiser) SetConversation(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationID = id
}

func (a *Advertiser) set(typing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.typing == typing || a.conversationID == "" || a.self == "" {
		return
	}
	a.push(typingUpdate{conversationID: a.conversationID, typing: typing})
	a.typing = typing
}

// push queues u, dropping the oldest pending update when the buffer is full
// so the last state sent always matches a.typing. Callers hold a.mu.
func (a *Advertiser) push(u typingUpdate) {
	for {
		select {
		case a.updates <- u:
			return
		default:
		}
		select {
		case old := <-a.updates:
			a.logger.Debug("typing update dropped", zap.Bool("typing", old.typing))
		default:
		}
	}
}

// Close stops typing if needed and waits for pending updates to be sent.
func (a *Advertiser) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.typing {
		a.push(typingUpdate{conversationID: a.conversationID, typing: false})
		a.typing = false
	}
	a.closed = true
	close(a.updates)
	a.mu.Unlock()
	<-a.done
}
