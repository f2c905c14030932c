// Package receipt batches read receipts for messages that became visible.
package receipt

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/remote"
)

// DefaultWindow is the debounce window between the last visibility event and
// the batched write.
const DefaultWindow = 300 * time.Millisecond

// Marker is the remote call a batch is flushed to.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string, ids []string, readerID string) error
}

// Batcher collects message ids and writes them as one MarkRead call once no
// new id arrived for a full window.
type Batcher struct {
	marker Marker
	reader string
	window time.Duration
	clock  clock.Clock
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	pending        map[string]struct{}
	timer          clock.Timer
	gen            uint64
	cancelled      bool
}

// Options configures a Batcher. Zero values select defaults.
type Options struct {
	Window time.Duration
	Clock  clock.Clock
	Logger *zap.Logger
}

// New creates a batcher for reader in a conversation. Writes use ctx.
func New(ctx context.Context, m Marker, conversationID, reader string, opts Options) *Batcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Batcher{
		marker:         m,
		reader:         reader,
		window:         opts.Window,
		clock:          opts.Clock,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
		conversationID: conversationID,
		pending:        make(map[string]struct{}),
	}
}

// MarkVisible queues m for a read receipt and restarts the window. It reports
// whether the id was newly queued. Own messages, messages the reader already
// read and messages still being sent are ignored.
func (b *Batcher) MarkVisible(m chat.Message) bool {
	if m.ID == "" || b.reader == "" || m.SenderID == b.reader {
		return false
	}
	if m.Status == chat.StatusSending || m.ReadByUser(b.reader) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled || b.conversationID == "" {
		return false
	}
	if _, ok := b.pending[m.ID]; ok {
		return false
	}
	b.pending[m.ID] = struct{}{}
	b.rearmLocked()
	return true
}

func (b *Batcher) rearmLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.window, func() { b.flush(gen) })
}

// Pending returns the queued ids in sorted order.
func (b *Batcher) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.pending)
}

// SetConversation points future batches at a new conversation id, used once
// a draft conversation is created on the server.
func (b *Batcher) SetConversation(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversationID = id
}

// Flush writes the pending batch immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()
	b.flush(gen)
}

// Cancel discards pending ids without writing them. Later calls to
// MarkVisible are ignored.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string]struct{})
	b.gen++
	b.cancelled = true
	b.mu.Unlock()
	b.cancel()
}

func (b *Batcher) flush(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.cancelled || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ids := sortedKeys(b.pending)
	b.pending = make(map[string]struct{})
	b.timer = nil
	conversationID := b.conversationID
	b.mu.Unlock()

	err := b.marker.MarkRead(b.ctx, conversationID, ids, b.reader)
	switch {
	case err == nil:
		b.logger.Debug("read receipts written", zap.String("conversation_id", conversationID), zap.Int("count", len(ids)))
	case b.ctx.Err() != nil:
	case remote.Temporary(err):
		// Dropped: the messages are marked again when they next become visible.
		b.logger.Debug("read receipts dropped while offline", zap.String("conversation_id", conversationID), zap.Int("count", len(ids)))
	default:
		b.logger.Warn("failed to write read receipts", zap.String("conversation_id", conversationID), zap.Strings("ids", ids), zap.Error(err))
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
