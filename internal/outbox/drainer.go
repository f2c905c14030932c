package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/analysis"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/remote"
)

// MessageCache is the part of the local cache the drainer writes exhausted
// messages to, so a view opened later renders them failed.
type MessageCache interface {
	UpsertMessage(m chat.Message) error
}

// Drainer resends queued entries each time connectivity goes from offline to
// online. It starts out treating the device as offline, so entries left over
// from a previous run drain as soon as the remote is first reachable.
type Drainer struct {
	queue    Store
	remote   remote.Store
	cache    MessageCache
	signal   connectivity.Signal
	bus      *bus.Bus
	notifier analysis.Notifier
	logger   *zap.Logger

	mu       sync.Mutex
	draining bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDrainer creates a drainer. cache, b, notifier and logger may be nil.
func NewDrainer(q Store, r remote.Store, cache MessageCache, signal connectivity.Signal, b *bus.Bus, notifier analysis.Notifier, logger *zap.Logger) *Drainer {
	if notifier == nil {
		notifier = analysis.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		queue:    q,
		remote:   r,
		cache:    cache,
		signal:   signal,
		bus:      b,
		notifier: notifier,
		logger:   logger,
	}
}

// Start begins watching connectivity.
func (d *Drainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	changes, unsubscribe := d.signal.Subscribe(8)

	go func() {
		defer close(d.done)
		defer unsubscribe()

		online := false
		edge := func(now bool) {
			if now && !online {
				d.Drain(ctx)
			}
			online = now
		}
		edge(d.signal.Online())
		for {
			select {
			case v, ok := <-changes:
				if !ok {
					return
				}
				edge(v)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops watching connectivity and waits for an in-progress drain to end.
func (d *Drainer) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Drain resends every queued entry in FIFO order and returns how many were
// delivered. A call made while another drain runs returns immediately.
func (d *Drainer) Drain(ctx context.Context) int {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return 0
	}
	d.draining = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	entries, err := d.queue.DrainAll()
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	d.logger.Info("draining outbox", zap.Int("entries", len(entries)))

	// Drafts created earlier in this pass resolve to their server id.
	created := make(map[string]string)
	delivered := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return delivered
		}
		if !d.signal.Online() {
			d.logger.Info("connectivity lost, pausing drain", zap.Int("delivered", delivered))
			return delivered
		}
		if id, ok := created[e.ConversationID]; ok {
			e.ConversationID = id
			e.Participants = nil
		}
		if d.deliver(ctx, e, created) {
			delivered++
		}
	}
	return delivered
}

func (d *Drainer) deliver(ctx context.Context, e chat.OutboxEntry, created map[string]string) bool {
	log := d.logger.With(zap.String("message_id", e.MessageID), zap.String("conversation_id", e.ConversationID))

	var (
		newConversationID string
		err               error
	)
	if e.NeedsConversation() {
		newConversationID, err = d.remote.CreateConversation(ctx, e.Participants, e.SenderID, e.Text, e.MessageID)
	} else {
		err = d.remote.SendMessage(ctx, e.ConversationID, e.SenderID, e.Text, e.MessageID)
	}
	if err != nil {
		d.fail(e, err, log)
		return false
	}

	if err := d.queue.Remove(e.MessageID); err != nil {
		log.Error("failed to remove delivered entry", zap.Error(err))
	}
	msg := e.Message()
	if newConversationID != "" {
		created[e.ConversationID] = newConversationID
		if err := d.queue.Reassign(e.ConversationID, newConversationID); err != nil {
			log.Error("failed to reassign draft conversation", zap.Error(err))
		}
		msg.ConversationID = newConversationID
	}
	log.Info("outbox entry delivered", zap.Int("retry_count", e.RetryCount))
	d.bus.Publish(bus.Event{
		Kind:           bus.KindOutboxDelivered,
		ConversationID: e.ConversationID,
		Payload: bus.OutboxResult{
			MessageID:             e.MessageID,
			ConversationID:        e.ConversationID,
			CreatedConversationID: newConversationID,
			RetryCount:            e.RetryCount,
		},
	})
	d.notifier.Notify(msg)
	return true
}

// fail applies the retry bound. Rejections exhaust the entry at once.
func (d *Drainer) fail(e chat.OutboxEntry, cause error, log *zap.Logger) {
	exhausted := !remote.Temporary(cause)
	if !exhausted {
		reached, err := d.queue.HasReachedRetryLimit(e.MessageID)
		if err != nil {
			log.Error("failed to read retry count", zap.Error(err))
			return
		}
		exhausted = reached
	}

	if exhausted {
		if err := d.queue.Remove(e.MessageID); err != nil {
			log.Error("failed to remove exhausted entry", zap.Error(err))
		}
		log.Warn("outbox entry exhausted", zap.Int("retry_count", e.RetryCount), zap.Error(cause))
		if d.cache != nil {
			failed := e.Message()
			failed.Status = chat.StatusFailed
			if err := d.cache.UpsertMessage(failed); err != nil {
				log.Error("failed to mark exhausted message failed", zap.Error(err))
			}
		}
		d.bus.Publish(bus.Event{
			Kind:           bus.KindOutboxExhausted,
			ConversationID: e.ConversationID,
			Payload: bus.OutboxResult{
				MessageID:      e.MessageID,
				ConversationID: e.ConversationID,
				RetryCount:     e.RetryCount,
				Err:            cause,
			},
		})
		return
	}

	count, err := d.queue.IncrementRetry(e.MessageID)
	if err != nil {
		log.Error("failed to increment retry count", zap.Error(err))
		return
	}
	log.Info("outbox entry will be retried", zap.Int("retry_count", count), zap.Error(cause))
	d.bus.Publish(bus.Event{
		Kind:           bus.KindOutboxRetry,
		ConversationID: e.ConversationID,
		Payload: bus.OutboxResult{
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
			RetryCount:     count,
			Err:            cause,
		},
	})
}
