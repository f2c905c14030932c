// Package sync runs one engine per open conversation view. The engine owns
// the rendered timeline, applies remote snapshots in delivery order and
// routes sends either to the remote store or to the outbox.
package sync

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/analysis"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/identity"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/presence"
	"github.com/matheus3301/convsync/internal/receipt"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/timeline"
)

// Cache is the local persistence the Core writes through. Writes are best
// effort: failures are logged and never reach the caller.
type Cache interface {
	UpsertMessage(m chat.Message) error
	UpsertMessages(msgs []chat.Message) error
	ListMessages(conversationID string) ([]chat.Message, error)
	DeleteMessage(conversationID, msgID string) error
	ReassignConversation(oldID, newID string) error
	UpsertConversation(c chat.Conversation) error
	GetConversation(id string) (*chat.Conversation, error)
	SetCheckpoint(conversationID string, revision uint64) error
	GetCheckpoint(conversationID string) (uint64, error)
}

var _ Cache = (*store.DB)(nil)

// Deps are the collaborators of a Core. Remote, Outbox and Connectivity are
// required.
type Deps struct {
	Remote       remote.Backend
	Cache        Cache
	Outbox       outbox.Store
	Connectivity connectivity.Signal
	Identity     identity.Provider
	Analyzer     analysis.Notifier
	Bus          *bus.Bus
	Logger       *zap.Logger
	Clock        clock.Clock
	ReadWindow   time.Duration
	// NewID generates message ids. Defaults to random UUIDs.
	NewID func() string
}

func (d *Deps) defaults() {
	if d.Identity == nil {
		d.Identity = identity.Static("")
	}
	if d.Analyzer == nil {
		d.Analyzer = analysis.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
}

// Ref names the conversation a view opens. An empty ConversationID opens a
// draft: the conversation is created on the server with the first message
// sent, and Participants must be set.
type Ref struct {
	ConversationID string
	Participants   []string
	DisplayName    string
}

// Draft reports whether r opens a conversation that does not exist yet.
func (r Ref) Draft() bool { return r.ConversationID == "" }

// target is where the next send goes.
type target struct {
	conversationID string
	draft          bool
	participants   []string
}

type cacheOp struct {
	what string
	fn   func(Cache) error
}

const (
	opsBuffer   = 64
	cacheBuffer = 256
)

// Core is the engine of one conversation view.
//
// Every timeline mutation runs on a single loop goroutine. Remote calls run
// on the caller's goroutine or on feed goroutines and post their results back
// to the loop, so the loop never waits on the network.
type Core struct {
	deps   Deps
	logger *zap.Logger

	ops           chan func()
	presenceDirty chan struct{}
	cacheOps      chan cacheOp
	quit          chan struct{}
	done          chan struct{}
	cacheDone     chan struct{}
	stopOnce      sync.Once
	createMu      sync.Mutex

	updates  chan timeline.Snapshot
	failures chan *SendError

	snapMu sync.RWMutex
	snap   timeline.Snapshot
	tgt    target

	// Owned by the loop goroutine.
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	convID     string
	draftID    string
	draft      bool
	conv       chat.Conversation
	self       string
	messages   []chat.Message
	online     bool
	revision   uint64
	remoteSeen bool
	feedGen    uint64
	feedCancel context.CancelFunc
	feedActive bool
	connCancel func()
	busCancel  func()
	fetching   bool
	tracker    *presence.Tracker
	advertiser *presence.Advertiser
	batcher    *receipt.Batcher
}

// New creates a stopped-until-started Core.
func New(deps Deps) *Core {
	deps.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		deps:          deps,
		logger:        deps.Logger,
		ops:           make(chan func(), opsBuffer),
		presenceDirty: make(chan struct{}, 1),
		cacheOps:      make(chan cacheOp, cacheBuffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		cacheDone:     make(chan struct{}),
		updates:       make(chan timeline.Snapshot, 1),
		failures:      make(chan *SendError, 16),
		ctx:           ctx,
		cancel:        cancel,
	}
	go c.loop()
	go c.runCache()
	return c
}

func (c *Core) loop() {
	defer close(c.done)
	for {
		select {
		case f := <-c.ops:
			if !c.stopped {
				f()
			}
		case <-c.presenceDirty:
			if !c.stopped {
				c.emit()
			}
		case <-c.quit:
			return
		}
	}
}

// do queues f on the loop. It reports false once the Core is stopped.
func (c *Core) do(f func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.ops <- f:
		return true
	case <-c.quit:
		return false
	}
}

// call runs f on the loop and waits for it.
func (c *Core) call(f func()) bool {
	ran := make(chan struct{})
	if !c.do(func() { f(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

func (c *Core) runCache() {
	defer close(c.cacheDone)
	for op := range c.cacheOps {
		if err := op.fn(c.deps.Cache); err != nil {
			c.logger.Warn("cache write failed", zap.String("op", op.what), zap.Error(err))
		}
	}
}

// persist queues a cache write. Writes run in order on one goroutine.
func (c *Core) persist(what string, fn func(Cache) error) {
	if c.deps.Cache == nil {
		return
	}
	select {
	case c.cacheOps <- cacheOp{what: what, fn: fn}:
	default:
		c.logger.Warn("cache write dropped", zap.String("op", what))
	}
}

// Start opens the view: cached messages render first, then the remote feed
// takes over. It returns before anything is loaded. Starting twice is a no-op.
func (c *Core) Start(ref Ref) error {
	if ref.Draft() && len(ref.Participants) == 0 {
		return &remote.Error{Code: remote.CodeInvalidArgument, Message: "a new conversation needs participants"}
	}
	var err error
	if !c.call(func() { err = c.start(ref) }) {
		return ErrStopped
	}
	return err
}

func (c *Core) start(ref Ref) error {
	if c.started {
		return nil
	}
	c.started = true
	c.self, _ = c.deps.Identity.CurrentUserID()
	c.conv = chat.Conversation{
		ID:             ref.ConversationID,
		ParticipantIDs: slices.Clone(ref.Participants),
		DisplayName:    ref.DisplayName,
	}
	c.draft = ref.Draft()
	if c.draft {
		c.draftID = "draft-" + c.deps.NewID()
		c.conv.ID = c.draftID
	}
	c.convID = c.conv.ID
	c.setTarget()

	remoteID := c.convID
	if c.draft {
		remoteID = ""
	}
	c.batcher = receipt.New(c.ctx, c.deps.Remote, remoteID, c.self, receipt.Options{
		Window: c.deps.ReadWindow,
		Clock:  c.deps.Clock,
		Logger: c.logger,
	})
	c.advertiser = presence.NewAdvertiser(c.deps.Remote, remoteID, c.self, c.logger)
	c.tracker = presence.NewTracker(c.ctx, c.deps.Remote, c.self, c.markPresenceDirty, c.logger)

	c.online = c.deps.Connectivity.Online()
	changes, cancel := c.deps.Connectivity.Subscribe(4)
	c.connCancel = cancel
	go c.forwardConnectivity(changes)

	if c.deps.Bus != nil {
		events, unsub := c.deps.Bus.Subscribe("outbox.", 64)
		c.busCancel = unsub
		go c.forwardOutboxEvents(events)
	}

	c.logger.Info("conversation view started",
		zap.String("conversation_id", c.convID),
		zap.Bool("draft", c.draft),
		zap.Bool("online", c.online))
	c.trackParticipants()
	c.emit()
	if !c.draft {
		go c.loadCache(c.convID)
	}
	return nil
}

func (c *Core) setTarget() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.tgt = target{
		conversationID: c.convID,
		draft:          c.draft,
		participants:   slices.Clone(c.conv.ParticipantIDs),
	}
}

func (c *Core) target() target {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.tgt
}

// ConversationID returns the id sends currently go to. For a draft that has
// not been created yet it is a local placeholder.
func (c *Core) ConversationID() string {
	return c.target().conversationID
}

// Done is closed once Stop has shut the view down.
func (c *Core) Done() <-chan struct{} { return c.done }

// Draft reports whether the conversation has not been created on the
// server yet.
func (c *Core) Draft() bool {
	return c.target().draft
}

// Stop cancels the remote feed, the connectivity subscription, the presence
// and typing subscriptions and the pending read receipts, in that order.
// Sends still in flight complete but no longer touch the timeline. Stop is
// safe to call more than once.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		var adv *presence.Advertiser
		c.call(func() { adv = c.shutdown() })
		close(c.quit)
		<-c.done
		close(c.cacheOps)
		<-c.cacheDone
		if adv != nil {
			adv.Close()
		}
	})
}

func (c *Core) shutdown() *presence.Advertiser {
	c.stopped = true
	if c.feedCancel != nil {
		c.feedCancel()
	}
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.tracker != nil {
		c.tracker.Close()
	}
	if c.batcher != nil {
		c.batcher.Cancel()
	}
	if c.busCancel != nil {
		c.busCancel()
	}
	c.cancel()
	close(c.updates)
	close(c.failures)
	if c.started {
		c.logger.Info("conversation view stopped", zap.String("conversation_id", c.convID))
	}
	return c.advertiser
}

// Updates delivers a snapshot after every change. Only the newest snapshot is
// kept for a slow reader. The channel is closed by Stop.
func (c *Core) Updates() <-chan timeline.Snapshot { return c.updates }

// Failures delivers messages that became failed after leaving Send, i.e.
// outbox entries that ran out of retries. The channel is closed by Stop.
func (c *Core) Failures() <-chan *SendError { return c.failures }

// Snapshot returns the latest rendered state.
func (c *Core) Snapshot() timeline.Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

func (c *Core) emit() {
	if c.stopped {
		return
	}
	c.revision++
	var (
		pres   map[string]chat.Presence
		typing []string
	)
	if c.tracker != nil {
		pres, typing = c.tracker.Snapshot()
	}
	snap := timeline.Build(timeline.State{
		ConversationID: c.convID,
		Draft:          c.draft,
		Messages:       c.messages,
		Typing:         typing,
		Presence:       pres,
		Online:         c.online,
		Revision:       c.revision,
	})
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	pushLatest(c.updates, snap)
	c.deps.Bus.Publish(bus.Event{Kind: bus.KindTimelineUpdated, ConversationID: c.convID, Payload: c.revision})
}

func (c *Core) markPresenceDirty() {
	select {
	case c.presenceDirty <- struct{}{}:
	default:
	}
}

func (c *Core) forwardConnectivity(changes <-chan bool) {
	for online := range changes {
		if !c.do(func() { c.setOnline(online) }) {
			return
		}
	}
}

func (c *Core) setOnline(online bool) {
	was := c.online
	c.online = online
	if online && !was {
		c.startFeed()
	}
	c.emit()
}

func (c *Core) forwardOutboxEvents(events <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			if !c.do(func() { c.handleOutboxEvent(evt) }) {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Core) handleOutboxEvent(evt bus.Event) {
	r, ok := evt.Payload.(bus.OutboxResult)
	if !ok {
		return
	}
	if r.ConversationID != c.convID && (c.draftID == "" || r.ConversationID != c.draftID) {
		return
	}
	switch evt.Kind {
	case bus.KindOutboxDelivered:
		if r.CreatedConversationID != "" {
			c.adopt(r.ConversationID, r.CreatedConversationID)
		}
	case bus.KindOutboxExhausted:
		c.fail(r.MessageID)
		err := ErrOutboxExhausted
		if r.Err != nil {
			err = &exhaustedError{cause: r.Err}
		}
		pushLatest(c.failures, &SendError{MessageID: r.MessageID, Err: err})
	}
}

// exhaustedError matches ErrOutboxExhausted and unwraps to the last cause.
type exhaustedError struct{ cause error }

func (e *exhaustedError) Error() string { return ErrOutboxExhausted.Error() + ": " + e.cause.Error() }

func (e *exhaustedError) Unwrap() []error { return []error{ErrOutboxExhausted, e.cause} }

// loadCache reads the cached timeline and the queued message ids off the
// loop, applies them, then opens the remote feed.
func (c *Core) loadCache(conversationID string) {
	var (
		cached     []chat.Message
		meta       *chat.Conversation
		checkpoint uint64
		queued     = make(map[string]bool)
	)
	if c.deps.Cache != nil {
		var err error
		if cached, err = c.deps.Cache.ListMessages(conversationID); err != nil {
			c.logger.Warn("failed to load cached messages", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		if meta, err = c.deps.Cache.GetConversation(conversationID); err != nil {
			c.logger.Warn("failed to load cached conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		if checkpoint, err = c.deps.Cache.GetCheckpoint(conversationID); err != nil {
			c.logger.Debug("no checkpoint", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		entries, err := c.deps.Outbox.DrainAll()
		if err != nil {
			// Without the queue no row can be told apart, so none is demoted.
			c.logger.Warn("failed to read outbox", zap.Error(err))
			for _, m := range cached {
				queued[m.ID] = true
			}
		}
		for _, e := range entries {
			queued[e.MessageID] = true
		}
	}
	c.do(func() {
		c.applyCache(cached, meta, checkpoint, queued)
		c.startFeed()
	})
}

// applyCache renders the cached timeline. A cached sending message that is
// not queued was cut off by a previous run (a crash mid-send or a lost
// exhaustion) and is demoted to failed. If the remote store did take it, the
// first snapshot replaces it with the confirmed copy.
func (c *Core) applyCache(cached []chat.Message, meta *chat.Conversation, checkpoint uint64, queued map[string]bool) {
	c.revision = max(c.revision, checkpoint)
	if !c.remoteSeen {
		for _, m := range cached {
			// Sends made before the cache loaded take precedence.
			if timeline.Find(c.messages, m.ID) >= 0 {
				continue
			}
			if m.Status == chat.StatusSending && !queued[m.ID] {
				m.Status = chat.StatusFailed
				orphan := m.Clone()
				c.persist("mark orphan failed", func(cache Cache) error { return cache.UpsertMessage(orphan) })
				c.logger.Info("unsent message from a previous run marked failed", zap.String("message_id", m.ID))
			}
			c.messages = timeline.Upsert(c.messages, m)
		}
	}
	if meta != nil {
		if len(c.conv.ParticipantIDs) == 0 {
			c.conv.ParticipantIDs = slices.Clone(meta.ParticipantIDs)
			c.setTarget()
		}
		if c.conv.DisplayName == "" {
			c.conv.DisplayName = meta.DisplayName
		}
	}
	c.logger.Debug("cached timeline loaded",
		zap.String("conversation_id", c.convID),
		zap.Int("messages", len(cached)),
		zap.Uint64("checkpoint", checkpoint))
	c.trackParticipants()
	c.emit()
}

// trackParticipants starts presence tracking once participants are known,
// fetching them from the remote store when neither the ref nor the cache
// had them.
func (c *Core) trackParticipants() {
	if c.tracker == nil || c.self == "" {
		return
	}
	if len(c.conv.ParticipantIDs) == 0 {
		if !c.draft && !c.fetching {
			c.fetching = true
			go c.fetchConversation(c.convID)
		}
		return
	}
	peers := c.conv.Peers(c.self)
	tracker := c.tracker
	go func() {
		if err := tracker.TrackOnly(peers); err != nil {
			c.logger.Warn("presence tracking incomplete", zap.Error(err))
		}
	}()
}

func (c *Core) fetchConversation(conversationID string) {
	conv, err := c.deps.Remote.Conversation(c.ctx, conversationID)
	c.do(func() {
		c.fetching = false
		if err != nil {
			c.logger.Warn("failed to fetch conversation", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		if conversationID != c.convID || len(c.conv.ParticipantIDs) > 0 {
			return
		}
		c.conv.ParticipantIDs = slices.Clone(conv.ParticipantIDs)
		if c.conv.DisplayName == "" {
			c.conv.DisplayName = conv.DisplayName
		}
		c.setTarget()
		meta := c.conv
		c.persist("upsert conversation", func(cache Cache) error { return cache.UpsertConversation(meta) })
		c.trackParticipants()
		c.emit()
	})
}

// startFeed opens the remote feed (and the typing feed) for an existing
// conversation unless one is already live.
func (c *Core) startFeed() {
	if c.draft || c.feedActive {
		return
	}
	if c.feedCancel != nil {
		c.feedCancel()
	}
	c.feedGen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.feedCancel = cancel
	c.feedActive = true
	go c.consumeFeed(ctx, c.feedGen, c.convID, c.tracker)
}

func (c *Core) consumeFeed(ctx context.Context, gen uint64, conversationID string, tracker *presence.Tracker) {
	if err := tracker.WatchTyping(conversationID); err != nil {
		c.logger.Warn("typing subscription failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	feed, err := c.deps.Remote.Subscribe(ctx, conversationID)
	if err != nil {
		if ctx.Err() == nil {
			c.do(func() { c.feedFailed(gen, err) })
		}
		return
	}
	for msgs := range feed {
		c.do(func() { c.applyRemote(gen, msgs) })
	}
	c.do(func() { c.feedEnded(gen) })
}

func (c *Core) feedFailed(gen uint64, err error) {
	if gen != c.feedGen {
		return
	}
	c.feedActive = false
	if Classify(err) == Connectivity {
		c.logger.Info("remote feed unavailable, resubscribing when online", zap.String("conversation_id", c.convID), zap.Error(err))
		return
	}
	c.logger.Warn("remote feed rejected", zap.String("conversation_id", c.convID), zap.Error(err))
}

func (c *Core) feedEnded(gen uint64) {
	if gen == c.feedGen {
		c.feedActive = false
	}
}

// applyRemote merges one authoritative snapshot into the timeline.
func (c *Core) applyRemote(gen uint64, msgs []chat.Message) {
	if gen != c.feedGen {
		return
	}
	c.remoteSeen = true
	for _, m := range msgs {
		i := timeline.Find(c.messages, m.ID)
		if i < 0 {
			continue
		}
		if from := c.messages[i].Status; from != m.Status && !status.CanTransition(from, m.Status) {
			c.logger.Debug("remote status moves backwards",
				zap.String("message_id", m.ID),
				zap.String("from", string(from)),
				zap.String("to", string(m.Status)))
		}
	}
	c.messages = timeline.Merge(c.messages, msgs)
	c.emit()

	conversationID, revision := c.convID, c.revision
	remoteMsgs := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		remoteMsgs[i] = m.Clone()
	}
	c.persist("upsert snapshot", func(cache Cache) error {
		if err := cache.UpsertMessages(remoteMsgs); err != nil {
			return err
		}
		return cache.SetCheckpoint(conversationID, revision)
	})
	if n := len(remoteMsgs); n > 0 {
		meta := c.conv
		meta.ParticipantIDs = slices.Clone(meta.ParticipantIDs)
		meta.LastMessageText = remoteMsgs[n-1].Text
		meta.LastMessageAt = remoteMsgs[n-1].CreatedAt
		c.persist("upsert conversation", func(cache Cache) error { return cache.UpsertConversation(meta) })
	}
}

// adopt turns the draft into the conversation the server created.
func (c *Core) adopt(draftID, conversationID string) {
	if !c.draft || c.convID != draftID || conversationID == "" {
		return
	}
	c.draft = false
	c.convID = conversationID
	c.conv.ID = conversationID
	for i := range c.messages {
		if c.messages[i].ConversationID == draftID {
			c.messages[i].ConversationID = conversationID
		}
	}
	c.setTarget()
	c.batcher.SetConversation(conversationID)
	c.advertiser.SetConversation(conversationID)

	meta := c.conv
	meta.ParticipantIDs = slices.Clone(meta.ParticipantIDs)
	c.persist("reassign draft", func(cache Cache) error {
		if err := cache.ReassignConversation(draftID, conversationID); err != nil {
			return err
		}
		return cache.UpsertConversation(meta)
	})
	c.logger.Info("conversation created", zap.String("draft_id", draftID), zap.String("conversation_id", conversationID))
	c.deps.Bus.Publish(bus.Event{Kind: bus.KindConversationCreated, ConversationID: conversationID, Payload: draftID})

	c.startFeed()
	c.trackParticipants()
	c.emit()
}

// fail marks a sending message failed. A message the remote store already
// confirmed stays as it is.
func (c *Core) fail(messageID string) {
	i := timeline.Find(c.messages, messageID)
	if i < 0 {
		return
	}
	m := c.messages[i]
	if !status.Local(m.Status, chat.StatusFailed) {
		return
	}
	next, err := status.Transition(m.Status, chat.StatusFailed)
	if err != nil {
		return
	}
	m.Status = next
	c.messages = timeline.Upsert(c.messages, m)
	c.persist("mark failed", func(cache Cache) error { return cache.UpsertMessage(m) })
	c.emit()
}

// Send appends an optimistic message and delivers it. Empty text is ignored.
// A connectivity failure queues the message and returns nil. Any other
// failure marks the message failed and returns a *SendError.
func (c *Core) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	self, ok := c.deps.Identity.CurrentUserID()
	if !ok {
		return ErrUnauthenticated
	}

	var (
		msg chat.Message
		err error
	)
	if !c.call(func() {
		if !c.started {
			err = ErrNotStarted
			return
		}
		msg = chat.Message{
			ID:             c.deps.NewID(),
			ConversationID: c.convID,
			SenderID:       self,
			Text:           text,
			CreatedAt:      c.deps.Clock.Now().UTC(),
			Status:         chat.StatusSending,
		}
		c.messages = timeline.Upsert(c.messages, msg)
		c.advertiser.Reset()
		persisted := msg.Clone()
		c.persist("upsert optimistic", func(cache Cache) error { return cache.UpsertMessage(persisted) })
		c.emit()
	}) {
		return ErrStopped
	}
	if err != nil {
		return err
	}
	return c.deliver(ctx, msg)
}

// Retry resends a failed message with its original id and timestamp.
func (c *Core) Retry(ctx context.Context, messageID string) error {
	if _, ok := c.deps.Identity.CurrentUserID(); !ok {
		return ErrUnauthenticated
	}
	var (
		msg chat.Message
		err error
	)
	if !c.call(func() {
		if !c.started {
			err = ErrNotStarted
			return
		}
		i := timeline.Find(c.messages, messageID)
		if i < 0 {
			err = ErrNotFound
			return
		}
		next, terr := status.Transition(c.messages[i].Status, chat.StatusSending)
		if terr != nil {
			err = ErrNotRetryable
			return
		}
		msg = c.messages[i].Clone()
		msg.Status = next
		c.messages = timeline.Upsert(c.messages, msg)
		persisted := msg.Clone()
		c.persist("upsert retry", func(cache Cache) error { return cache.UpsertMessage(persisted) })
		c.emit()
	}) {
		return ErrStopped
	}
	if err != nil {
		return err
	}
	return c.deliver(ctx, msg)
}

// Delete removes a failed message from the timeline, the cache and the
// outbox. It cannot be undone.
func (c *Core) Delete(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if !c.call(func() {
		i := timeline.Find(c.messages, messageID)
		if i < 0 {
			err = ErrNotFound
			return
		}
		if c.messages[i].Status != chat.StatusFailed {
			err = ErrNotRetryable
			return
		}
		conversationID := c.messages[i].ConversationID
		c.messages = timeline.Remove(c.messages, messageID)
		c.persist("delete message", func(cache Cache) error { return cache.DeleteMessage(conversationID, messageID) })
		c.emit()
	}) {
		return ErrStopped
	}
	if err != nil {
		return err
	}
	if err := c.deps.Outbox.Remove(messageID); err != nil {
		c.logger.Warn("failed to remove deleted message from outbox", zap.String("message_id", messageID), zap.Error(err))
	}
	return nil
}

// MarkVisible reports a message as seen. It returns whether the message was
// newly queued for a read receipt.
func (c *Core) MarkVisible(messageID string) bool {
	var queued bool
	c.call(func() {
		i := timeline.Find(c.messages, messageID)
		if i < 0 || c.batcher == nil {
			return
		}
		queued = c.batcher.MarkVisible(c.messages[i])
	})
	return queued
}

// SetInput reports the composer text so typing start and stop are advertised.
func (c *Core) SetInput(text string) {
	c.do(func() {
		if c.advertiser != nil {
			c.advertiser.Update(strings.TrimSpace(text))
		}
	})
}

// deliver runs on the caller's goroutine.
func (c *Core) deliver(ctx context.Context, msg chat.Message) error {
	log := c.logger.With(zap.String("message_id", msg.ID))
	if !c.deps.Connectivity.Online() {
		log.Info("offline, queueing message")
		return c.enqueue(msg)
	}

	conversationID, err := c.transmit(ctx, msg)
	if err == nil {
		msg.ConversationID = conversationID
		log.Debug("message sent", zap.String("conversation_id", conversationID))
		c.deps.Bus.Publish(bus.Event{Kind: bus.KindMessageSent, ConversationID: conversationID, Payload: msg.ID})
		c.deps.Analyzer.Notify(msg)
		return nil
	}

	if Classify(err) == Connectivity || ctx.Err() != nil {
		log.Info("send failed, queueing message", zap.Error(err))
		return c.enqueue(msg)
	}
	log.Warn("send rejected", zap.Error(err))
	c.do(func() { c.fail(msg.ID) })
	c.deps.Bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, ConversationID: conversationID, Payload: msg.ID})
	return &SendError{MessageID: msg.ID, Err: err}
}

// transmit sends msg to the remote store, creating the conversation first
// when the view is still a draft. It returns the conversation id used.
func (c *Core) transmit(ctx context.Context, msg chat.Message) (string, error) {
	t := c.target()
	if t.draft {
		c.createMu.Lock()
		defer c.createMu.Unlock()
		// Another send may have created the conversation meanwhile.
		t = c.target()
	}
	if !t.draft {
		return t.conversationID, c.deps.Remote.SendMessage(ctx, t.conversationID, msg.SenderID, msg.Text, msg.ID)
	}

	id, err := c.deps.Remote.CreateConversation(ctx, withSelf(t.participants, msg.SenderID), msg.SenderID, msg.Text, msg.ID)
	if err != nil {
		return t.conversationID, err
	}
	if !c.call(func() { c.adopt(t.conversationID, id) }) {
		return id, nil
	}
	if err := c.deps.Outbox.Reassign(t.conversationID, id); err != nil {
		c.logger.Warn("failed to reassign queued draft messages", zap.String("conversation_id", id), zap.Error(err))
	}
	return id, nil
}

func (c *Core) enqueue(msg chat.Message) error {
	t := c.target()
	entry := chat.OutboxEntry{
		MessageID:      msg.ID,
		ConversationID: t.conversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	}
	if t.draft {
		entry.Participants = withSelf(t.participants, msg.SenderID)
	}
	if err := c.deps.Outbox.Enqueue(entry); err != nil {
		// Without the outbox the message cannot be kept for later.
		c.logger.Error("failed to queue message", zap.String("message_id", msg.ID), zap.Error(err))
		c.do(func() { c.fail(msg.ID) })
		return &SendError{MessageID: msg.ID, Err: err}
	}
	c.deps.Bus.Publish(bus.Event{Kind: bus.KindOutboxEnqueued, ConversationID: entry.ConversationID, Payload: msg.ID})
	return nil
}

func withSelf(participants []string, self string) []string {
	if slices.Contains(participants, self) {
		return slices.Clone(participants)
	}
	return append([]string{self}, participants...)
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
