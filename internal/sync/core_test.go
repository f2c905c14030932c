package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/identity"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/remote/remotetest"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/timeline"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (n *recordingNotifier) Notify(m chat.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
}

func (n *recordingNotifier) notified() []chat.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.msgs)
}

type harness struct {
	fake     *remotetest.Fake
	db       *store.DB
	queue    *outbox.Queue
	obs      *connectivity.Observer
	bus      *bus.Bus
	clock    *clock.Fake
	notifier *recordingNotifier
	self     string
	ids      atomic.Int64
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	b := bus.New()
	db := testDB(t)
	return &harness{
		fake:     remotetest.New(),
		db:       db,
		queue:    outbox.NewQueue(db, outbox.DefaultMaxRetries),
		obs:      connectivity.NewObserver(online, b),
		bus:      b,
		clock:    clock.NewFake(base),
		notifier: &recordingNotifier{},
		self:     "me",
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Remote:       h.fake,
		Cache:        h.db,
		Outbox:       h.queue,
		Connectivity: h.obs,
		Identity:     identity.Static(h.self),
		Analyzer:     h.notifier,
		Bus:          h.bus,
		Clock:        h.clock,
		ReadWindow:   300 * time.Millisecond,
		NewID:        func() string { return fmt.Sprintf("m%d", h.ids.Add(1)) },
	}
}

func (h *harness) open(t *testing.T, ref Ref) *Core {
	t.Helper()
	c := New(h.deps())
	if err := c.Start(ref); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func (h *harness) startDrainer(t *testing.T) {
	t.Helper()
	d := outbox.NewDrainer(h.queue, h.fake, h.db, h.obs, h.bus, nil, nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
}

func conversation(id string, participants ...string) chat.Conversation {
	return chat.Conversation{ID: id, ParticipantIDs: participants}
}

func fromBob(id string, i int) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderID: "bob", Text: id, CreatedAt: base.Add(time.Duration(i) * time.Second), Status: chat.StatusSent}
}

func waitSnapshot(t *testing.T, c *Core, what string, ok func(timeline.Snapshot) bool) timeline.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if s := c.Snapshot(); ok(s) {
			return s
		}
		select {
		case <-c.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for %s; last snapshot: %+v", what, c.Snapshot())
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func only(status chat.Status) func(timeline.Snapshot) bool {
	return func(s timeline.Snapshot) bool {
		return s.Len() == 1 && s.Entries[0].Message.Status == status
	}
}

func queueLen(t *testing.T, q *outbox.Queue) int {
	t.Helper()
	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSendIsOptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	h.fake.SendGate = make(chan struct{})
	c := h.open(t, Ref{ConversationID: "c1"})

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "  hi  ") }()

	s := waitSnapshot(t, c, "optimistic message", only(chat.StatusSending))
	if got := s.Entries[0].Message; got.Text != "hi" || got.SenderID != "me" {
		t.Fatalf("optimistic message = %+v", got)
	}
	id := s.Entries[0].Message.ID

	close(h.fake.SendGate)
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	s = waitSnapshot(t, c, "confirmed message", only(chat.StatusSent))
	if s.Entries[0].Message.ID != id {
		t.Fatalf("confirmed id = %q, want %q", s.Entries[0].Message.ID, id)
	}
	eventually(t, "analysis notification", func() bool { return len(h.notifier.notified()) == 1 })
	if got := h.notifier.notified()[0]; got.ID != id || got.ConversationID != "c1" {
		t.Fatalf("notified %+v", got)
	}
}

func TestLateRejectionKeepsConfirmedStatus(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	h.fake.SendGate = make(chan struct{})
	c := h.open(t, Ref{ConversationID: "c1"})

	errc := make(chan error, 1)
	go func() { errc <- c.Send(context.Background(), "hi") }()
	s := waitSnapshot(t, c, "optimistic message", only(chat.StatusSending))
	confirmed := s.Entries[0].Message
	confirmed.Status = chat.StatusSent
	h.fake.PutMessages("c1", confirmed)
	waitSnapshot(t, c, "confirmed by the feed", only(chat.StatusSent))

	h.fake.SendErr = func(remotetest.SendCall) error { return remote.Errorf(remote.CodeInvalidArgument, "duplicate") }
	close(h.fake.SendGate)
	var se *SendError
	if err := <-errc; !errors.As(err, &se) {
		t.Fatalf("Send: err = %v, want *SendError", err)
	}
	// Round-trips the loop so the queued failure has been applied.
	c.MarkVisible(confirmed.ID)
	if got := c.Snapshot(); !only(chat.StatusSent)(got) {
		t.Fatalf("sent message was downgraded: %+v", got.Entries)
	}
}

func TestSendIgnoresBlankText(t *testing.T) {
	h := newHarness(t, true)
	c := h.open(t, Ref{ConversationID: "c1"})

	if err := c.Send(context.Background(), " \n\t "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := c.Snapshot().Len(); n != 0 {
		t.Fatalf("timeline has %d messages", n)
	}
	if n := len(h.fake.Sends()); n != 0 {
		t.Fatalf("%d remote sends", n)
	}
}

func TestSendRequiresIdentity(t *testing.T) {
	h := newHarness(t, true)
	h.self = ""
	c := h.open(t, Ref{ConversationID: "c1"})

	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if n := c.Snapshot().Len(); n != 0 {
		t.Fatalf("timeline has %d messages, want none", n)
	}
	if Classify(ErrUnauthenticated) != Unauthenticated {
		t.Fatal("ErrUnauthenticated should classify as Unauthenticated")
	}
}

func TestSendBeforeStart(t *testing.T) {
	h := newHarness(t, true)
	c := New(h.deps())
	defer c.Stop()
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestOfflineSendQueuesAndDrainsOnReconnect(t *testing.T) {
	h := newHarness(t, false)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	c := h.open(t, Ref{ConversationID: "c1"})
	h.startDrainer(t)

	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := waitSnapshot(t, c, "queued message", only(chat.StatusSending))
	if s.Online {
		t.Fatal("snapshot should be offline")
	}
	if n := queueLen(t, h.queue); n != 1 {
		t.Fatalf("outbox has %d entries, want 1", n)
	}
	if n := len(h.fake.Sends()); n != 0 {
		t.Fatalf("%d remote sends while offline", n)
	}

	h.obs.Set(true)
	eventually(t, "outbox drained", func() bool { return queueLen(t, h.queue) == 0 })
	s = waitSnapshot(t, c, "delivered message", func(s timeline.Snapshot) bool {
		return only(chat.StatusSent)(s) && s.Online
	})
	sends := h.fake.Sends()
	if len(sends) != 1 || sends[0].MessageID != s.Entries[0].Message.ID {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestConnectivityFailureQueuesMessage(t *testing.T) {
	h := newHarness(t, true)
	h.fake.SendErr = func(remotetest.SendCall) error {
		return remote.Errorf(remote.CodeUnavailable, "connection reset")
	}
	c := h.open(t, Ref{ConversationID: "c1"})

	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := queueLen(t, h.queue); n != 1 {
		t.Fatalf("outbox has %d entries, want 1", n)
	}
	waitSnapshot(t, c, "message still sending", only(chat.StatusSending))
}

func TestRejectedSendFailsAndRetries(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	var reject atomic.Bool
	reject.Store(true)
	h.fake.SendErr = func(remotetest.SendCall) error {
		if reject.Load() {
			return remote.Errorf(remote.CodePermissionDenied, "not a participant")
		}
		return nil
	}
	c := h.open(t, Ref{ConversationID: "c1"})

	err := c.Send(context.Background(), "hi")
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if !remote.IsCode(err, remote.CodePermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	s := waitSnapshot(t, c, "failed message", only(chat.StatusFailed))
	failed := s.Entries[0].Message
	if failed.ID != se.MessageID {
		t.Fatalf("failed id = %q, SendError id = %q", failed.ID, se.MessageID)
	}
	if n := queueLen(t, h.queue); n != 0 {
		t.Fatalf("rejected message queued: %d entries", n)
	}

	reject.Store(false)
	if err := c.Retry(context.Background(), failed.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitSnapshot(t, c, "retried message", only(chat.StatusSent))
	sends := h.fake.Sends()
	if len(sends) != 2 || sends[1].MessageID != failed.ID {
		t.Fatalf("sends = %+v", sends)
	}

	if err := c.Retry(context.Background(), failed.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry of sent message: err = %v", err)
	}
	if err := c.Retry(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry of missing message: err = %v", err)
	}
}

func TestRetryKeepsIDAndTimestamp(t *testing.T) {
	h := newHarness(t, true)
	h.fake.SendErr = func(remotetest.SendCall) error { return remote.Errorf(remote.CodeInvalidArgument, "too long") }
	c := h.open(t, Ref{ConversationID: "c1"})

	_ = c.Send(context.Background(), "hi")
	before := waitSnapshot(t, c, "failed", only(chat.StatusFailed)).Entries[0].Message

	h.clock.Advance(time.Minute)
	var se *SendError
	if err := c.Retry(context.Background(), before.ID); !errors.As(err, &se) {
		t.Fatalf("Retry: err = %v, want *SendError", err)
	}
	after := waitSnapshot(t, c, "failed again", only(chat.StatusFailed)).Entries[0].Message
	if after.ID != before.ID || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("retry changed identity: before %+v after %+v", before, after)
	}
}

func TestDeleteRemovesFailedMessage(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"), fromBob("b1", 0))
	h.fake.SendErr = func(remotetest.SendCall) error { return remote.Errorf(remote.CodePermissionDenied, "denied") }
	c := h.open(t, Ref{ConversationID: "c1"})
	waitSnapshot(t, c, "remote message", func(s timeline.Snapshot) bool { return s.Len() == 1 })

	err := c.Send(context.Background(), "hi")
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	eventually(t, "failed message cached", func() bool {
		msgs, _ := h.db.ListMessages("c1")
		return slices.ContainsFunc(msgs, func(m chat.Message) bool { return m.ID == se.MessageID && m.Status == chat.StatusFailed })
	})

	if err := c.Delete(context.Background(), "b1"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("delete of sent message: err = %v", err)
	}
	if err := c.Delete(context.Background(), se.MessageID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s := c.Snapshot()
	if s.Len() != 1 || s.Entries[0].Message.ID != "b1" {
		t.Fatalf("timeline after delete = %+v", s.Messages())
	}
	eventually(t, "message removed from cache", func() bool {
		msgs, _ := h.db.ListMessages("c1")
		return !slices.ContainsFunc(msgs, func(m chat.Message) bool { return m.ID == se.MessageID })
	})
	if err := c.Delete(context.Background(), se.MessageID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: err = %v", err)
	}
}

func TestDraftSendCreatesConversation(t *testing.T) {
	h := newHarness(t, true)
	c := h.open(t, Ref{Participants: []string{"bob"}})

	s := c.Snapshot()
	if !s.Draft || !strings.HasPrefix(s.ConversationID, "draft-") {
		t.Fatalf("draft snapshot = %+v", s)
	}
	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	creates := h.fake.Creates()
	if len(creates) != 1 || !slices.Equal(creates[0].Participants, []string{"me", "bob"}) {
		t.Fatalf("creates = %+v", creates)
	}
	waitSnapshot(t, c, "created conversation", func(s timeline.Snapshot) bool {
		return !s.Draft && s.ConversationID == "conv-1" && only(chat.StatusSent)(s)
	})
	if got := c.ConversationID(); got != "conv-1" {
		t.Fatalf("ConversationID = %q", got)
	}

	if err := c.Send(context.Background(), "second"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if n := len(h.fake.Creates()); n != 1 {
		t.Fatalf("%d creates, want 1", n)
	}
	sends := h.fake.Sends()
	if len(sends) != 1 || sends[0].ConversationID != "conv-1" {
		t.Fatalf("sends = %+v", sends)
	}
	eventually(t, "cache moved to server id", func() bool {
		msgs, _ := h.db.ListMessages("conv-1")
		return len(msgs) == 2
	})
}

func TestOfflineDraftCreatesConversationOnceOnDrain(t *testing.T) {
	h := newHarness(t, false)
	c := h.open(t, Ref{Participants: []string{"bob"}})
	h.startDrainer(t)

	for _, text := range []string{"one", "two"} {
		if err := c.Send(context.Background(), text); err != nil {
			t.Fatalf("Send %s: %v", text, err)
		}
	}
	entries, err := h.queue.DrainAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || !entries[0].NeedsConversation() {
		t.Fatalf("queued entries = %+v", entries)
	}

	h.obs.Set(true)
	eventually(t, "outbox drained", func() bool { return queueLen(t, h.queue) == 0 })
	if n := len(h.fake.Creates()); n != 1 {
		t.Fatalf("%d creates, want 1", n)
	}
	sends := h.fake.Sends()
	if len(sends) != 1 || sends[0].ConversationID != "conv-1" {
		t.Fatalf("sends = %+v", sends)
	}
	waitSnapshot(t, c, "adopted conversation", func(s timeline.Snapshot) bool {
		if s.Draft || s.ConversationID != "conv-1" || s.Len() != 2 {
			return false
		}
		for _, e := range s.Entries {
			if e.Message.Status != chat.StatusSent {
				return false
			}
		}
		return true
	})
}

func TestOutboxExhaustionSurfacesFailure(t *testing.T) {
	h := newHarness(t, false)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	h.fake.SendErr = func(remotetest.SendCall) error { return remote.Errorf(remote.CodePermissionDenied, "removed from group") }
	c := h.open(t, Ref{ConversationID: "c1"})
	h.startDrainer(t)

	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	id := c.Snapshot().Entries[0].Message.ID
	h.obs.Set(true)

	select {
	case se := <-c.Failures():
		if se.MessageID != id {
			t.Fatalf("failure for %q, want %q", se.MessageID, id)
		}
		if !errors.Is(se, ErrOutboxExhausted) || !remote.IsCode(se, remote.CodePermissionDenied) {
			t.Fatalf("failure error = %v", se)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for failure")
	}
	waitSnapshot(t, c, "failed message", only(chat.StatusFailed))
	if n := queueLen(t, h.queue); n != 0 {
		t.Fatalf("outbox has %d entries", n)
	}
}

func TestExhaustionWithoutOpenViewPersistsFailure(t *testing.T) {
	h := newHarness(t, false)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	c := h.open(t, Ref{ConversationID: "c1"})
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	id := c.Snapshot().Entries[0].Message.ID
	c.Stop()

	h.fake.SendErr = func(remotetest.SendCall) error { return remote.Errorf(remote.CodePermissionDenied, "removed from group") }
	h.startDrainer(t)
	h.obs.Set(true)
	eventually(t, "outbox emptied", func() bool { return queueLen(t, h.queue) == 0 })

	reopened := h.open(t, Ref{ConversationID: "c1"})
	waitSnapshot(t, reopened, "failed message after reopen", only(chat.StatusFailed))

	var se *SendError
	if err := reopened.Retry(context.Background(), id); !errors.As(err, &se) {
		t.Fatalf("Retry: err = %v, want *SendError", err)
	}
	waitSnapshot(t, reopened, "failed again after retry", only(chat.StatusFailed))
	if err := reopened.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitSnapshot(t, reopened, "empty timeline", func(s timeline.Snapshot) bool { return s.Len() == 0 })
}

func TestUnqueuedSendingRowFromPreviousRunIsDemoted(t *testing.T) {
	h := newHarness(t, true)
	late := chat.Message{ID: "delivered-late", ConversationID: "c1", SenderID: "me", Text: "delivered-late", CreatedAt: base.Add(2 * time.Second), Status: chat.StatusSending}
	confirmed := late
	confirmed.Status = chat.StatusSent
	h.fake.AddConversation(conversation("c1", "me", "bob"), confirmed)
	lost := chat.Message{ID: "lost", ConversationID: "c1", SenderID: "me", Text: "lost", CreatedAt: base, Status: chat.StatusSending}
	queued := chat.Message{ID: "queued", ConversationID: "c1", SenderID: "me", Text: "queued", CreatedAt: base.Add(time.Second), Status: chat.StatusSending}
	if err := h.db.UpsertMessages([]chat.Message{lost, late, queued}); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Enqueue(chat.OutboxEntry{MessageID: "queued", ConversationID: "c1", SenderID: "me", Text: "queued", CreatedAt: queued.CreatedAt}); err != nil {
		t.Fatal(err)
	}

	c := h.open(t, Ref{ConversationID: "c1"})
	s := waitSnapshot(t, c, "remote snapshot applied", func(s timeline.Snapshot) bool {
		i := timeline.Find(s.Messages(), "delivered-late")
		return i >= 0 && s.Entries[i].Message.Status == chat.StatusSent
	})
	want := map[string]chat.Status{"lost": chat.StatusFailed, "queued": chat.StatusSending, "delivered-late": chat.StatusSent}
	for _, e := range s.Entries {
		if w, ok := want[e.Message.ID]; ok && e.Message.Status != w {
			t.Errorf("%s status = %s, want %s", e.Message.ID, e.Message.Status, w)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("entries = %d, want 3", s.Len())
	}
}

func TestReadReceiptsAreBatched(t *testing.T) {
	h := newHarness(t, true)
	var msgs []chat.Message
	for i := range 10 {
		msgs = append(msgs, fromBob(fmt.Sprintf("b%d", i), i))
	}
	mine := chat.Message{ID: "mine", ConversationID: "c1", SenderID: "me", Text: "x", CreatedAt: base.Add(time.Minute), Status: chat.StatusSent}
	h.fake.AddConversation(conversation("c1", "me", "bob"), append(msgs, mine)...)
	c := h.open(t, Ref{ConversationID: "c1"})
	waitSnapshot(t, c, "remote messages", func(s timeline.Snapshot) bool { return s.Len() == 11 })

	for _, m := range msgs {
		if !c.MarkVisible(m.ID) {
			t.Fatalf("MarkVisible(%s) = false", m.ID)
		}
	}
	if c.MarkVisible("b0") {
		t.Fatal("duplicate MarkVisible should not queue")
	}
	if c.MarkVisible("mine") {
		t.Fatal("own message should not queue")
	}
	if c.MarkVisible("unknown") {
		t.Fatal("unknown message should not queue")
	}

	h.clock.Advance(300 * time.Millisecond)
	eventually(t, "batched mark read", func() bool { return len(h.fake.MarkReads()) == 1 })
	call := h.fake.MarkReads()[0]
	if len(call.IDs) != 10 || call.ReaderID != "me" || call.ConversationID != "c1" {
		t.Fatalf("mark read call = %+v", call)
	}
}

func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"), fromBob("b1", 0))
	c := h.open(t, Ref{ConversationID: "c1"})

	eventually(t, "subscriptions", func() bool {
		return h.fake.Subscribers("c1") == 1 && h.fake.PresenceSubscribers("bob") == 1
	})
	waitSnapshot(t, c, "remote message", func(s timeline.Snapshot) bool { return s.Len() == 1 })
	if !c.MarkVisible("b1") {
		t.Fatal("MarkVisible = false")
	}

	c.Stop()
	c.Stop()

	eventually(t, "subscriptions cancelled", func() bool {
		return h.fake.Subscribers("c1") == 0 && h.fake.PresenceSubscribers("bob") == 0
	})
	h.clock.Advance(time.Second)
	if n := len(h.fake.MarkReads()); n != 0 {
		t.Fatalf("pending receipts flushed after stop: %d calls", n)
	}
	for range c.Updates() {
	}
	if err := c.Start(Ref{ConversationID: "c1"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop: err = %v", err)
	}
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send after Stop: err = %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	c := h.open(t, Ref{ConversationID: "c1"})
	if err := c.Start(Ref{ConversationID: "c1"}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	eventually(t, "feed", func() bool { return h.fake.Subscribers("c1") == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := h.fake.Subscribers("c1"); n != 1 {
		t.Fatalf("%d feeds, want 1", n)
	}
}

// gatedRemote holds Subscribe until gate is closed.
type gatedRemote struct {
	*remotetest.Fake
	gate chan struct{}
}

func (g *gatedRemote) Subscribe(ctx context.Context, conversationID string) (<-chan []chat.Message, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Fake.Subscribe(ctx, conversationID)
}

func TestCachedTimelineRendersBeforeFeed(t *testing.T) {
	h := newHarness(t, true)
	cached := []chat.Message{fromBob("b1", 0), fromBob("b2", 1)}
	if err := h.db.UpsertMessages(cached); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertConversation(conversation("c1", "me", "bob")); err != nil {
		t.Fatal(err)
	}
	h.fake.AddConversation(conversation("c1", "me", "bob"), append(cached, fromBob("b3", 2))...)

	deps := h.deps()
	gated := &gatedRemote{Fake: h.fake, gate: make(chan struct{})}
	deps.Remote = gated
	c := New(deps)
	t.Cleanup(c.Stop)
	if err := c.Start(Ref{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	waitSnapshot(t, c, "cached messages", func(s timeline.Snapshot) bool { return s.Len() == 2 })
	eventually(t, "participants from cache tracked", func() bool { return h.fake.PresenceSubscribers("bob") == 1 })

	close(gated.gate)
	waitSnapshot(t, c, "remote messages", func(s timeline.Snapshot) bool { return s.Len() == 3 })
	eventually(t, "checkpoint recorded", func() bool {
		rev, _ := h.db.GetCheckpoint("c1")
		return rev > 0
	})
}

func TestParticipantsFetchedFromRemote(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob", "cy"))
	h.open(t, Ref{ConversationID: "c1"})

	eventually(t, "group participants tracked", func() bool {
		return h.fake.PresenceSubscribers("bob") == 1 && h.fake.PresenceSubscribers("cy") == 1
	})
	if n := h.fake.PresenceSubscribers("me"); n != 0 {
		t.Fatalf("tracking self: %d subscriptions", n)
	}
	eventually(t, "conversation cached", func() bool {
		conv, _ := h.db.GetConversation("c1")
		return conv != nil && len(conv.ParticipantIDs) == 3
	})
}

func TestPresenceAndTypingReachSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	c := h.open(t, Ref{ConversationID: "c1"})
	eventually(t, "presence subscription", func() bool { return h.fake.PresenceSubscribers("bob") == 1 })

	h.fake.SetPresence(chat.Presence{UserID: "bob", Online: true, LastSeenAt: base})
	waitSnapshot(t, c, "bob online", func(s timeline.Snapshot) bool { return s.Presence["bob"].Online })

	eventually(t, "typing", func() bool {
		h.fake.SetTypingUsers("c1", "bob", "me")
		return slices.Equal(c.Snapshot().Typing, []string{"bob"})
	})
}

// stalledPresence never answers presence subscriptions until released.
type stalledPresence struct {
	*remotetest.Fake
	release chan struct{}
	entered chan struct{}
}

func (p *stalledPresence) SubscribePresence(ctx context.Context, userID string) (<-chan chat.Presence, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return p.Fake.SubscribePresence(ctx, userID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSlowPresenceDoesNotDelaySend(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob", "carol"))
	slow := &stalledPresence{Fake: h.fake, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	t.Cleanup(func() { close(slow.release) })

	deps := h.deps()
	deps.Remote = slow
	c := New(deps)
	if err := c.Start(Ref{ConversationID: "c1", Participants: []string{"me", "bob", "carol"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	select {
	case <-slow.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("presence subscription never started")
	}

	sent := make(chan error, 1)
	go func() { sent <- c.Send(context.Background(), "hi") }()
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked behind a presence subscription")
	}
	waitSnapshot(t, c, "sent message", func(s timeline.Snapshot) bool {
		return s.Len() == 1 && s.Entries[0].Message.Text == "hi"
	})
}

func TestSetInputAdvertisesTyping(t *testing.T) {
	h := newHarness(t, true)
	c := h.open(t, Ref{ConversationID: "c1"})

	c.SetInput("h")
	c.SetInput("he")
	c.SetInput("")
	want := []remotetest.TypingCall{
		{ConversationID: "c1", UserID: "me", Typing: true},
		{ConversationID: "c1", UserID: "me", Typing: false},
	}
	eventually(t, "typing calls", func() bool { return slices.Equal(h.fake.TypingCalls(), want) })
}

func TestConnectivityReachesSnapshot(t *testing.T) {
	h := newHarness(t, false)
	c := h.open(t, Ref{ConversationID: "c1"})
	if c.Snapshot().Online {
		t.Fatal("snapshot should start offline")
	}
	h.obs.Set(true)
	waitSnapshot(t, c, "online", func(s timeline.Snapshot) bool { return s.Online })
}

var errBroken = errors.New("disk I/O error")

type brokenCache struct{}

func (brokenCache) UpsertMessage(chat.Message) error { return errBroken }
func (brokenCache) UpsertMessages([]chat.Message) error { return errBroken }
func (brokenCache) ListMessages(string) ([]chat.Message, error) { return nil, errBroken }
func (brokenCache) DeleteMessage(string, string) error { return errBroken }
func (brokenCache) ReassignConversation(string, string) error { return errBroken }
func (brokenCache) UpsertConversation(chat.Conversation) error { return errBroken }
func (brokenCache) GetConversation(string) (*chat.Conversation, error) { return nil, errBroken }
func (brokenCache) SetCheckpoint(string, uint64) error { return errBroken }
func (brokenCache) GetCheckpoint(string) (uint64, error) { return 0, errBroken }

func TestCacheFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	deps := h.deps()
	deps.Cache = brokenCache{}
	c := New(deps)
	t.Cleanup(c.Stop)
	if err := c.Start(Ref{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitSnapshot(t, c, "confirmed message", only(chat.StatusSent))
}

func TestDraftRequiresParticipants(t *testing.T) {
	h := newHarness(t, true)
	c := New(h.deps())
	defer c.Stop()
	if err := c.Start(Ref{}); !remote.IsCode(err, remote.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"unavailable", remote.Errorf(remote.CodeUnavailable, "down"), Connectivity},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), Connectivity},
		{"permission", remote.Errorf(remote.CodePermissionDenied, "no"), Rejected},
		{"invalid", remote.Errorf(remote.CodeInvalidArgument, "empty"), Rejected},
		{"unknown", errors.New("boom"), Rejected},
		{"signed out", ErrUnauthenticated, Unauthenticated},
		{"remote unauthenticated", remote.Errorf(remote.CodeUnauthenticated, "token expired"), Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
