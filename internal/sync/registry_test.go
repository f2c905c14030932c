package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/timeline"
)

func TestRegistryReusesOpenConversation(t *testing.T) {
	h := newHarness(t, true)
	h.fake.AddConversation(conversation("c1", "me", "bob"))
	r := NewRegistry(h.deps())
	t.Cleanup(r.CloseAll)

	a, keyA, err := r.Open(Ref{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	b, keyB, err := r.Open(Ref{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b || keyA != "c1" || keyB != "c1" {
		t.Fatalf("Open returned different views: %p %q, %p %q", a, keyA, b, keyB)
	}
	eventually(t, "one feed", func() bool { return h.fake.Subscribers("c1") == 1 })

	if !r.Close("c1") {
		t.Fatal("Close = false")
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatal("closed view still registered")
	}
	eventually(t, "feed cancelled", func() bool { return h.fake.Subscribers("c1") == 0 })
	if r.Close("c1") {
		t.Fatal("closing twice should report false")
	}
}

func TestRegistryFindsDraftByServerID(t *testing.T) {
	h := newHarness(t, true)
	r := NewRegistry(h.deps())
	t.Cleanup(r.CloseAll)

	c, key, err := r.Open(Ref{Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	other, otherKey, err := r.Open(Ref{Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if c == other || key == otherKey {
		t.Fatal("each draft should get its own view")
	}

	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, c, "created conversation", func(s timeline.Snapshot) bool {
		return s.ConversationID == "conv-1" && only(chat.StatusSent)(s)
	})
	got, ok := r.Get("conv-1")
	if !ok || got != c {
		t.Fatal("draft view not found by server id")
	}
	if got, ok := r.Get(key); !ok || got != c {
		t.Fatal("draft view not found by its key")
	}
	if keys := r.Keys(); len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	h := newHarness(t, true)
	r := NewRegistry(h.deps())
	c, _, err := r.Open(Ref{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	r.CloseAll()
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send on closed view: err = %v", err)
	}
	if _, _, err := r.Open(Ref{ConversationID: "c2"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Open after CloseAll: err = %v", err)
	}
}

func TestRegistryRejectsInvalidRef(t *testing.T) {
	h := newHarness(t, true)
	r := NewRegistry(h.deps())
	t.Cleanup(r.CloseAll)
	if _, _, err := r.Open(Ref{}); err == nil {
		t.Fatal("draft without participants should fail")
	}
	if keys := r.Keys(); len(keys) != 0 {
		t.Fatalf("keys = %v", keys)
	}
}
