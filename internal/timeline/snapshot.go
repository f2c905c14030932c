package timeline

import (
	"maps"
	"slices"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/status"
)

// Entry is one rendered message with its computed display status.
type Entry struct {
	Message chat.Message
	Display status.DisplayStatus
}

// Snapshot is the complete render state of a conversation view at one tick.
// Snapshots are never mutated after Build returns.
type Snapshot struct {
	ConversationID string
	Draft          bool
	Entries        []Entry
	Typing         []string
	Presence       map[string]chat.Presence
	Online         bool
	Revision       uint64
}

// State is the engine-side input to Build.
type State struct {
	ConversationID string
	Draft          bool
	Messages       []chat.Message
	Typing         []string
	Presence       map[string]chat.Presence
	Online         bool
	Revision       uint64
}

// Build copies s into a Snapshot that shares no memory with the engine.
func Build(s State) Snapshot {
	entries := make([]Entry, len(s.Messages))
	for i, m := range s.Messages {
		entries[i] = Entry{Message: m.Clone(), Display: status.Display(m)}
	}
	presence := maps.Clone(s.Presence)
	if presence == nil {
		presence = map[string]chat.Presence{}
	}
	return Snapshot{
		ConversationID: s.ConversationID,
		Draft:          s.Draft,
		Entries:        entries,
		Typing:         slices.Clone(s.Typing),
		Presence:       presence,
		Online:         s.Online,
		Revision:       s.Revision,
	}
}

// Messages returns the messages of the snapshot in render order.
func (s Snapshot) Messages() []chat.Message {
	out := make([]chat.Message, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Message.Clone()
	}
	return out
}

// Len returns the number of rendered messages.
func (s Snapshot) Len() int { return len(s.Entries) }
