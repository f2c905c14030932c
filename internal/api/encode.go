package api

import (
	"slices"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/timeline"
)

// Entry is one rendered message of a Timeline.
type Entry struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	CreatedAt      time.Time
	Status         chat.Status
	Display        chat.Status
	ReadCount      int
	ReadBy         []string
}

// Timeline is the client view of a timeline.Snapshot.
type Timeline struct {
	Key            string
	ConversationID string
	Draft          bool
	Online         bool
	Revision       uint64
	Entries        []Entry
	Typing         []string
	Presence       []chat.Presence
}

// Failure reports a queued message that ran out of delivery attempts.
type Failure struct {
	MessageID      string
	ConversationID string
	Error          string
}

// Update is one item of a WatchTimeline stream. Exactly one field is set.
type Update struct {
	Timeline *Timeline
	Failure  *Failure
}

// View identifies an open conversation view.
type View struct {
	Key            string
	ConversationID string
	Draft          bool
}

// DaemonStatus is the response of Status.
type DaemonStatus struct {
	Profile   string
	Backend   string
	UserID    string
	Online    bool
	OutboxLen int
	Views     []View
}

// OutboxReport is the response of Outbox.
type OutboxReport struct {
	MaxRetries int
	Entries    []chat.OutboxEntry
}

func str(s string) *structpb.Value  { return structpb.NewStringValue(s) }
func num(n float64) *structpb.Value { return structpb.NewNumberValue(n) }
func flag(b bool) *structpb.Value   { return structpb.NewBoolValue(b) }

func stamp(t time.Time) *structpb.Value {
	if t.IsZero() {
		return str("")
	}
	return str(t.UTC().Format(time.RFC3339Nano))
}

func strs(list []string) *structpb.Value {
	vals := make([]*structpb.Value, len(list))
	for i, s := range list {
		vals[i] = str(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func list(items []*structpb.Struct) *structpb.Value {
	vals := make([]*structpb.Value, len(items))
	for i, s := range items {
		vals[i] = structpb.NewStructValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func object(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getNumber(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func getTime(s *structpb.Struct, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, getString(s, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func getStrings(s *structpb.Struct, key string) []string {
	vals := s.GetFields()[key].GetListValue().GetValues()
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.GetStringValue()
	}
	return out
}

func getList(s *structpb.Struct, key string) []*structpb.Struct {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(vals))
	for _, v := range vals {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}

// encodeSnapshot renders snap for the view opened under key.
func encodeSnapshot(key string, snap timeline.Snapshot) *structpb.Struct {
	entries := make([]*structpb.Struct, len(snap.Entries))
	for i, e := range snap.Entries {
		m := e.Message
		entries[i] = object(map[string]*structpb.Value{
			"id":              str(m.ID),
			"conversation_id": str(m.ConversationID),
			"sender_id":       str(m.SenderID),
			"text":            str(m.Text),
			"created_at":      stamp(m.CreatedAt),
			"status":          str(string(m.Status)),
			"display":         str(string(e.Display.Status)),
			"read_count":      num(float64(e.Display.ReadCount)),
			"read_by":         strs(m.ReadBy),
		})
	}

	ids := make([]string, 0, len(snap.Presence))
	for id := range snap.Presence {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	presence := make([]*structpb.Struct, len(ids))
	for i, id := range ids {
		p := snap.Presence[id]
		presence[i] = object(map[string]*structpb.Value{
			"user_id":      str(id),
			"online":       flag(p.Online),
			"last_seen_at": stamp(p.LastSeenAt),
		})
	}

	return object(map[string]*structpb.Value{
		"type":            str("timeline"),
		"key":             str(key),
		"conversation_id": str(snap.ConversationID),
		"draft":           flag(snap.Draft),
		"online":          flag(snap.Online),
		"revision":        num(float64(snap.Revision)),
		"entries":         list(entries),
		"typing":          strs(snap.Typing),
		"presence":        list(presence),
	})
}

// DecodeTimeline parses the payload of Timeline and WatchTimeline.
func DecodeTimeline(s *structpb.Struct) *Timeline {
	tl := &Timeline{
		Key:            getString(s, "key"),
		ConversationID: getString(s, "conversation_id"),
		Draft:          getBool(s, "draft"),
		Online:         getBool(s, "online"),
		Revision:       uint64(getNumber(s, "revision")),
		Typing:         getStrings(s, "typing"),
	}
	for _, e := range getList(s, "entries") {
		tl.Entries = append(tl.Entries, Entry{
			ID:             getString(e, "id"),
			ConversationID: getString(e, "conversation_id"),
			SenderID:       getString(e, "sender_id"),
			Text:           getString(e, "text"),
			CreatedAt:      getTime(e, "created_at"),
			Status:         chat.Status(getString(e, "status")),
			Display:        chat.Status(getString(e, "display")),
			ReadCount:      int(getNumber(e, "read_count")),
			ReadBy:         getStrings(e, "read_by"),
		})
	}
	for _, p := range getList(s, "presence") {
		tl.Presence = append(tl.Presence, chat.Presence{
			UserID:     getString(p, "user_id"),
			Online:     getBool(p, "online"),
			LastSeenAt: getTime(p, "last_seen_at"),
		})
	}
	return tl
}

func encodeFailure(f Failure) *structpb.Struct {
	return object(map[string]*structpb.Value{
		"type":            str("failure"),
		"message_id":      str(f.MessageID),
		"conversation_id": str(f.ConversationID),
		"error":           str(f.Error),
	})
}

// DecodeUpdate parses one WatchTimeline item.
func DecodeUpdate(s *structpb.Struct) Update {
	if getString(s, "type") == "failure" {
		return Update{Failure: &Failure{
			MessageID:      getString(s, "message_id"),
			ConversationID: getString(s, "conversation_id"),
			Error:          getString(s, "error"),
		}}
	}
	return Update{Timeline: DecodeTimeline(s)}
}

func encodeOutboxEntry(e chat.OutboxEntry) *structpb.Struct {
	return object(map[string]*structpb.Value{
		"message_id":      str(e.MessageID),
		"conversation_id": str(e.ConversationID),
		"sender_id":       str(e.SenderID),
		"text":            str(e.Text),
		"created_at":      stamp(e.CreatedAt),
		"retry_count":     num(float64(e.RetryCount)),
		"participants":    strs(e.Participants),
	})
}

func decodeOutboxEntry(s *structpb.Struct) chat.OutboxEntry {
	return chat.OutboxEntry{
		MessageID:      getString(s, "message_id"),
		ConversationID: getString(s, "conversation_id"),
		SenderID:       getString(s, "sender_id"),
		Text:           getString(s, "text"),
		CreatedAt:      getTime(s, "created_at"),
		RetryCount:     int(getNumber(s, "retry_count")),
		Participants:   getStrings(s, "participants"),
	}
}

func encodeView(v View) *structpb.Struct {
	return object(map[string]*structpb.Value{
		"key":             str(v.Key),
		"conversation_id": str(v.ConversationID),
		"draft":           flag(v.Draft),
	})
}

func decodeView(s *structpb.Struct) View {
	return View{
		Key:            getString(s, "key"),
		ConversationID: getString(s, "conversation_id"),
		Draft:          getBool(s, "draft"),
	}
}
