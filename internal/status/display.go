package status

import "github.com/matheus3301/convsync/internal/chat"

// DisplayStatus is what the UI renders for a message.
type DisplayStatus struct {
	Status    chat.Status
	ReadCount int
}

// ReadCount counts participants in ReadBy other than the sender. Duplicate
// ids are counted once.
func ReadCount(m chat.Message) int {
	seen := make(map[string]struct{}, len(m.ReadBy))
	for _, id := range m.ReadBy {
		if id == "" || id == m.SenderID {
			continue
		}
		seen[id] = struct{}{}
	}
	return len(seen)
}

// Display computes the rendered status. A message counts as read once any
// participant other than the sender appears in ReadBy; group chats do not
// wait for every member. Local states are never promoted.
func Display(m chat.Message) DisplayStatus {
	d := DisplayStatus{Status: m.Status, ReadCount: ReadCount(m)}
	if m.Status.Unconfirmed() {
		return d
	}
	if d.ReadCount > 0 {
		d.Status = chat.StatusRead
	}
	return d
}
