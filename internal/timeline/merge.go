// Package timeline reconciles the authoritative remote message list with
// messages that only exist locally, and builds the immutable snapshots the UI
// renders.
package timeline

import (
	"cmp"
	"slices"

	"github.com/matheus3301/convsync/internal/chat"
)

// Merge returns the next rendered timeline for a new remote snapshot.
//
// Remote messages are authoritative. A current entry survives only while its
// id is absent from remote and it is still sending or failed, so a snapshot
// that races an in-flight send does not erase it. Once remote carries the id
// the local copy is gone for good.
func Merge(current, remote []chat.Message) []chat.Message {
	inRemote := make(map[string]struct{}, len(remote))
	for _, m := range remote {
		inRemote[m.ID] = struct{}{}
	}

	merged := make([]chat.Message, 0, len(remote)+len(current))
	for _, m := range remote {
		merged = append(merged, m.Clone())
	}
	for _, m := range current {
		if _, ok := inRemote[m.ID]; ok {
			continue
		}
		if !m.Status.Unconfirmed() {
			continue
		}
		merged = append(merged, m.Clone())
	}

	slices.SortStableFunc(merged, compareMessages)
	return dedupe(merged)
}

// compareMessages orders by CreatedAt, then ID so equal timestamps sort the
// same way on every merge.
func compareMessages(a, b chat.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// dedupe keeps the first entry per id. Remote entries precede local ones
// with the same sort key, so the remote version wins.
func dedupe(sorted []chat.Message) []chat.Message {
	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, m := range sorted {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Find returns the index of the message with id, or -1.
func Find(list []chat.Message, id string) int {
	return slices.IndexFunc(list, func(m chat.Message) bool { return m.ID == id })
}

// Upsert replaces the message with the same id or inserts it in order.
func Upsert(list []chat.Message, msg chat.Message) []chat.Message {
	if i := Find(list, msg.ID); i >= 0 {
		out := slices.Clone(list)
		out[i] = msg.Clone()
		return out
	}
	out := append(slices.Clone(list), msg.Clone())
	slices.SortStableFunc(out, compareMessages)
	return out
}

// Remove drops the message with id.
func Remove(list []chat.Message, id string) []chat.Message {
	return slices.DeleteFunc(slices.Clone(list), func(m chat.Message) bool { return m.ID == id })
}
