// Package connectivity exposes a single "is the remote reachable" signal.
package connectivity

import (
	"sync"

	"github.com/matheus3301/convsync/internal/bus"
)

// Signal is the read side of the observer that engine components depend on.
type Signal interface {
	Online() bool
	Subscribe(bufSize int) (<-chan bool, func())
}

// Observer tracks reachability and notifies subscribers on every change.
// Setting the current value again is not a change.
type Observer struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	next   int
	bus    *bus.Bus
}

// NewObserver creates an observer starting in the given state. b may be nil.
func NewObserver(initial bool, b *bus.Bus) *Observer {
	return &Observer{
		online: initial,
		subs:   make(map[int]chan bool),
		bus:    b,
	}
}

// Online returns the current reachability.
func (o *Observer) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Set updates reachability. It reports whether the value changed.
func (o *Observer) Set(online bool) bool {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return false
	}
	o.online = online
	for _, ch := range o.subs {
		select {
		case ch <- online:
		default:
			// Full: drop the oldest value so the newest is never lost.
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
	o.mu.Unlock()

	o.bus.Publish(bus.Event{Kind: bus.KindConnectivityChanged, Payload: online})
	return true
}

// Subscribe returns a channel receiving each new value after the call.
// The cancel function closes the channel and is safe to call more than once.
func (o *Observer) Subscribe(bufSize int) (<-chan bool, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan bool, bufSize)
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}
