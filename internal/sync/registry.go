package sync

import (
	"maps"
	"slices"
	"sync"
)

// Registry keeps one Core per open conversation for long-lived hosts such as
// the daemon. Every Core shares the same Deps.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	cores  map[string]*Core
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, cores: make(map[string]*Core)}
}

// Open returns the running Core for ref, starting one when needed. Every
// draft gets its own Core. The returned key identifies the view in Get and
// Close.
func (r *Registry) Open(ref Ref) (*Core, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, "", ErrStopped
	}
	if !ref.Draft() {
		if c := r.lookupLocked(ref.ConversationID); c != nil {
			return c, ref.ConversationID, nil
		}
	}

	c := New(r.deps)
	if err := c.Start(ref); err != nil {
		c.Stop()
		return nil, "", err
	}
	key := c.ConversationID()
	r.cores[key] = c
	return c, key, nil
}

// Get returns the Core opened under key. A draft's Core is also found by the
// id the server assigned to it.
func (r *Registry) Get(key string) (*Core, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookupLocked(key)
	return c, c != nil
}

func (r *Registry) lookupLocked(key string) *Core {
	if c, ok := r.cores[key]; ok {
		return c
	}
	for _, c := range r.cores {
		if c.ConversationID() == key {
			return c
		}
	}
	return nil
}

// Close stops and forgets the Core for key. Closing an unknown key is a no-op.
func (r *Registry) Close(key string) bool {
	r.mu.Lock()
	var found string
	for k, c := range r.cores {
		if k == key || c.ConversationID() == key {
			found = k
			break
		}
	}
	c, ok := r.cores[found]
	delete(r.cores, found)
	r.mu.Unlock()
	if ok {
		c.Stop()
	}
	return ok
}

// Keys returns the keys of the open views in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := slices.Collect(maps.Keys(r.cores))
	slices.Sort(keys)
	return keys
}

// CloseAll stops every Core. Open fails afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	cores := r.cores
	r.cores = make(map[string]*Core)
	r.mu.Unlock()
	for _, c := range cores {
		c.Stop()
	}
}
