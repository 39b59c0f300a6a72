// Package presence tracks which handles currently hold at least one live
// realtime connection. The registry is the only process-wide mutable state in
// the chat core, so all of it lives behind one mutex.
package presence

import (
	"sort"
	"sync"
)

// Event is a single online/offline transition for one handle.
type Event struct {
	Handle string `json:"handle"`
	Online bool   `json:"online"`
}

// Registry is a reference-counted set of connections keyed by handle. A
// handle is online iff it has at least one registered connection, so a second
// tab connecting or disconnecting never flaps the observable state.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // handle -> set of connection ids
	onTx  func(Event)
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]struct{}),
	}
}

// OnTransition installs the transition listener. The listener is invoked
// under the registry lock, which is what guarantees that online/offline
// events for one handle are observed strictly alternating and exactly once.
// It must be set before any connection registers and must not call back into
// the registry.
func (r *Registry) OnTransition(fn func(Event)) {
	r.mu.Lock()
	r.onTx = fn
	r.mu.Unlock()
}

// Register adds a connection for handle and reports whether the handle just
// came online (first connection).
func (r *Registry) Register(handle, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[handle]
	if !ok {
		set = make(map[string]struct{})
		r.conns[handle] = set
	}
	set[connID] = struct{}{}

	if len(set) == 1 {
		if r.onTx != nil {
			r.onTx(Event{Handle: handle, Online: true})
		}
		return true
	}
	return false
}

// Unregister removes a connection for handle and reports whether the handle
// just went offline (last connection removed). Unknown handles or connection
// ids are a no-op: an ungraceful disconnect may race a graceful one for the
// same connection.
func (r *Registry) Unregister(handle, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[handle]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)

	if len(set) == 0 {
		delete(r.conns, handle)
		if r.onTx != nil {
			r.onTx(Event{Handle: handle, Online: false})
		}
		return true
	}
	return false
}

// Online reports whether handle currently has any live connection.
func (r *Registry) Online(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[handle]) > 0
}

// Snapshot returns the sorted set of currently online handles. It is used to
// seed a newly connecting client before deltas start flowing.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]string, 0, len(r.conns))
	for h := range r.conns {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}
