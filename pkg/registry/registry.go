// Package registry implements the process-wide HandlerRegistry: the set
// of live link.Handlers, a condition variable signalled whenever one
// dies, and the sweep that drops dead ones.
package registry

import (
	"sync"

	"github.com/serialoverip/soip/pkg/link"
)

// Registry is a process-wide mutex-guarded list of live handlers plus a
// condition variable woken on every handler death. It has no package-level
// singleton instance; cmd/serial-over-ip constructs exactly one and shares
// it between the Acceptor and every Dialer.
type Registry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	handlers []*link.Handler
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Register adds h to the live set.
func (r *Registry) Register(h *link.Handler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// OnDeath wakes anyone blocked in WaitUntilEmpty. Pass this as
// link.Options.OnDeath so every handler notifies this registry when it
// dies.
func (r *Registry) OnDeath(*link.Handler) {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// takeDead removes every handler for which IsAlive() is false from the
// live set and returns them. Joining their worker goroutines happens
// outside the registry lock: a dying handler's death callback takes that
// same lock, so waiting under it would deadlock against a handler that is
// mid-shutdown.
func (r *Registry) takeDead() []*link.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.handlers[:0]
	var dead []*link.Handler
	for _, h := range r.handlers {
		if h.IsAlive() {
			live = append(live, h)
		} else {
			dead = append(dead, h)
		}
	}
	r.handlers = live
	return dead
}

// Sweep drops every handler whose socket has closed, joining its worker
// goroutines before releasing the last reference. The Acceptor loop calls
// this between Accept calls.
func (r *Registry) Sweep() {
	for _, h := range r.takeDead() {
		h.Wait()
	}
}

// ShutdownAll shuts down every registered handler and reaps them. The
// process signal handler uses this for a clean exit.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	handlers := append([]*link.Handler(nil), r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h.Shutdown()
	}
	r.Sweep()
}

// Len reports the current live-handler count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// WaitUntilEmpty blocks until every registered handler has died and been
// swept. A client-only process (Dialers but no Acceptor) parks its main
// goroutine here.
func (r *Registry) WaitUntilEmpty() {
	for {
		for _, h := range r.takeDead() {
			h.Wait()
		}
		r.mu.Lock()
		if len(r.handlers) == 0 {
			r.mu.Unlock()
			return
		}
		if !anyDeadLocked(r.handlers) {
			r.cond.Wait()
		}
		r.mu.Unlock()
	}
}

// anyDeadLocked reports whether any handler has already died, so
// WaitUntilEmpty re-sweeps instead of waiting on a signal that may have
// fired before it reacquired the lock.
func anyDeadLocked(handlers []*link.Handler) bool {
	for _, h := range handlers {
		if !h.IsAlive() {
			return true
		}
	}
	return false
}
