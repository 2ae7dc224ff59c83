// Package registry implements the process-wide proxy registry: a
// single-mutex map from (name, publish_port) to the owning session's
// stream-open mailbox, never held across network I/O.
package registry

import (
	"sync"

	"github.com/varphone/tls-tunnel/internal/mux"
	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/stats"
)

// Key is the registry's key type, (proxy_name, publish_port).
type Key struct {
	Name        string
	PublishPort uint16
}

// OpenRequest is what the public listener/dispatcher and the visitor
// redirector both send on a registration's mailbox to ask the owning
// session to open an outbound substream. PublishPort is the only routing
// data it carries; from the registry's perspective it is opaque and only
// forwarded to the owning session.
type OpenRequest struct {
	// PublishPort is written as the 2-byte substream header so the client
	// knows which descriptor to dial.
	PublishPort uint16
	// Result receives the opened substream, or an error if the session
	// could not open one (e.g. its multiplexer is gone).
	Result chan OpenResult
}

// OpenResult is the reply to an OpenRequest.
type OpenResult struct {
	Substream mux.Substream
	Err       error
}

// Registration is the registry value: the owning session's mailbox, the
// accepted ProxyDescriptor, and a shared stats tracker.
type Registration struct {
	Mailbox chan OpenRequest
	Proxy   protocol.ProxyDescriptor
	Stats   *stats.ProxyStats
	// Owner identifies the session that installed this registration, used
	// by Unregister's "first-wins, only the owner may remove" rule.
	Owner interface{}
}

// Handle is the read-only view of a Registration returned by Lookup,
// copied out from under the registry's lock.
type Handle struct {
	Mailbox chan OpenRequest
	Proxy   protocol.ProxyDescriptor
	Stats   *stats.ProxyStats
}

// ErrAlreadyRegistered is returned by TryRegister when the key is held by
// another session.
type ErrAlreadyRegistered struct {
	Key Key
}

func (e *ErrAlreadyRegistered) Error() string {
	return "registry: key already registered: " + e.Key.Name
}

// Registry is the process-wide mapping from key to registration. The zero
// value is not usable; construct with New. A Registry is typically
// constructed once by the top-level acceptor and passed explicitly into
// each session rather than reached for as a package-level singleton.
type Registry struct {
	mu   sync.Mutex
	regs map[Key]*Registration
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{regs: make(map[Key]*Registration)}
}

// TryRegister atomically installs reg under key if no registration is
// currently held for it. It is the sole mutator that creates entries, so
// the "at most one registration per key" invariant holds without any
// caller-side locking.
func (r *Registry) TryRegister(key Key, reg *Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[key]; exists {
		return &ErrAlreadyRegistered{Key: key}
	}
	r.regs[key] = reg
	return nil
}

// Lookup returns a Handle copied from the current registration for key, or
// ok=false if none exists. The lock is released before the caller uses the
// handle, so lookups never block on I/O performed by the registration's
// owner.
func (r *Registry) Lookup(key Key) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[key]
	if !ok {
		return Handle{}, false
	}
	return Handle{Mailbox: reg.Mailbox, Proxy: reg.Proxy, Stats: reg.Stats}, true
}

// Unregister removes the registration for key, but only if it is still
// owned by expectedOwner. This is idempotent and handles the race where a
// reconnecting client has already re-registered the same key before the
// previous owner's teardown gets here: in that case this call is a no-op,
// and the new owner's registration survives.
func (r *Registry) Unregister(key Key, expectedOwner interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[key]
	if !ok {
		return
	}
	if reg.Owner != expectedOwner {
		return
	}
	delete(r.regs, key)
}

// Snapshot returns every currently registered key, used by tests; it does
// not return the registrations themselves to avoid
// leaking mutable state outside the lock.
func (r *Registry) Snapshot() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.regs))
	for k := range r.regs {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of live registrations, mostly for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}
