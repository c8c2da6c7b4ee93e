// Package loop implements the Event Loop component's exception-delivery
// contract (§2.2, §4.1): scoped Registration tokens and fire-exactly-once
// exception callbacks.
//
// Go's net package already runs the single-threaded reactor §4.1
// describes — a goroutine blocked in Read/Write with a deadline set via
// SetReadDeadline/SetWriteDeadline *is* a readiness registration, and the
// goroutine returning *is* the deregistration. Forwarder Connection
// (package forwarder) drives its own reads/writes/deadlines directly
// against its net.Conn via context.WithDeadline and SetReadDeadline, so
// this package does not re-implement the Read/Write halves of §4.1's
// three-map contract: the only registration any caller actually uses is
// Except, for routing an explicit Shutdown to exactly one callback (peer
// closes and I/O failures are handled by the connection's own goroutine).
// That is what this package provides.
package loop

import (
	"sync"
	"sync/atomic"
)

// Handle identifies one logical file descriptor for registration
// purposes. Handles are opaque and comparable; obtain one with
// [NewHandle].
type Handle uint64

var handleCounter atomic.Uint64

// NewHandle returns a fresh, unique Handle.
func NewHandle() Handle {
	return Handle(handleCounter.Add(1))
}

type entry struct {
	cb   func()
	once sync.Once
}

// Loop routes Except registrations: a map from Handle to the callback
// that fires the first time [Loop.Except] is called for it. It is safe
// for concurrent use.
type Loop struct {
	mu      sync.Mutex
	entries map[Handle]*entry
}

// New returns an empty Loop.
func New() *Loop {
	return &Loop{entries: make(map[Handle]*entry)}
}

// RegisterExcept registers cb to fire the first time [Loop.Except] is
// called for h. It returns ok = false without registering if h already
// has an Except registration (§4.1: "does not replace").
func (l *Loop) RegisterExcept(h Handle, cb func()) (reg *Registration, ok bool) {
	l.mu.Lock()
	if _, exists := l.entries[h]; exists {
		l.mu.Unlock()

		return nil, false
	}

	e := &entry{cb: cb}
	l.entries[h] = e
	l.mu.Unlock()

	return &Registration{loop: l, handle: h, entry: e}, true
}

// Except raises the exception event for h: a connection reporting that
// its I/O failed or was asked to shut down outside of its own read/write
// path. It is a no-op if h has no Except registration or it already
// fired (§4.1 step 5, §8 invariant 2's sibling guarantee for the loop
// itself).
func (l *Loop) Except(h Handle) {
	l.mu.Lock()
	e, ok := l.entries[h]
	l.mu.Unlock()

	if !ok {
		return
	}

	e.once.Do(func() {
		l.deregister(h)
		e.cb()
	})
}

// deregister removes h's entry. It is idempotent.
func (l *Loop) deregister(h Handle) {
	l.mu.Lock()
	delete(l.entries, h)
	l.mu.Unlock()
}

// Registration is a scoped token tying one Handle's Except registration
// to the Loop that owns it. Its zero value is the Moved state (§3
// "Event-loop registration"): closing it is a no-op. Registration is not
// safe to copy; pass it by pointer.
type Registration struct {
	loop   *Loop
	handle Handle
	entry  *entry
	done   atomic.Bool
}

// Close deregisters the registration, if it has not already fired or
// been closed. It is idempotent and safe to call from any goroutine
// (§8 invariant 1).
func (r *Registration) Close() error {
	if r == nil || r.loop == nil {
		return nil
	}

	if !r.done.CompareAndSwap(false, true) {
		return nil
	}

	r.loop.mu.Lock()
	if r.loop.entries[r.handle] == r.entry {
		delete(r.loop.entries, r.handle)
	}
	r.loop.mu.Unlock()

	return nil
}

// Handle returns the handle this registration was created for.
func (r *Registration) Handle() Handle {
	if r == nil {
		return 0
	}

	return r.handle
}
