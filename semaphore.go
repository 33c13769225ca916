package spdy

import "sync"

// streamGate is a non-blocking counting gate enforcing the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS. TryDec never blocks: Syn must fail
// fast when the gate is exhausted, not wait for a remote stream to close.
type streamGate struct {
	mu     sync.Mutex
	limit  int32 // <= 0 means unlimited
	n      int32 // streams currently open against the gate
	closed bool
}

// setLimit installs a new concurrency ceiling, as received in a SETTINGS
// frame. A non-positive limit disables the gate.
func (g *streamGate) setLimit(limit int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
}

// TryDec attempts to claim one slot, returning false without blocking if
// the gate is at its limit or closed.
func (g *streamGate) TryDec() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.limit > 0 && g.n >= g.limit {
		return false
	}
	g.n++
	return true
}

// Inc releases one slot, for example when a stream this gate admitted
// closes.
func (g *streamGate) Inc() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n > 0 {
		g.n--
	}
}

// Close disables the gate; future TryDec calls fail.
func (g *streamGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}
