package service

import "sync"

// SelectionGate tracks whether an exclusive selection session is open. While
// one is, marker mutations are deferred so the reader's current selection is
// not redrawn under their cursor; closing the session runs the registered
// callbacks, which flush the deferred queue.
type SelectionGate struct {
	mu       sync.Mutex
	open     bool
	focused  int64
	onClosed []func()
}

func NewSelectionGate() *SelectionGate {
	return &SelectionGate{}
}

// OnSessionClosed registers a callback invoked each time an open session
// closes. Callbacks run outside the gate's lock, in registration order.
func (g *SelectionGate) OnSessionClosed(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onClosed = append(g.onClosed, fn)
}

// OpenSession marks an exclusive selection session on the given highlight.
// Opening while a session is already open refocuses it without closing.
func (g *SelectionGate) OpenSession(highlightID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	g.focused = highlightID
}

// CloseSession ends the session and fires the close callbacks. Closing an
// already closed gate is a no-op, so callbacks fire once per open session.
func (g *SelectionGate) CloseSession() {
	g.mu.Lock()
	wasOpen := g.open
	g.open = false
	g.focused = 0
	callbacks := make([]func(), len(g.onClosed))
	copy(callbacks, g.onClosed)
	g.mu.Unlock()

	if !wasOpen {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
}

// HasExclusiveSession reports whether a selection session is currently open.
func (g *SelectionGate) HasExclusiveSession() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// FocusedHighlight returns the highlight the open session is focused on.
func (g *SelectionGate) FocusedHighlight() (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return 0, false
	}
	return g.focused, true
}
