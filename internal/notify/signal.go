// Package notify provides the wakeup primitive behind the registry's
// autosave loop.
package notify

import "sync"

// Signal broadcasts a wakeup to every waiter at once. Waiters block on
// the channel from C, and Notify closes it and swaps in a fresh one, so
// an edit marking a vault dirty wakes the autosave loop immediately
// instead of waiting out the tick.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a Signal ready to wait on.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes every goroutine currently waiting on C.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns the channel the next Notify closes. Call it again after
// each wakeup; a stored channel only ever fires once.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}
