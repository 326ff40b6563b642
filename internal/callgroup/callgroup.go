// Package callgroup deduplicates concurrent calls that share a key.
//
// The registry uses it to collapse simultaneous acquires of the same
// vault into one snapshot load: the first caller does the work, the
// rest wait for its result. A finished key is forgotten, so a later
// acquire after eviction loads again.
package callgroup

import "sync"

// Group deduplicates concurrent function calls by key.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

// DoChan runs fn unless a call for key is already in flight, in which
// case the caller is attached to the existing call. The returned
// channel delivers that call's error exactly once and is never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		ch := make(chan error, 1)
		go func() {
			<-c.done
			ch <- c.err
		}()
		return ch
	}

	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}
