// Package infra provides small shared concurrency primitives: duplicate
// suppression for expensive initialization and a phased shutdown coordinator.
package infra

import (
	"sync"
	"sync/atomic"
)

// Group suppresses duplicate in-flight work per key. When several callers
// request the same key concurrently, one executes the function and the rest
// wait for, and share, its result. This is similar to
// golang.org/x/sync/singleflight but with generics.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type call[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn, making sure only one execution is in flight for key at a
// time. The third return value reports whether the result was shared with
// another caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		g.hits.Add(1)
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()
	g.misses.Add(1)

	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		c.wg.Done()
	}()

	c.val, c.err = fn()
	return c.val, c.err, c.shared
}

// Forget drops the in-flight call for key so the next Do executes fresh.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// GroupStats reports how often calls were deduplicated.
type GroupStats struct {
	Hits   uint64 // calls that shared another caller's result
	Misses uint64 // calls that executed the function
}

// Stats returns statistics about the group.
func (g *Group[K, V]) Stats() GroupStats {
	return GroupStats{Hits: g.hits.Load(), Misses: g.misses.Load()}
}
